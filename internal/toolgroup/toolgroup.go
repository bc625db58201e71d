// Package toolgroup reads and writes the on-disk declarative registry of
// which tools run on which hosts for a run: one directory per group, one
// subdirectory per host, one file per tool whose contents are the tool's
// option string.
package toolgroup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrBadToolGroup reports a group directory that is missing, not a
// directory, or unresolvable.
var ErrBadToolGroup = errors.New("bad tool group")

// Special file names inside a group directory.
const (
	labelFile   = "__label__"
	triggerFile = "__trigger__"

	// noInstallSuffix marks tools excluded from install handling; reserved
	// for a containerized mode and ignored here.
	noInstallSuffix = "__noinstall__"
)

// Prefix is the leading component of every group directory name.
const Prefix = "tools"

// Dir returns the group directory path under the run root.
func Dir(runRoot, group string) string {
	return filepath.Join(runRoot, fmt.Sprintf("%s-%s", Prefix, group))
}

// Group is a loaded, read-only view of one tool group.
type Group struct {
	Name    string
	Trigger string

	hosts  map[string]map[string]string
	labels map[string]string
}

// Load reads the tool group registered under the run root. The store is
// pure: no process execution, no network.
func Load(runRoot, group string) (*Group, error) {
	dir, err := filepath.EvalSymlinks(Dir(runRoot, group))
	if err != nil {
		return nil, fmt.Errorf("%w, %s: %v", ErrBadToolGroup, group, err)
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w, %s: %s is not a directory", ErrBadToolGroup, group, dir)
	}

	g := &Group{
		Name:   group,
		hosts:  make(map[string]map[string]string),
		labels: make(map[string]string),
	}

	if raw, err := os.ReadFile(filepath.Join(dir, triggerFile)); err == nil && len(raw) > 0 {
		g.Trigger = string(raw)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w, %s: %v", ErrBadToolGroup, group, err)
	}
	for _, ent := range entries {
		if ent.Name() == triggerFile {
			continue
		}
		hostDir := filepath.Join(dir, ent.Name())
		fi, err := os.Stat(hostDir) // follows symlinks
		if err != nil || !fi.IsDir() {
			// Wayward non-directory files are not host registrations.
			continue
		}
		host := ent.Name()
		tools := make(map[string]string)
		toolEnts, err := os.ReadDir(hostDir)
		if err != nil {
			return nil, fmt.Errorf("%w, %s: %v", ErrBadToolGroup, group, err)
		}
		for _, tent := range toolEnts {
			name := tent.Name()
			if name == labelFile {
				raw, err := os.ReadFile(filepath.Join(hostDir, name))
				if err == nil {
					g.labels[host] = strings.TrimRight(string(raw), "\n")
				}
				continue
			}
			if strings.HasSuffix(name, noInstallSuffix) {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(hostDir, name))
			if err != nil {
				return nil, fmt.Errorf("%w, %s: reading tool file %s: %v", ErrBadToolGroup, group, name, err)
			}
			tools[name] = strings.TrimRight(string(raw), "\n")
		}
		g.hosts[host] = tools
	}
	return g, nil
}

// Verify checks that the group directory exists without loading it.
func Verify(runRoot, group string) error {
	fi, err := os.Stat(Dir(runRoot, group))
	if err != nil || !fi.IsDir() {
		return fmt.Errorf("%w, %s", ErrBadToolGroup, group)
	}
	return nil
}

// Hostnames returns the registered host names in sorted order.
func (g *Group) Hostnames() []string {
	hosts := make([]string, 0, len(g.hosts))
	for h := range g.hosts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Tools returns the tool → option-string mapping registered for a host.
func (g *Group) Tools(host string) map[string]string {
	tools := make(map[string]string, len(g.hosts[host]))
	for name, opts := range g.hosts[host] {
		tools[name] = opts
	}
	return tools
}

// Label returns the label registered for a host, or "".
func (g *Group) Label(host string) string {
	return g.labels[host]
}

// Empty reports whether the group has no hosts registered.
func (g *Group) Empty() bool {
	return len(g.hosts) == 0
}
