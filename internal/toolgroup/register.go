package toolgroup

import (
	"fmt"
	"os"
	"path/filepath"
)

// Register records a tool with its option string for a host, creating the
// group and host directories as needed.
func Register(runRoot, group, host, tool, opts string) error {
	hostDir := filepath.Join(Dir(runRoot, group), host)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return fmt.Errorf("creating host directory for %s: %w", host, err)
	}
	if err := os.WriteFile(filepath.Join(hostDir, tool), []byte(opts), 0o644); err != nil {
		return fmt.Errorf("recording tool %s for host %s: %w", tool, host, err)
	}
	return nil
}

// SetLabel records a host label inside the group directory.
func SetLabel(runRoot, group, host, label string) error {
	hostDir := filepath.Join(Dir(runRoot, group), host)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return fmt.Errorf("creating host directory for %s: %w", host, err)
	}
	if err := os.WriteFile(filepath.Join(hostDir, labelFile), []byte(label), 0o644); err != nil {
		return fmt.Errorf("recording label for host %s: %w", host, err)
	}
	return nil
}

// Unregister removes a tool registration. Removing the last tool of a host
// removes the host directory.
func Unregister(runRoot, group, host, tool string) error {
	hostDir := filepath.Join(Dir(runRoot, group), host)
	if err := os.Remove(filepath.Join(hostDir, tool)); err != nil {
		return fmt.Errorf("removing tool %s for host %s: %w", tool, host, err)
	}
	ents, err := os.ReadDir(hostDir)
	if err != nil {
		return nil
	}
	for _, ent := range ents {
		if ent.Name() != labelFile {
			return nil
		}
	}
	return os.RemoveAll(hostDir)
}

// Groups lists the group names registered under the run root.
func Groups(runRoot string) ([]string, error) {
	ents, err := os.ReadDir(runRoot)
	if err != nil {
		return nil, err
	}
	var groups []string
	for _, ent := range ents {
		if !ent.IsDir() {
			continue
		}
		name := ent.Name()
		if len(name) > len(Prefix)+1 && name[:len(Prefix)+1] == Prefix+"-" {
			groups = append(groups, name[len(Prefix)+1:])
		}
	}
	return groups, nil
}
