package meister

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/benchkit/meister/internal/sysinfo"
	"github.com/benchkit/meister/internal/tool"
	"github.com/benchkit/meister/pkg/protocol"
)

// sortedToolNames returns the registered tool names in a stable order so
// tool starts and stops happen deterministically.
func (m *Meister) sortedToolNames() []string {
	names := make([]string, 0, len(m.params.Tools))
	for name := range m.params.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newPersistent constructs the persistent collector variant registered
// under name.
func (m *Meister) newPersistent(name, opts string) (tool.Tool, error) {
	props, _ := m.meta.Properties(name)
	switch {
	case name == "node-exporter":
		return tool.NewNodeExporter(opts), nil
	case name == "dcgm":
		return tool.NewDcgm(opts), nil
	case props.Collector == "pcp":
		return tool.NewPCPPair(name, opts), nil
	default:
		return nil, fmt.Errorf("invalid persistent tool name %q", name)
	}
}

// initTools installs every registered tool and starts the persistent
// collectors. Install failures are counted per tool and are never fatal to
// the tool meister itself.
func (m *Meister) initTools(ctx context.Context, data *protocol.Action) int {
	dir, err := m.persistentRunDir()
	if err != nil {
		slog.Error("failed to establish persistent tool directory", "error", err)
		m.sendClientStatus(ctx, "internal-error")
		return 1
	}

	failures := 0
	toolCnt := 0
	for _, name := range m.sortedToolNames() {
		opts := m.params.Tools[name]
		if m.meta.IsNoop(name) {
			continue
		}
		if !m.meta.IsPersistent(name) {
			// Transient tools are only installed here; their processes are
			// created per start action.
			toolCnt++
			t := tool.NewTransient(name, opts, m.cfg.ToolScript(name))
			res, err := t.Install(ctx)
			if err != nil || res.RC != 0 {
				slog.Error("tool failed install check",
					"tool", name, "rc", res.RC, "output", res.Output, "error", err)
				failures++
			}
			continue
		}
		toolCnt++
		pt, err := m.newPersistent(name, opts)
		if err != nil {
			slog.Error("failed to init persistent tool", "tool", name, "error", err)
			failures++
			continue
		}
		if res, err := pt.Install(ctx); err != nil || res.RC != 0 {
			slog.Error("persistent tool failed install check",
				"tool", name, "rc", res.RC, "output", res.Output, "error", err)
			failures++
			continue
		}
		if err := pt.Start(dir); err != nil {
			slog.Error("failed to start persistent tool in background", "tool", name, "error", err)
			failures++
			continue
		}
		m.persistent[name] = pt
	}
	if failures > 0 {
		m.sendClientStatus(ctx, fmt.Sprintf("%d of %d persistent tools failed to start", failures, toolCnt))
	} else {
		m.sendClientStatus(ctx, protocol.StatusSuccess)
	}
	return failures
}

// persistentRunDir resolves where persistent collectors write for this run:
// the group directory under the run dir when local, a private temp
// directory when remote.
func (m *Meister) persistentRunDir() (string, error) {
	if m.persistentDir != "" {
		return m.persistentDir, nil
	}
	var dir string
	if m.local() {
		dir = filepath.Join(m.params.BenchmarkRunDir,
			fmt.Sprintf("tools-%s", m.params.Group), m.params.Hostname)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	} else {
		var err error
		dir, err = os.MkdirTemp(m.cfg.TempDir, m.stagePrefix())
		if err != nil {
			return "", err
		}
	}
	m.persistentDir = dir
	return dir, nil
}

func (m *Meister) stagePrefix() string {
	return fmt.Sprintf("tm.%s.%d.", m.params.Group, os.Getpid())
}

// startTools creates the per-host tool directory for the action's directory
// token and starts every transient tool in the background.
func (m *Meister) startTools(ctx context.Context, data *protocol.Action) int {
	if len(m.running) > 0 || m.directory != "" {
		slog.Error("INTERNAL ERROR - encountered previously running tools")
		m.sendClientStatus(ctx, "internal-error")
		return 1
	}

	// When local, the directory token is already a path under the benchmark
	// run directory; when remote, stage under a private temp directory and
	// treat the token as opaque.
	var dir string
	if m.local() {
		fi, err := os.Stat(data.Dir())
		if err != nil || !fi.IsDir() {
			slog.Error("failed to access provided result directory", "directory", data.Dir(), "error", err)
			m.sendClientStatus(ctx, "internal-error")
			return 1
		}
		dir = data.Dir()
	} else {
		var err error
		dir, err = os.MkdirTemp(m.cfg.TempDir, m.stagePrefix())
		if err != nil {
			slog.Error("failed to create temporary directory for start operation", "error", err)
			m.sendClientStatus(ctx, "internal-error")
			return 1
		}
	}
	toolDir := filepath.Join(dir, m.params.Hostname)
	if err := os.Mkdir(toolDir, 0o755); err != nil {
		slog.Error("failed to create local result directory", "directory", toolDir, "error", err)
		m.sendClientStatus(ctx, "internal-error")
		return 1
	}
	m.directory = data.Dir()
	m.toolDir = toolDir

	failures := 0
	toolCnt := 0
	for _, name := range m.sortedToolNames() {
		if m.meta.IsPersistent(name) || m.meta.IsNoop(name) {
			continue
		}
		toolCnt++
		t := tool.NewTransient(name, m.params.Tools[name], m.cfg.ToolScript(name))
		if err := t.Start(toolDir); err != nil {
			slog.Error("failed to start tool running in background", "tool", name, "error", err)
			failures++
			continue
		}
		m.running[name] = t
	}
	if failures > 0 {
		m.sendClientStatus(ctx, fmt.Sprintf("%d of %d tools failed to start", failures, toolCnt))
	} else {
		m.sendClientStatus(ctx, protocol.StatusSuccess)
	}
	return failures
}

// waitForTools joins every running tool after its stop, counting failures.
func (m *Meister) waitForTools() int {
	failures := 0
	for _, name := range m.sortedToolNames() {
		t, ok := m.running[name]
		if !ok {
			continue
		}
		if err := t.Wait(); err != nil {
			slog.Error("failed to wait for tool to stop running", "tool", name, "error", err)
			failures++
		}
	}
	return failures
}

// stopTools stops and joins every running transient tool, then records the
// action's directory token as pending a send. The directory must pair with
// the immediately preceding start.
func (m *Meister) stopTools(ctx context.Context, data *protocol.Action) int {
	if m.directory != data.Dir() {
		slog.Error("INTERNAL ERROR - stop tools for a directory different from the previous start tools",
			"stop_directory", data.Dir(), "start_directory", m.directory)
		m.sendClientStatus(ctx, "internal-error")
		return 1
	}

	failures := 0
	toolCnt := 0
	for _, name := range m.sortedToolNames() {
		if m.meta.IsPersistent(name) || m.meta.IsNoop(name) {
			continue
		}
		toolCnt++
		t, ok := m.running[name]
		if !ok {
			slog.Error("INTERNAL ERROR - tool not found in list of running tools", "tool", name)
			failures++
			continue
		}
		if err := t.Stop(); err != nil {
			slog.Error("failed to stop tool running in background", "tool", name, "error", err)
			failures++
		}
	}
	failures += m.waitForTools()
	clear(m.running)

	// Remember this tool directory so its data can be sent when requested.
	m.directories[m.directory] = m.toolDir
	m.directory = ""
	m.toolDir = ""

	if failures > 0 {
		m.sendClientStatus(ctx, fmt.Sprintf("%d of %d failed stopping tools", failures, toolCnt))
	} else {
		m.sendClientStatus(ctx, protocol.StatusSuccess)
	}
	return failures
}

// endTools stops every persistent collector.
func (m *Meister) endTools(ctx context.Context, data *protocol.Action) int {
	failures := 0
	toolCnt := 0
	for _, name := range m.sortedToolNames() {
		if !m.meta.IsPersistent(name) {
			continue
		}
		toolCnt++
		pt, ok := m.persistent[name]
		if !ok {
			slog.Error("INTERNAL ERROR - tool not in list of persistent tools", "tool", name)
			failures++
			continue
		}
		if err := pt.Stop(); err != nil {
			slog.Error("failed to stop persistent tool running in background", "tool", name, "error", err)
			failures++
			continue
		}
		if err := pt.Wait(); err != nil {
			slog.Error("failed to wait for persistent tool", "tool", name, "error", err)
			failures++
		}
	}
	if failures > 0 {
		m.sendClientStatus(ctx, fmt.Sprintf("%d of %d failed stopping persistent tools", failures, toolCnt))
	} else {
		m.sendClientStatus(ctx, protocol.StatusSuccess)
	}
	return failures
}

// sysinfo collects system configuration information for this host. It is
// only legal while no tools can be running: before the first init, and
// after end.
func (m *Meister) sysinfo(ctx context.Context, data *protocol.Action) int {
	if m.state == stateRunning || m.state == stateIdle {
		msg := fmt.Sprintf("sysinfo action received in state '%s'", m.state)
		m.sendClientStatus(ctx, msg)
		return 1
	}
	items, err := data.SysinfoItems()
	if err != nil || len(items) == 0 {
		m.sendClientStatus(ctx, "No sysinfo arguments given")
		return 1
	}

	var dir string
	if m.local() {
		fi, statErr := os.Stat(data.Dir())
		if statErr != nil || !fi.IsDir() {
			slog.Error("failed to access provided sysinfo directory", "directory", data.Dir(), "error", statErr)
			m.sendClientStatus(ctx, "internal-error")
			return 1
		}
		dir = data.Dir()
	} else {
		dir, err = os.MkdirTemp(m.cfg.TempDir, m.stagePrefix())
		if err != nil {
			slog.Error("failed to create temporary directory for sysinfo operation", "error", err)
			m.sendClientStatus(ctx, "internal-error")
			return 1
		}
	}
	hostDir := filepath.Join(dir, m.params.Hostname)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		slog.Error("failed to create sysinfo host directory", "directory", hostDir, "error", err)
		m.sendClientStatus(ctx, "internal-error")
		return 1
	}

	failures := sysinfo.Collect(ctx, hostDir, items, "")
	if failures > 0 {
		m.sendClientStatus(ctx, fmt.Sprintf("failed to collect system information, %d failures", failures))
		return failures
	}

	if m.local() {
		slog.Info("sysinfo send (no-op)", "hostname", m.params.Hostname, "group", m.params.Group, "dir", dir)
		m.sendClientStatus(ctx, protocol.StatusSuccess)
		return 0
	}

	failures = m.sendDirectory(ctx, hostDir, "sysinfo-data", protocol.DirectoryContext(data.Dir()))
	if failures == 0 {
		m.sendClientStatus(ctx, protocol.StatusSuccess)
	} else {
		m.sendClientStatus(ctx, fmt.Sprintf("%d failures sending sysinfo data", failures))
	}
	return failures
}
