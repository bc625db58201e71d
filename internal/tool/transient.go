package tool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// pidFilePollInterval and pidFilePollCount bound how long Stop waits for the tool script's pid file to
// appear before proceeding anyway.
const (
	pidFilePollInterval = 100 * time.Millisecond
	pidFilePollCount    = 100
)

// Transient runs one measurement script through its start/stop/wait
// lifecycle. At most one start process and one stop process are alive at any
// time; Wait must follow Stop.
type Transient struct {
	name       string
	opts       []string
	scriptPath string

	toolDir string
	start   *exec.Cmd
	stop    *exec.Cmd
}

// NewTransient builds a transient tool around its lifecycle script.
func NewTransient(name, optString, scriptPath string) *Transient {
	return &Transient{
		name:       name,
		opts:       strings.Fields(optString),
		scriptPath: scriptPath,
	}
}

func (t *Transient) Name() string { return t.name }

// Install runs the tool script's --install operation and captures its
// combined output.
func (t *Transient) Install(ctx context.Context) (InstallResult, error) {
	args := append([]string{"--install"}, t.opts...)
	cmd := exec.CommandContext(ctx, t.scriptPath, args...)
	out, err := cmd.CombinedOutput()
	res := InstallResult{Output: string(out)}
	if cmd.ProcessState != nil {
		res.RC = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return res, nil
		}
		return res, fmt.Errorf("tool(%s) install: %w", t.name, err)
	}
	return res, nil
}

// Start spawns the tool script's --start operation in the background,
// redirecting its output to capture files under toolDir.
func (t *Transient) Start(toolDir string) error {
	if t.start != nil {
		return stateErr(t.name, "has an unexpected start process running")
	}
	if t.stop != nil {
		return stateErr(t.name, "has an unexpected stop process running")
	}
	if fi, err := os.Stat(toolDir); err != nil || !fi.IsDir() {
		return fmt.Errorf("tool(%s) start: tool directory %s does not exist", t.name, toolDir)
	}
	cmd, err := t.spawn("start", toolDir)
	if err != nil {
		return err
	}
	t.toolDir = toolDir
	t.start = cmd
	return nil
}

// Stop spawns the tool script's --stop operation. Before doing so it waits
// up to ten seconds for the tool's pid file to appear; if it never does, a
// warning is logged and the stop proceeds anyway.
func (t *Transient) Stop() error {
	if t.start == nil {
		return stateErr(t.name, "start process not running")
	}
	if t.stop != nil {
		return stateErr(t.name, "has an unexpected stop process running")
	}

	pidFile := filepath.Join(t.toolDir, t.name, t.name+".pid")
	found := false
	for i := 0; i < pidFilePollCount; i++ {
		if _, err := os.Stat(pidFile); err == nil {
			found = true
			break
		}
		time.Sleep(pidFilePollInterval)
	}
	if !found {
		slog.Warn("tool pid file still missing after waiting 10 seconds",
			"tool", t.name, "pid_file", pidFile)
	}

	cmd, err := t.spawn("stop", t.toolDir)
	if err != nil {
		return err
	}
	t.stop = cmd
	return nil
}

// Wait joins the stop process first, then the start process, clearing both
// handles. The scripts' exit codes are not treated as failures; only a
// missing prior Stop is.
func (t *Transient) Wait() error {
	if t.stop == nil {
		return stateErr(t.name, "wait not called after 'stop'")
	}
	if t.start == nil {
		return stateErr(t.name, "does not have a start process running")
	}
	waitIgnoringExit(t.stop)
	t.stop = nil
	waitIgnoringExit(t.start)
	t.start = nil
	return nil
}

// spawn runs the script's --start or --stop operation with output captured
// to tm-<name>-<op>.{out,err} under toolDir.
func (t *Transient) spawn(op, toolDir string) (*exec.Cmd, error) {
	args := append([]string{"--" + op, "--dir=" + toolDir}, t.opts...)
	cmd := exec.Command(t.scriptPath, args...)
	cmd.Dir = toolDir
	ofp, err := os.Create(filepath.Join(toolDir, fmt.Sprintf("tm-%s-%s.out", t.name, op)))
	if err != nil {
		return nil, fmt.Errorf("tool(%s) %s: %w", t.name, op, err)
	}
	efp, err := os.Create(filepath.Join(toolDir, fmt.Sprintf("tm-%s-%s.err", t.name, op)))
	if err != nil {
		ofp.Close()
		return nil, fmt.Errorf("tool(%s) %s: %w", t.name, op, err)
	}
	cmd.Stdout = ofp
	cmd.Stderr = efp
	slog.Info("spawning tool script", "tool", t.name, "op", op, "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		ofp.Close()
		efp.Close()
		return nil, fmt.Errorf("tool(%s) %s: %w", t.name, op, err)
	}
	// The capture files are closed when the child exits; releasing our
	// descriptors now keeps the handle count flat across iterations.
	ofp.Close()
	efp.Close()
	return cmd, nil
}

// waitIgnoringExit waits for cmd, swallowing non-zero exit statuses; the
// scripts own their exit codes and the capture files record any complaint.
func waitIgnoringExit(cmd *exec.Cmd) {
	if err := cmd.Wait(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			slog.Warn("tool process wait failed", "error", err)
		}
	}
}
