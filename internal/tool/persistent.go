package tool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// instPath extracts the value of a --inst= option from a tool option string.
func instPath(optString string) string {
	for _, opt := range strings.Fields(optString) {
		if v, ok := strings.CutPrefix(opt, "--inst="); ok {
			return v
		}
	}
	return ""
}

// supervised owns one long-lived child process kept up across start/stop
// cycles.
type supervised struct {
	cmd *exec.Cmd
}

func (s *supervised) running() bool { return s.cmd != nil }

func (s *supervised) terminate() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slog.Warn("failed to signal persistent tool process", "error", err)
	}
}

func (s *supervised) wait() {
	if s.cmd == nil {
		return
	}
	waitIgnoringExit(s.cmd)
	s.cmd = nil
}

// NodeExporter keeps a node_exporter process alive for the duration of a
// run; a Prometheus scraper at the sink pulls its metrics.
type NodeExporter struct {
	opts    string
	inst    string
	proc    supervised
	Failure bool
}

// NewNodeExporter builds the collector from its registered option string.
func NewNodeExporter(optString string) *NodeExporter {
	return &NodeExporter{opts: optString, inst: instPath(optString)}
}

func (n *NodeExporter) Name() string { return "node-exporter" }

func (n *NodeExporter) binary() string {
	if n.inst != "" {
		return filepath.Join(n.inst, "node_exporter")
	}
	path, err := exec.LookPath("node_exporter")
	if err != nil {
		return ""
	}
	return path
}

// Install verifies the node_exporter binary is present.
func (n *NodeExporter) Install(ctx context.Context) (InstallResult, error) {
	bin := n.binary()
	if bin == "" {
		n.Failure = true
		return InstallResult{RC: 1, Output: "node_exporter binary not found"}, nil
	}
	if _, err := os.Stat(bin); err != nil {
		n.Failure = true
		return InstallResult{RC: 1, Output: fmt.Sprintf("%s does not exist", bin)}, nil
	}
	return InstallResult{}, nil
}

func (n *NodeExporter) Start(toolDir string) error {
	if n.proc.running() {
		return nil
	}
	bin := n.binary()
	if bin == "" {
		n.Failure = true
		return fmt.Errorf("node-exporter: no install path in tool options and no binary on PATH")
	}
	if err := os.MkdirAll(filepath.Join(toolDir, n.Name()), 0o755); err != nil {
		n.Failure = true
		return fmt.Errorf("node-exporter: %w", err)
	}
	// Output is discarded; the sink's Prometheus scraper pulls the metrics.
	cmd := exec.Command(bin)
	if err := cmd.Start(); err != nil {
		n.Failure = true
		return fmt.Errorf("node-exporter: %w", err)
	}
	n.proc.cmd = cmd
	return nil
}

func (n *NodeExporter) Stop() error {
	if n.Failure || !n.proc.running() {
		return nil
	}
	n.proc.terminate()
	return nil
}

func (n *NodeExporter) Wait() error {
	n.proc.wait()
	return nil
}

// Dcgm keeps NVIDIA's DCGM prometheus exporter sample script alive for the
// run. The script and its bindings live under the registered --inst prefix.
type Dcgm struct {
	opts    string
	inst    string
	proc    supervised
	Failure bool
}

// NewDcgm builds the collector from its registered option string.
func NewDcgm(optString string) *Dcgm {
	return &Dcgm{opts: optString, inst: instPath(optString)}
}

func (d *Dcgm) Name() string { return "dcgm" }

func (d *Dcgm) script() string {
	return filepath.Join(d.inst, "samples", "scripts", "dcgm_prometheus.py")
}

// Install verifies the DCGM sample script is present under the install
// prefix.
func (d *Dcgm) Install(ctx context.Context) (InstallResult, error) {
	if d.inst == "" {
		d.Failure = true
		return InstallResult{RC: 1, Output: "no --inst option in dcgm tool options"}, nil
	}
	if _, err := os.Stat(d.script()); err != nil {
		d.Failure = true
		return InstallResult{RC: 1, Output: fmt.Sprintf("%s does not exist", d.script())}, nil
	}
	return InstallResult{}, nil
}

func (d *Dcgm) Start(toolDir string) error {
	if d.proc.running() {
		return nil
	}
	if d.inst == "" {
		d.Failure = true
		return fmt.Errorf("dcgm: no install path given in tool options")
	}
	if err := os.MkdirAll(filepath.Join(toolDir, d.Name()), 0o755); err != nil {
		d.Failure = true
		return fmt.Errorf("dcgm: %w", err)
	}
	cmd := exec.Command("python2", d.script())
	cmd.Env = append(os.Environ(),
		"PYTHONPATH="+filepath.Join(d.inst, "bindings")+":"+filepath.Join(d.inst, "bindings", "common"))
	if err := cmd.Start(); err != nil {
		d.Failure = true
		return fmt.Errorf("dcgm: %w", err)
	}
	d.proc.cmd = cmd
	return nil
}

func (d *Dcgm) Stop() error {
	if d.Failure || !d.proc.running() {
		return nil
	}
	d.proc.terminate()
	return nil
}

func (d *Dcgm) Wait() error {
	d.proc.wait()
	return nil
}

// PCPPair runs pmcd and pmlogger as two cooperating long-lived children,
// spawned and terminated together.
type PCPPair struct {
	name     string
	opts     string
	inst     string
	pmcd     supervised
	pmlogger supervised
	Failure  bool
}

// NewPCPPair builds the pmcd+pmlogger pair from its registered option
// string.
func NewPCPPair(name, optString string) *PCPPair {
	return &PCPPair{name: name, opts: optString, inst: instPath(optString)}
}

func (p *PCPPair) Name() string { return p.name }

func (p *PCPPair) binary(name string) string {
	if p.inst != "" {
		return filepath.Join(p.inst, "bin", name)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return path
}

// Install verifies both PCP binaries are present.
func (p *PCPPair) Install(ctx context.Context) (InstallResult, error) {
	for _, name := range []string{"pmcd", "pmlogger"} {
		if p.binary(name) == "" {
			p.Failure = true
			return InstallResult{RC: 1, Output: fmt.Sprintf("%s binary not found", name)}, nil
		}
	}
	return InstallResult{}, nil
}

func (p *PCPPair) Start(toolDir string) error {
	if p.pmcd.running() || p.pmlogger.running() {
		return nil
	}
	dir := filepath.Join(toolDir, p.name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.Failure = true
		return fmt.Errorf("%s: %w", p.name, err)
	}

	pmcd := exec.Command(p.binary("pmcd"), "--foreground")
	if err := pmcd.Start(); err != nil {
		p.Failure = true
		return fmt.Errorf("%s: starting pmcd: %w", p.name, err)
	}
	p.pmcd.cmd = pmcd

	pmlogger := exec.Command(p.binary("pmlogger"),
		"-t", "3s", filepath.Join(dir, "archive"))
	if err := pmlogger.Start(); err != nil {
		p.pmcd.terminate()
		p.pmcd.wait()
		p.Failure = true
		return fmt.Errorf("%s: starting pmlogger: %w", p.name, err)
	}
	p.pmlogger.cmd = pmlogger
	return nil
}

// Stop terminates the pair in reverse spawn order; it is idempotent.
func (p *PCPPair) Stop() error {
	p.pmlogger.terminate()
	p.pmcd.terminate()
	return nil
}

func (p *PCPPair) Wait() error {
	p.pmlogger.wait()
	p.pmcd.wait()
	return nil
}
