package collector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
)

// pmcdPort is the port every host's pmcd is expected to listen on.
const pmcdPort = "44321"

// PCPLoggers runs one pmlogger per registered pcp host, plus one pmie per
// host when pmie is installed, pulling metric archives from the remote pmcds into the group directory.
type PCPLoggers struct {
	toolGroupDir string
	hosts        []string

	mu         sync.Mutex
	procs      []*exec.Cmd
	terminated bool
}

// NewPCPLoggers builds the collector for the given host set.
func NewPCPLoggers(toolGroupDir string, hosts []string) *PCPLoggers {
	sorted := append([]string(nil), hosts...)
	sort.Strings(sorted)
	return &PCPLoggers{toolGroupDir: toolGroupDir, hosts: sorted}
}

func (p *PCPLoggers) Name() string { return "pcp" }

func (p *PCPLoggers) Launch(ctx context.Context) error {
	pmlogger, err := exec.LookPath("pmlogger")
	if err != nil {
		return fmt.Errorf("pcp collector: pmlogger not found: %w", err)
	}
	pmie, _ := exec.LookPath("pmie") // inference is optional

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, host := range p.hosts {
		hostDir := filepath.Join(p.toolGroupDir, host, "pcp")
		if err := os.MkdirAll(hostDir, 0o755); err != nil {
			return fmt.Errorf("pcp collector: creating %s: %w", hostDir, err)
		}
		logger := exec.Command(pmlogger,
			"-h", host+":"+pmcdPort,
			"-t", "3s",
			filepath.Join(hostDir, "archive"))
		if err := logger.Start(); err != nil {
			return fmt.Errorf("pcp collector: starting pmlogger for %s: %w", host, err)
		}
		p.procs = append(p.procs, logger)
		slog.Info("pmlogger started", "host", host)

		if pmie == "" {
			continue
		}
		inference := exec.Command(pmie,
			"-h", host+":"+pmcdPort,
			"-l", filepath.Join(hostDir, "pmie.log"))
		if err := inference.Start(); err != nil {
			slog.Warn("failed to start pmie", "host", host, "error", err)
			continue
		}
		p.procs = append(p.procs, inference)
	}
	return nil
}

func (p *PCPLoggers) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, proc := range p.procs {
		if proc.Process != nil && proc.Process.Signal(syscall.Signal(0)) == nil {
			return true
		}
	}
	return false
}

// Terminate signals every logger and joins them; it is idempotent.
func (p *PCPLoggers) Terminate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return nil
	}
	p.terminated = true
	// Reverse spawn order: inference before its logger, later hosts first.
	for i := len(p.procs) - 1; i >= 0; i-- {
		proc := p.procs[i]
		if proc.Process == nil {
			continue
		}
		if err := proc.Process.Signal(syscall.SIGTERM); err != nil {
			slog.Warn("failed to signal pcp process", "error", err)
		}
	}
	for i := len(p.procs) - 1; i >= 0; i-- {
		if err := p.procs[i].Wait(); err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				slog.Warn("pcp process wait failed", "error", err)
			}
		}
	}
	p.procs = nil
	return nil
}
