package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/benchkit/meister/internal/bus"
	"github.com/benchkit/meister/internal/client"
	"github.com/benchkit/meister/internal/config"
	"github.com/benchkit/meister/internal/journal"
	"github.com/benchkit/meister/internal/sysinfo"
	"github.com/benchkit/meister/internal/toolgroup"
	"github.com/benchkit/meister/pkg/protocol"
)

// shutdownBudget bounds how long the stop path waits for local processes
// recorded in the pid files to exit.
const shutdownBudget = 60 * time.Second

// Pid file names the sink and tool meister daemons leave under tm/.
const (
	SinkPidFile    = "sink.pid"
	MeisterPidFile = "tm.pid"
)

// StopOptions parameterize one tear-down.
type StopOptions struct {
	Group        string
	RunDir       string
	FullHostname string

	// Interrupt skips sysinfo collection and goes straight to terminate.
	Interrupt bool

	// Sysinfo is the system information set to collect before terminating.
	Sysinfo string
}

// Stop ends the persistent tools, optionally collects system information,
// terminates the sink and every tool meister, and finally shuts down the
// locally managed bus.
func Stop(ctx context.Context, cfg *config.Config, opts StopOptions) *ExitError {
	if err := toolgroup.Verify(cfg.RunRoot, opts.Group); err != nil {
		return exitErr(ExitBadArgs, "%v", err)
	}
	group, err := toolgroup.Load(cfg.RunRoot, opts.Group)
	if err != nil {
		return exitErr(ExitBadArgs, "failed to load tool group data: %w", err)
	}

	sysinfoSpec := opts.Sysinfo
	items, bad := sysinfo.Verify(sysinfoSpec)
	if len(bad) > 0 {
		slog.Error("invalid sysinfo option(s)", "bad", strings.Join(bad, ","))
		items = nil
	}
	if opts.Interrupt && len(items) > 0 {
		// Interrupted runs terminate as quickly as possible.
		slog.Warn("system information not collected when interrupted")
		items = nil
	}

	tmDir := filepath.Join(opts.RunDir, "tm")
	redisPid := redisPidFile(tmDir, cfg.Redis.Port)
	locallyManaged := fileExists(redisPid)

	b, err := bus.NewRedis(ctx, cfg.Redis.Host, cfg.Redis.Port)
	if err != nil {
		// The bus died under the run; skip the client conversation and just
		// reap whatever pids were recorded locally.
		slog.Warn("bus unreachable on stop, killing recorded pids", "error", err)
		forceShutdown(tmDir, redisPid)
		return exitErr(ExitFailure, "bus unreachable on stop: %w", err)
	}
	defer b.Close()

	channel := Channel(opts.Group)
	cl, err := client.New(ctx, b, channel, len(group.Hostnames())+1)
	if err != nil {
		forceShutdown(tmDir, redisPid)
		return exitErr(ExitFailure, "failed to create tool meister client: %w", err)
	}
	defer cl.Close()

	// 1. End the run of the persistent tools; an interrupted stop skips this
	// and goes straight to terminate.
	endRet := 1
	toolDir := toolgroup.Dir(opts.RunDir, opts.Group)
	if opts.Interrupt {
		slog.Info("interrupted, not ending persistent tools")
	} else if err := os.MkdirAll(toolDir, 0o755); err != nil {
		slog.Error("failed to create tool output directory", "dir", toolDir, "error", err)
	} else {
		endRet = cl.Publish(ctx, opts.Group, toolDir, protocol.ActionEnd, nil)
	}

	// 2. Collect system information, only if ending succeeded.
	if endRet == 0 && len(items) > 0 {
		sysinfoDir := filepath.Join(opts.RunDir, "sysinfo", "end")
		if err := os.MkdirAll(sysinfoDir, 0o755); err != nil {
			slog.Error("unable to create sysinfo-dump directory base path", "dir", sysinfoDir, "error", err)
		} else {
			slog.Info("collecting system information")
			// Success or failure here does not affect the stop status.
			cl.Publish(ctx, opts.Group, sysinfoDir, protocol.ActionSysinfo, items)
		}
	}

	// 3. Terminate everything.
	termRet := cl.Terminate(ctx, opts.Group, opts.Interrupt)

	// An interrupt may arrive in any state (e.g. actively running) and never
	// publishes "end"; the point is to terminate as quickly as possible, so
	// only the terminate status matters then.
	retVal := termRet
	if endRet != 0 && !opts.Interrupt {
		retVal = endRet
	}

	if locallyManaged {
		if err := gracefulShutdown(ctx, tmDir, redisPid); err != nil {
			slog.Error("shutdown of local processes failed", "error", err)
			if retVal == 0 {
				retVal = 1
			}
		}
	}

	recordRunEnd(cfg, tmDir)

	if retVal != 0 {
		return exitErr(retVal, "tool meister stop encountered failures")
	}
	return nil
}

// gracefulShutdown waits for the local sink and tool meister pids to exit,
// then kills the bus by pid.
func gracefulShutdown(ctx context.Context, tmDir, redisPid string) error {
	var firstErr error
	for _, name := range []string{SinkPidFile, MeisterPidFile} {
		pidFile := filepath.Join(tmDir, name)
		pid, err := readPidFile(pidFile)
		if err != nil {
			if !os.IsNotExist(err) && firstErr == nil {
				firstErr = err
			}
			continue
		}
		slog.Debug("waiting for recorded process to exit", "pid_file", pidFile, "pid", pid)
		if err := waitForPid(ctx, pid); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("waiting for pid %d (%s): %w", pid, name, err)
		}
	}
	killRedis(redisPid)
	return firstErr
}

// forceShutdown kills every locally recorded process without waiting.
func forceShutdown(tmDir, redisPid string) {
	for _, name := range []string{SinkPidFile, MeisterPidFile} {
		pid, err := readPidFile(filepath.Join(tmDir, name))
		if err != nil {
			continue
		}
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
	killRedis(redisPid)
}

// waitForPid polls a process for exit, pacing the kill(pid, 0) probes.
func waitForPid(ctx context.Context, pid int) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownBudget)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
	for {
		if err := syscall.Kill(pid, 0); err != nil {
			// ESRCH: the process is gone.
			return nil
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func recordRunEnd(cfg *config.Config, tmDir string) {
	raw, err := os.ReadFile(filepath.Join(tmDir, ".uuid"))
	if err != nil {
		return
	}
	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		slog.Warn("run journal unavailable", "error", err)
		return
	}
	defer j.Close()
	if err := j.RecordRunEnd(strings.TrimSpace(string(raw))); err != nil {
		slog.Warn("failed to journal run end", "error", err)
	}
}
