// Package orchestrator brings the control plane of a run up and down: the
// bus, the tool data sink, and one tool meister per registered host, local
// or remote. Bring-up is strictly ordered; any failure after the bus is up
// publishes a terminate and kills the bus.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/benchkit/meister/internal/bus"
	"github.com/benchkit/meister/internal/config"
	"github.com/benchkit/meister/internal/journal"
	"github.com/benchkit/meister/internal/toolgroup"
	"github.com/benchkit/meister/internal/toolmeta"
	"github.com/benchkit/meister/pkg/protocol"
)

// busReadyTimeout bounds how long we wait for the freshly spawned bus to
// accept a subscription.
const busReadyTimeout = 60 * time.Second

// livenessTimeout bounds how long we wait for the sink and every tool
// meister to announce themselves.
const livenessTimeout = 60 * time.Second

// Exit codes emitted by the orchestrator (documented alongside the CLI).
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitBadArgs       = 2
	ExitBusSpawn      = 3
	ExitBusConnect    = 4
	ExitSinkSpawn     = 5
	ExitMeisterSpawn  = 6
	ExitPidTableStore = 7
)

// ExitError carries a process exit code alongside its cause.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func exitErr(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// StartOptions parameterize one bring-up.
type StartOptions struct {
	Group        string
	RunDir       string
	FullHostname string
	ConfigPath   string

	// Remote shell settings for spawning tool meisters on remote hosts.
	SSHUser    string
	SSHKeyPath string
}

// Channel derives the run channel name for a group.
func Channel(group string) string {
	return "tm-" + group
}

// Start brings up bus → sink → tool meisters in order. On success the pid
// table of everything spawned is persisted on the bus under tm-pids.
func Start(ctx context.Context, cfg *config.Config, opts StartOptions) *ExitError {
	// 1. Load the tool group; fail fast before spawning anything.
	group, err := toolgroup.Load(cfg.RunRoot, opts.Group)
	if err != nil {
		return exitErr(ExitBadArgs, "failed to load tool group data: %w", err)
	}
	if group.Empty() {
		return exitErr(ExitBadArgs, "tool group %q has no hosts registered", opts.Group)
	}

	// 2. Create the run's tm/ directory holding pid files, the bus config,
	// and the run UUID.
	tmDir := filepath.Join(opts.RunDir, "tm")
	if err := os.Mkdir(tmDir, 0o755); err != nil {
		return exitErr(ExitFailure, "failed to create the local tool meister directory: %w", err)
	}
	runUUID := uuid.New().String()
	if err := os.WriteFile(filepath.Join(tmDir, ".uuid"), []byte(runUUID+"\n"), 0o644); err != nil {
		return exitErr(ExitFailure, "failed to record run uuid: %w", err)
	}

	// 3. Spawn the bus and wait for it to accept a subscription.
	redisPid := redisPidFile(tmDir, cfg.Redis.Port)
	if err := spawnRedis(ctx, tmDir, cfg.Redis.Port, opts.FullHostname); err != nil {
		return exitErr(ExitBusSpawn, "failed to create redis server: %w", err)
	}
	channel := Channel(opts.Group)
	b, startedSub, err := awaitBus(ctx, cfg.Redis.Port, protocol.StartedChannel(channel))
	if err != nil {
		killRedis(redisPid)
		return exitErr(ExitBusConnect, "unable to connect to redis server: %w", err)
	}
	defer b.Close()

	fail := func(code int, format string, args ...any) *ExitError {
		publishTerminate(ctx, b, channel, opts.Group)
		killRedis(redisPid)
		return exitErr(code, format, args...)
	}

	// Stage one copy of the tool metadata registry for the run.
	metaRaw, err := toolmeta.Default().Encode()
	if err != nil {
		return fail(ExitFailure, "failed to encode tool metadata: %w", err)
	}
	if err := b.Set(ctx, protocol.KeyToolMetadata, metaRaw); err != nil {
		return fail(ExitBusConnect, "failed to stage tool metadata: %w", err)
	}

	// 4. Stage the sink parameters and spawn the sink.
	sinkParams := protocol.SinkParams{
		BenchmarkRunDir: opts.RunDir,
		Channel:         channel,
		Group:           opts.Group,
	}
	raw, _ := json.Marshal(sinkParams)
	sinkKey := protocol.SinkParamKey(opts.Group)
	if err := b.Set(ctx, sinkKey, raw); err != nil {
		return fail(ExitBusConnect, "failed to stage sink parameters: %w", err)
	}
	if err := spawnSelf(ctx, tmDir, "sink", opts.ConfigPath, cfg.Redis.Port, sinkKey); err != nil {
		return fail(ExitSinkSpawn, "failed to create tool data sink: %w", err)
	}
	ds, err := awaitLiveness(ctx, startedSub, protocol.KindDataSink, 1)
	if err != nil {
		return fail(ExitSinkSpawn, "tool data sink never registered: %w", err)
	}

	// 5. Stage per-host parameters and spawn every tool meister.
	sshRunner := &SSHRunner{User: opts.SSHUser, KeyPath: opts.SSHKeyPath}
	expected := 0
	for _, host := range group.Hostnames() {
		controller := opts.FullHostname
		tmParams := protocol.MeisterParams{
			BenchmarkRunDir: opts.RunDir,
			Channel:         channel,
			Controller:      controller,
			Group:           opts.Group,
			Hostname:        host,
			Tools:           group.Tools(host),
		}
		raw, _ := json.Marshal(tmParams)
		tmKey := protocol.MeisterParamKey(opts.Group, host)
		if err := b.Set(ctx, tmKey, raw); err != nil {
			return fail(ExitBusConnect, "failed to stage tool meister parameters for %s: %w", host, err)
		}
		if host == opts.FullHostname {
			slog.Debug("starting localhost tool meister")
			if err := spawnSelf(ctx, tmDir, "tm", opts.ConfigPath, cfg.Redis.Port, tmKey); err != nil {
				return fail(ExitMeisterSpawn, "failed to create localhost tool meister: %w", err)
			}
		} else {
			slog.Debug("starting remote tool meister", "host", host)
			command := fmt.Sprintf("meister tm --redis-host %s --redis-port %d --param-key %s --daemonize",
				opts.FullHostname, cfg.Redis.Port, tmKey)
			if err := sshRunner.Run(ctx, host, command); err != nil {
				return fail(ExitMeisterSpawn, "failed to create a tool meister instance for host %s: %w", host, err)
			}
		}
		expected++
	}

	// 6. Wait for one liveness message per spawned tool meister.
	tms, err := awaitLiveness(ctx, startedSub, protocol.KindToolMeister, expected)
	if err != nil {
		return fail(ExitMeisterSpawn, "not all tool meisters registered: %w", err)
	}

	// 7. Persist the collected pid table for the sink to read.
	pids := protocol.PidTable{DS: ds[0], TM: tms}
	rawPids, _ := json.Marshal(pids)
	if err := b.Set(ctx, protocol.KeyPids, rawPids); err != nil {
		return fail(ExitPidTableStore, "failed to set tool meister pids object: %w", err)
	}

	if j, err := journal.Open(cfg.Journal.Path); err == nil {
		if err := j.RecordRunStart(runUUID, opts.Group, opts.RunDir); err != nil {
			slog.Warn("failed to journal run start", "error", err)
		}
		j.Close()
	} else {
		slog.Warn("run journal unavailable", "error", err)
	}

	slog.Info("tool meister control plane up",
		"group", opts.Group, "tool_meisters", expected, "channel", channel)
	return nil
}

// awaitBus connects to the freshly spawned bus, retrying for up to the bus
// readiness budget, and subscribes the started channel.
func awaitBus(ctx context.Context, port int, startedChannel string) (bus.Bus, bus.Subscription, error) {
	deadline := time.Now().Add(busReadyTimeout)
	limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
	for {
		b, err := bus.NewRedis(ctx, "localhost", port)
		if err == nil {
			sub, serr := b.Subscribe(ctx, startedChannel)
			if serr == nil {
				return b, sub, nil
			}
			b.Close()
			err = serr
		}
		if time.Now().After(deadline) {
			return nil, nil, err
		}
		if werr := limiter.Wait(ctx); werr != nil {
			return nil, nil, werr
		}
	}
}

// awaitLiveness consumes liveness messages of the wanted kind until count
// have arrived, within the liveness budget.
func awaitLiveness(ctx context.Context, sub bus.Subscription, kind string, count int) ([]protocol.Liveness, error) {
	ctx, cancel := context.WithTimeout(ctx, livenessTimeout)
	defer cancel()
	var out []protocol.Liveness
	for len(out) < count {
		payload, err := sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		lv, err := protocol.ParseLiveness(payload)
		if err != nil {
			slog.Warn("unrecognized liveness payload", "error", err)
			continue
		}
		if lv.Kind != kind {
			slog.Warn("unexpected liveness kind", "kind", lv.Kind, "want", kind)
			continue
		}
		out = append(out, *lv)
	}
	return out, nil
}

// publishTerminate tells anything that did come up to shut down.
func publishTerminate(ctx context.Context, b bus.Bus, channel, group string) {
	slog.Info("terminating tool meister startup due to failures")
	msg := protocol.Action{Action: protocol.ActionTerminate, Group: &group}
	payload, err := msg.Encode()
	if err != nil {
		return
	}
	if _, err := b.Publish(ctx, channel, payload); err != nil {
		slog.Error("failed to publish terminate message", "error", err)
	}
}
