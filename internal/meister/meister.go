// Package meister implements the per-host agent owning the lifecycle of the
// tools registered for its host: it consumes action messages from the
// control bus, drives tool processes through init/start/stop/send/end, and
// ships collected data to the tool data sink.
package meister

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/benchkit/meister/internal/bus"
	"github.com/benchkit/meister/internal/config"
	"github.com/benchkit/meister/internal/tool"
	"github.com/benchkit/meister/internal/toolmeta"
	"github.com/benchkit/meister/internal/tracing"
	"github.com/benchkit/meister/pkg/protocol"
)

// Tool meister states.
const (
	stateStartup  = "startup"
	stateIdle     = "idle"
	stateRunning  = "running"
	stateShutdown = "shutdown"
)

// errTerminate unwinds the main loop on a terminate action.
var errTerminate = errors.New("terminate")

// FetchParams reads and validates the tool meister parameter blob staged by
// the orchestrator under key.
func FetchParams(ctx context.Context, b bus.Bus, key string) (*protocol.MeisterParams, error) {
	raw, err := b.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("parameter key %q: %w", key, err)
	}
	var params protocol.MeisterParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decoding parameter key %q: %w", key, err)
	}
	switch {
	case params.BenchmarkRunDir == "":
		return nil, fmt.Errorf("invalid parameter block, missing benchmark_run_dir")
	case params.Channel == "":
		return nil, fmt.Errorf("invalid parameter block, missing channel")
	case params.Controller == "":
		return nil, fmt.Errorf("invalid parameter block, missing controller")
	case params.Group == "":
		return nil, fmt.Errorf("invalid parameter block, missing group")
	case params.Hostname == "":
		return nil, fmt.Errorf("invalid parameter block, missing hostname")
	case params.Tools == nil:
		return nil, fmt.Errorf("invalid parameter block, missing tools")
	}
	return &params, nil
}

// transition describes one legal state-machine edge.
type transition struct {
	curr string
	next string
	act  func(context.Context, *protocol.Action) int
}

// Meister is one tool meister instance.
type Meister struct {
	cfg    *config.Config
	b      bus.Bus
	params *protocol.MeisterParams
	meta   *toolmeta.Metadata
	sub    bus.Subscription
	tracer trace.Tracer

	state string
	trans map[string]transition

	// directory is the active directory token; set at start, moved into
	// directories at stop, where it awaits a send.
	directory   string
	toolDir     string
	directories map[string]string

	running    map[string]*tool.Transient
	persistent map[string]tool.Tool

	// persistentDir is where persistent collectors write for the whole run.
	persistentDir string
}

// New subscribes to the run channel and announces liveness on the started
// channel. The first message consumed after subscribing is the broker's
// acknowledgment, handled inside the bus layer.
func New(ctx context.Context, cfg *config.Config, b bus.Bus, params *protocol.MeisterParams) (*Meister, error) {
	meta, err := toolmeta.Load(ctx, b)
	if err != nil {
		return nil, err
	}
	sub, err := b.Subscribe(ctx, params.Channel)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %q: %w", params.Channel, err)
	}

	m := &Meister{
		cfg:         cfg,
		b:           b,
		params:      params,
		meta:        meta,
		sub:         sub,
		tracer:      tracing.Tracer("meister"),
		state:       stateStartup,
		directories: make(map[string]string),
		running:     make(map[string]*tool.Transient),
		persistent:  make(map[string]tool.Tool),
	}
	m.trans = map[string]transition{
		protocol.ActionInit:  {curr: stateStartup, next: stateIdle, act: m.initTools},
		protocol.ActionStart: {curr: stateIdle, next: stateRunning, act: m.startTools},
		protocol.ActionStop:  {curr: stateRunning, next: stateIdle, act: m.stopTools},
		protocol.ActionEnd:   {curr: stateIdle, next: stateShutdown, act: m.endTools},
	}

	lv := protocol.Liveness{Kind: protocol.KindToolMeister, Hostname: params.Hostname, PID: os.Getpid()}
	payload, _ := json.Marshal(lv)
	if _, err := b.Publish(ctx, protocol.StartedChannel(params.Channel), payload); err != nil {
		sub.Close()
		return nil, fmt.Errorf("publishing liveness: %w", err)
	}
	return m, nil
}

// local reports whether this tool meister shares a host with the controller,
// in which case collected data is written in place and never shipped.
func (m *Meister) local() bool {
	return m.params.Hostname == m.params.Controller
}

// Run drives the action loop until terminate or bus loss. It returns nil
// after a clean terminate and bus.ErrDisconnected when the broker is lost.
func (m *Meister) Run(ctx context.Context) error {
	defer m.cleanup()
	for {
		act, data, err := m.waitForCommand(ctx)
		if err != nil {
			if errors.Is(err, errTerminate) {
				slog.Info("terminating", "hostname", m.params.Hostname)
				return nil
			}
			return err
		}
		spanCtx, span := m.tracer.Start(ctx, "tm."+data.Action,
			trace.WithAttributes(
				attribute.String("hostname", m.params.Hostname),
				attribute.String("group", m.params.Group),
			))
		failures := act(spanCtx, data)
		span.SetAttributes(attribute.Int("failures", failures))
		span.End()
		if failures > 0 {
			slog.Warn("failures encountered for action",
				"failures", failures, "action", data.Action)
		}
	}
}

func (m *Meister) cleanup() {
	slog.Debug("cleanup", "hostname", m.params.Hostname)
	if m.sub != nil {
		m.sub.Close()
		m.sub = nil
	}
}

// getData reads messages off the wire until one validates: the key set and
// action verb must parse, and the group must match ours (a null group is
// allowed, it addresses every group). Invalid messages are answered with an
// error client-status and skipped.
func (m *Meister) getData(ctx context.Context) (*protocol.Action, error) {
	for {
		payload, err := m.sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		data, err := protocol.ParseAction(payload)
		if err != nil {
			msg := fmt.Sprintf("%v", err)
			slog.Warn(msg)
			m.sendClientStatus(ctx, msg)
			continue
		}
		if data.Group != nil && data.GroupName() != m.params.Group {
			msg := fmt.Sprintf("unrecognized group in data of payload in message, %q", payload)
			slog.Warn(msg)
			m.sendClientStatus(ctx, msg)
			continue
		}
		return data, nil
	}
}

// waitForCommand returns the next action method legal in the current state,
// advancing the state machine. Actions that are not legal in the current
// state are rejected with an error client-status and do not transition.
func (m *Meister) waitForCommand(ctx context.Context) (func(context.Context, *protocol.Action) int, *protocol.Action, error) {
	slog.Debug("wait for command", "hostname", m.params.Hostname, "state", m.state)
	for {
		data, err := m.getData(ctx)
		if err != nil {
			return nil, nil, err
		}
		switch data.Action {
		case protocol.ActionTerminate:
			slog.Debug("msg", "hostname", m.params.Hostname, "data", data)
			return nil, nil, errTerminate
		case protocol.ActionSend:
			return m.sendTools, data, nil
		case protocol.ActionSysinfo:
			return m.sysinfo, data, nil
		}
		tr := m.trans[data.Action]
		if tr.curr != m.state {
			msg := fmt.Sprintf("ignoring unexpected data, action %q, in state '%s'", data.Action, m.state)
			slog.Info(msg)
			m.sendClientStatus(ctx, msg)
			continue
		}
		m.state = tr.next
		return tr.act, data, nil
	}
}

// sendClientStatus publishes a client-status message for the last action:
// "success", or a human-readable summary of what failed. Returns 0 on
// success, 1 on failure to publish.
func (m *Meister) sendClientStatus(ctx context.Context, status string) int {
	msg := protocol.ClientStatus{
		Kind:     protocol.KindToolMeister,
		Hostname: m.params.Hostname,
		Status:   status,
	}
	payload, _ := json.Marshal(msg)
	n, err := m.b.Publish(ctx, protocol.ClientChannel, payload)
	if err != nil {
		slog.Error("failed to publish client status message", "error", err)
		return 1
	}
	if n != 1 {
		slog.Error("client status message received by unexpected subscriber count", "subscribers", n)
		return 1
	}
	slog.Debug("posted client status", "status", status)
	return 0
}
