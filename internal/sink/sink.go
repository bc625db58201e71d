// Package sink implements the tool data sink: the single central process of
// a run. It interprets the same action messages as the tool meisters, runs
// the run's persistent collectors, accepts per-host tarballs over HTTP, and
// blocks data-moving actions until every expected upload has arrived.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/benchkit/meister/internal/bus"
	"github.com/benchkit/meister/internal/config"
	"github.com/benchkit/meister/internal/sink/collector"
	"github.com/benchkit/meister/internal/toolmeta"
	"github.com/benchkit/meister/internal/tracing"
	"github.com/benchkit/meister/pkg/protocol"
)

// errTerminate unwinds the watcher loop on a terminate action.
var errTerminate = errors.New("terminate tool data sink")

// Sink is one tool data sink instance.
type Sink struct {
	cfg      *config.Config
	b        bus.Bus
	params   *protocol.SinkParams
	meta     *toolmeta.Metadata
	hostname string
	tracker  *tracker
	events   *eventHub
	tracer   trace.Tracer

	sub        bus.Subscription
	httpServer *http.Server

	collectors []collector.Collector
	watchdog   *collector.Watchdog
}

// FetchParams reads and validates the sink parameter blob staged by the
// orchestrator under key.
func FetchParams(ctx context.Context, b bus.Bus, key string) (*protocol.SinkParams, error) {
	raw, err := b.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("parameter key %q: %w", key, err)
	}
	var params protocol.SinkParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decoding parameter key %q: %w", key, err)
	}
	if params.BenchmarkRunDir == "" || params.Channel == "" || params.Group == "" {
		return nil, fmt.Errorf("invalid sink parameter block %q", raw)
	}
	fi, err := os.Stat(params.BenchmarkRunDir)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("run directory %s must be a real directory", params.BenchmarkRunDir)
	}
	return &params, nil
}

// New subscribes to the run channel and announces liveness on the started
// channel.
func New(ctx context.Context, cfg *config.Config, b bus.Bus, params *protocol.SinkParams, hostname string) (*Sink, error) {
	meta, err := toolmeta.Load(ctx, b)
	if err != nil {
		return nil, err
	}
	sub, err := b.Subscribe(ctx, params.Channel)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %q: %w", params.Channel, err)
	}

	s := &Sink{
		cfg:      cfg,
		b:        b,
		params:   params,
		meta:     meta,
		hostname: hostname,
		tracker:  newTracker(),
		events:   newEventHub(),
		tracer:   tracing.Tracer("sink"),
		sub:      sub,
	}
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Sink.Host, cfg.Sink.Port),
		Handler: s.routes(),
	}

	lv := protocol.Liveness{Kind: protocol.KindDataSink, Hostname: hostname, PID: os.Getpid()}
	payload, _ := json.Marshal(lv)
	if _, err := b.Publish(ctx, protocol.StartedChannel(params.Channel), payload); err != nil {
		sub.Close()
		return nil, fmt.Errorf("publishing liveness: %w", err)
	}
	return s, nil
}

// Run serves HTTP in the background and processes state changes on the
// calling goroutine until a terminate action or bus loss.
func (s *Sink) Run(ctx context.Context) error {
	httpErr := make(chan error, 1)
	go func() {
		slog.Info("tool data sink listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()
	defer s.cleanup(ctx)

	for {
		select {
		case err := <-httpErr:
			return fmt.Errorf("tool data sink web server failed: %w", err)
		default:
		}
		payload, err := s.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrDisconnected) {
				slog.Warn("closing down after losing connection to the bus")
				return err
			}
			return err
		}
		data, err := protocol.ParseAction(payload)
		if err != nil {
			slog.Warn("unrecognized data payload in message", "error", err)
			continue
		}
		if err := s.stateChange(ctx, data); err != nil {
			if errors.Is(err, errTerminate) {
				slog.Info("terminating tool data sink")
				return nil
			}
			return err
		}
	}
}

func (s *Sink) cleanup(ctx context.Context) {
	// Interrupt-mode terminate arrives without a prior end; make sure no
	// collector outlives the run.
	s.terminateCollectors(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("unexpected error stopping web server", "error", err)
	}
	s.events.close()
	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
}

// stateChange drives one action through the sink: initialize tracking on the
// first message, validate the directory, run any collector or data-movement
// work, and answer with a client-status.
func (s *Sink) stateChange(ctx context.Context, data *protocol.Action) error {
	if !s.tracker.initialized() {
		// Deferred to the first message so the orchestrator has certainly
		// persisted the pid table by now.
		tms, err := s.fetchTMs(ctx)
		if err != nil {
			return err
		}
		s.tracker.init(tms)
	}

	if data.Action == protocol.ActionTerminate {
		return errTerminate
	}

	directory := data.Dir()
	fi, err := os.Stat(directory)
	if err != nil || !fi.IsDir() {
		slog.Error("state change with non-existent directory", "action", data.Action, "directory", directory)
		return fmt.Errorf("state change to %q with non-existent directory %q", data.Action, directory)
	}
	if rel, err := filepath.Rel(s.params.BenchmarkRunDir, directory); err != nil || strings.HasPrefix(rel, "..") {
		slog.Error("state change with directory outside the benchmark run dir",
			"action", data.Action, "directory", directory, "run_dir", s.params.BenchmarkRunDir)
		return fmt.Errorf("state change to %q with directory %q outside the run directory", data.Action, directory)
	}

	// Remote tool meisters hash the directory token the same way when
	// invoking PUT; to them it is an opaque context.
	s.tracker.setState(data.Action, directory, protocol.DirectoryContext(directory))
	s.events.broadcast(event{Type: "state", Action: data.Action})

	spanCtx, span := s.tracer.Start(ctx, "ds."+data.Action,
		trace.WithAttributes(attribute.String("group", s.params.Group)))
	defer span.End()

	status := protocol.StatusSuccess
	switch data.Action {
	case protocol.ActionInit:
		if failures := s.launchCollectors(spanCtx); failures > 0 {
			status = fmt.Sprintf("%d persistent collectors failed to launch", failures)
		}
	case protocol.ActionEnd:
		if failures := s.terminateCollectors(spanCtx); failures > 0 {
			status = fmt.Sprintf("%d persistent collectors failed to terminate", failures)
		}
	case protocol.ActionSend, protocol.ActionSysinfo:
		// The sink cannot report success until every tool meister has sent
		// its collected data.
		s.tracker.markAllWaiting()
		s.tracker.awaitAllDormant()
	case protocol.ActionStart, protocol.ActionStop:
		// No data movement.
	}

	s.sendClientStatus(spanCtx, status)
	return nil
}

// fetchTMs reads the orchestrator's pid table and each tool meister's
// registered tool list, classifying every tool so the tracker knows which
// hosts will ship data.
func (s *Sink) fetchTMs(ctx context.Context) (map[string]*Record, error) {
	raw, err := s.b.Get(ctx, protocol.KeyPids)
	if err != nil {
		return nil, fmt.Errorf("missing %q data on the bus: %w", protocol.KeyPids, err)
	}
	var pids protocol.PidTable
	if err := json.Unmarshal(raw, &pids); err != nil {
		return nil, fmt.Errorf("failed to parse %q payload: %w", protocol.KeyPids, err)
	}
	if pids.DS.Kind != protocol.KindDataSink || pids.DS.Hostname != s.hostname {
		return nil, fmt.Errorf("unexpected data sink entry in pid table: %+v", pids.DS)
	}

	tms := make(map[string]*Record, len(pids.TM))
	for _, tm := range pids.TM {
		if tm.Kind != protocol.KindToolMeister {
			return nil, fmt.Errorf("unexpected tool meister entry in pid table: %+v", tm)
		}
		raw, err := s.b.Get(ctx, protocol.MeisterParamKey(s.params.Group, tm.Hostname))
		if err != nil {
			return nil, fmt.Errorf("missing tool meister parameters for %s: %w", tm.Hostname, err)
		}
		var params protocol.MeisterParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("decoding tool meister parameters for %s: %w", tm.Hostname, err)
		}
		transient, persistent, noop, unknown := s.meta.Classify(params.Tools)
		for _, name := range unknown {
			slog.Error("registered tool is not recognized in tool metadata", "tool", name, "host", tm.Hostname)
		}
		rec := &Record{
			Kind:            tm.Kind,
			Hostname:        tm.Hostname,
			PID:             tm.PID,
			TransientTools:  transient,
			PersistentTools: persistent,
			NoopTools:       noop,
		}
		switch {
		case tm.Hostname == s.hostname:
			// The local tool meister writes its data in place.
			rec.posted = PostedNone
		case len(transient) == 0:
			// Only hosts with at least one transient tool ship data.
			rec.posted = PostedNone
		default:
			rec.posted = PostedDormant
		}
		tms[tm.Hostname] = rec
	}
	return tms, nil
}

// launchCollectors starts the run's persistent collectors: one Prometheus
// scraper over every prometheus-compatible tool, one set of PCP loggers
// over every pcp host.
func (s *Sink) launchCollectors(ctx context.Context) int {
	toolGroupDir := filepath.Join(s.params.BenchmarkRunDir, fmt.Sprintf("tools-%s", s.params.Group))
	tmDir := filepath.Join(s.params.BenchmarkRunDir, "tm")

	var promTargets []collector.Target
	var pcpHosts []string
	for host, rec := range s.tracker.records() {
		for _, name := range rec.PersistentTools {
			props, ok := s.meta.Properties(name)
			if !ok {
				continue
			}
			switch props.Collector {
			case toolmeta.CollectorPrometheus:
				promTargets = append(promTargets, collector.Target{Host: host, Tool: name, Port: props.Port})
			case toolmeta.CollectorPCP:
				pcpHosts = append(pcpHosts, host)
			}
		}
	}

	failures := 0
	if len(promTargets) > 0 {
		prom, err := collector.NewPrometheus(toolGroupDir, tmDir, promTargets)
		if err != nil {
			slog.Error("failed to build prometheus collector", "error", err)
			failures++
		} else if err := prom.Launch(ctx); err != nil {
			slog.Error("failed to launch prometheus collector", "error", err)
			failures++
		} else {
			s.collectors = append(s.collectors, prom)
		}
	}
	if len(pcpHosts) > 0 {
		pcp := collector.NewPCPLoggers(toolGroupDir, pcpHosts)
		if err := pcp.Launch(ctx); err != nil {
			slog.Error("failed to launch pcp collectors", "error", err)
			failures++
		} else {
			s.collectors = append(s.collectors, pcp)
		}
	}
	if len(s.collectors) > 0 {
		s.watchdog = collector.NewWatchdog("* * * * *", s.collectors)
		s.watchdog.Start(ctx)
	}
	return failures
}

// terminateCollectors stops the persistent collectors in reverse launch
// order. Terminate is idempotent per collector, so a terminate following an
// end is a no-op.
func (s *Sink) terminateCollectors(ctx context.Context) int {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	failures := 0
	for i := len(s.collectors) - 1; i >= 0; i-- {
		if err := s.collectors[i].Terminate(ctx); err != nil {
			slog.Error("failed to terminate collector", "collector", s.collectors[i].Name(), "error", err)
			failures++
		}
	}
	return failures
}

// sendClientStatus publishes the sink's client-status for the last action.
func (s *Sink) sendClientStatus(ctx context.Context, status string) int {
	msg := protocol.ClientStatus{
		Kind:     protocol.KindDataSink,
		Hostname: s.hostname,
		Status:   status,
	}
	payload, _ := json.Marshal(msg)
	n, err := s.b.Publish(ctx, protocol.ClientChannel, payload)
	if err != nil {
		slog.Error("failed to publish client status message", "error", err)
		return 1
	}
	if n != 1 {
		slog.Error("client status message received by unexpected subscriber count", "subscribers", n)
		return 1
	}
	s.events.broadcast(event{Type: "status", Status: &msg})
	return 0
}
