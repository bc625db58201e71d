package collector

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeCollector is a Collector whose liveness the test controls.
type fakeCollector struct {
	name  string
	alive atomic.Bool
}

func (f *fakeCollector) Name() string                        { return f.name }
func (f *fakeCollector) Launch(ctx context.Context) error    { return nil }
func (f *fakeCollector) Terminate(ctx context.Context) error { return nil }
func (f *fakeCollector) Alive() bool                         { return f.alive.Load() }

// recordingHandler captures warning messages so the watchdog's output can be
// asserted on.
type recordingHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn
}

func (h *recordingHandler) Handle(ctx context.Context, rec slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	line := rec.Message
	rec.Attrs(func(a slog.Attr) bool {
		line += " " + a.Key + "=" + a.Value.String()
		return true
	})
	h.msgs = append(h.msgs, line)
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(name string) slog.Handler       { return h }

func (h *recordingHandler) find(substr string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, msg := range h.msgs {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// installRecorder swaps the default logger for the test's lifetime.
func installRecorder(t *testing.T) *recordingHandler {
	t.Helper()
	h := &recordingHandler{}
	prev := slog.Default()
	slog.SetDefault(slog.New(h))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return h
}

func TestWatchdogWarnsOnDeadCollector(t *testing.T) {
	h := installRecorder(t)
	dead := &fakeCollector{name: "prometheus"}
	// Second-precision schedule so the check fires within the test budget.
	w := NewWatchdog("* * * * * *", []Collector{dead})
	w.Start(context.Background())
	defer w.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.find("persistent collector no longer alive collector=prometheus") {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("watchdog never reported the dead collector")
}

func TestWatchdogQuietWhileAlive(t *testing.T) {
	h := installRecorder(t)
	live := &fakeCollector{name: "pcp"}
	live.alive.Store(true)
	w := NewWatchdog("* * * * * *", []Collector{live})
	w.Start(context.Background())

	// Let a couple of checks run, then flip the collector dead and expect
	// the complaint to appear only afterwards.
	time.Sleep(1500 * time.Millisecond)
	if h.find("persistent collector no longer alive") {
		w.Stop()
		t.Fatalf("watchdog complained about a live collector")
	}
	live.alive.Store(false)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.find("persistent collector no longer alive collector=pcp") {
			w.Stop()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	w.Stop()
	t.Fatalf("watchdog missed the collector dying")
}

func TestWatchdogStop(t *testing.T) {
	w := NewWatchdog("* * * * * *", []Collector{&fakeCollector{name: "x"}})
	w.Start(context.Background())

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("stop never returned")
	}
	// A second stop is a no-op.
	w.Stop()
}

func TestWatchdogInvalidScheduleFallsBack(t *testing.T) {
	w := NewWatchdog("definitely not cron", nil)
	if w.schedule != "* * * * *" {
		t.Fatalf("expected fallback schedule, got %q", w.schedule)
	}
}
