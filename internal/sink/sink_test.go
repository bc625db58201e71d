package sink

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benchkit/meister/internal/bus"
	"github.com/benchkit/meister/internal/bus/busmem"
	"github.com/benchkit/meister/internal/config"
	"github.com/benchkit/meister/pkg/protocol"
)

const (
	testChannel = "tm-default"
	testCtl     = "ctl.example.com"
)

// stageRun populates the bus with the pid table and per-host parameters the
// sink reads on its first state change.
func stageRun(t *testing.T, b *busmem.Bus, runDir string, hosts map[string]map[string]string) {
	t.Helper()
	ctx := context.Background()
	pids := protocol.PidTable{
		DS: protocol.Liveness{Kind: protocol.KindDataSink, Hostname: testCtl, PID: os.Getpid()},
	}
	for host, tools := range hosts {
		pids.TM = append(pids.TM, protocol.Liveness{Kind: protocol.KindToolMeister, Hostname: host, PID: 1234})
		params := protocol.MeisterParams{
			BenchmarkRunDir: runDir,
			Channel:         testChannel,
			Controller:      testCtl,
			Group:           "default",
			Hostname:        host,
			Tools:           tools,
		}
		raw, _ := json.Marshal(params)
		if err := b.Set(ctx, protocol.MeisterParamKey("default", host), raw); err != nil {
			t.Fatalf("staging params: %v", err)
		}
	}
	raw, _ := json.Marshal(pids)
	if err := b.Set(ctx, protocol.KeyPids, raw); err != nil {
		t.Fatalf("staging pid table: %v", err)
	}
}

// sinkHarness owns a running sink plus the driver-side subscriptions.
type sinkHarness struct {
	t    *testing.T
	b    *busmem.Bus
	sub  bus.Subscription // client channel
	done chan error
}

func newSinkHarness(t *testing.T, hosts map[string]map[string]string) (*sinkHarness, *Sink, string) {
	t.Helper()
	runDir := t.TempDir()
	b := busmem.New()
	ctx := context.Background()

	stageRun(t, b, runDir, hosts)

	sub, err := b.Subscribe(ctx, protocol.ClientChannel)
	if err != nil {
		t.Fatalf("driver subscribe: %v", err)
	}
	t.Cleanup(func() { sub.Close() })

	cfg := config.Default()
	cfg.Sink.Host = "127.0.0.1"
	cfg.Sink.Port = 0 // pick an ephemeral port; the HTTP surface is not used here
	params := &protocol.SinkParams{BenchmarkRunDir: runDir, Channel: testChannel, Group: "default"}
	s, err := New(ctx, cfg, b, params, testCtl)
	if err != nil {
		t.Fatalf("constructing sink: %v", err)
	}

	h := &sinkHarness{t: t, b: b, sub: sub, done: make(chan error, 1)}
	go func() { h.done <- s.Run(ctx) }()
	return h, s, runDir
}

func (h *sinkHarness) publish(action, directory string) {
	h.t.Helper()
	group := "default"
	msg := protocol.Action{Action: action, Group: &group}
	if directory != "" {
		msg.Directory = &directory
	}
	payload, err := msg.Encode()
	if err != nil {
		h.t.Fatalf("encode: %v", err)
	}
	if _, err := h.b.Publish(context.Background(), testChannel, payload); err != nil {
		h.t.Fatalf("publish: %v", err)
	}
}

func (h *sinkHarness) expectStatus() *protocol.ClientStatus {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := h.sub.Next(ctx)
	if err != nil {
		h.t.Fatalf("reading status: %v", err)
	}
	status, err := protocol.ParseClientStatus(payload)
	if err != nil {
		h.t.Fatalf("parsing status: %v", err)
	}
	if status.Kind != protocol.KindDataSink {
		h.t.Fatalf("unexpected status kind %q", status.Kind)
	}
	return status
}

func (h *sinkHarness) expectDone() {
	h.t.Helper()
	select {
	case err := <-h.done:
		if err != nil {
			h.t.Fatalf("sink run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		h.t.Fatalf("sink never terminated")
	}
}

func TestSinkLocalOnlyLifecycle(t *testing.T) {
	// One local tool meister: no uploads are ever expected, so the send
	// state completes without blocking.
	h, _, runDir := newSinkHarness(t, map[string]map[string]string{
		testCtl: {"sar": ""},
	})

	iterDir := filepath.Join(runDir, "iter1")
	if err := os.MkdirAll(iterDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	for _, step := range []struct{ action, dir string }{
		{protocol.ActionInit, runDir},
		{protocol.ActionStart, iterDir},
		{protocol.ActionStop, iterDir},
		{protocol.ActionSend, iterDir},
		{protocol.ActionEnd, runDir},
	} {
		h.publish(step.action, step.dir)
		if status := h.expectStatus(); status.Status != protocol.StatusSuccess {
			t.Fatalf("%s: unexpected status %q", step.action, status.Status)
		}
	}
	h.publish(protocol.ActionTerminate, "")
	h.expectDone()
}

func TestSinkSendBlocksOnRemoteUpload(t *testing.T) {
	h, s, runDir := newSinkHarness(t, map[string]map[string]string{
		testCtl:  {"sar": ""},
		"remote": {"sar": ""},
	})

	iterDir := filepath.Join(runDir, "iter1")
	if err := os.MkdirAll(iterDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	h.publish(protocol.ActionInit, runDir)
	h.expectStatus()

	h.publish(protocol.ActionSend, iterDir)

	// No status may arrive while the remote upload is outstanding.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	if _, err := h.sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		cancel()
		t.Fatalf("sink reported before the remote upload arrived: %v", err)
	}
	cancel()

	// Simulate the upload completing.
	s.tracker.completeUpload("remote")
	if status := h.expectStatus(); status.Status != protocol.StatusSuccess {
		t.Fatalf("unexpected status after upload: %q", status.Status)
	}

	h.publish(protocol.ActionTerminate, "")
	h.expectDone()
}

func TestSinkTerminatesOnInvalidDirectory(t *testing.T) {
	h, _, _ := newSinkHarness(t, map[string]map[string]string{
		testCtl: {"sar": ""},
	})
	// A directory outside the run dir is a protocol violation the sink
	// refuses to continue past.
	h.publish(protocol.ActionInit, t.TempDir())
	select {
	case err := <-h.done:
		if err == nil {
			t.Fatalf("expected sink to stop with an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("sink kept running after an invalid directory")
	}
}

func TestSinkBusLoss(t *testing.T) {
	h, _, _ := newSinkHarness(t, map[string]map[string]string{
		testCtl: {"sar": ""},
	})
	h.b.Disconnect()
	select {
	case err := <-h.done:
		if !errors.Is(err, bus.ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("sink never noticed the bus loss")
	}
}
