package meister

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
	testHost    = "ctl.example.com"
)

// fakeScript installs a tool lifecycle script under the config's install
// dir: --start records the pid file immediately so stop never waits.
func fakeScript(t *testing.T, installDir, name string) {
	t.Helper()
	scripts := filepath.Join(installDir, "tool-scripts")
	if err := os.MkdirAll(scripts, 0o755); err != nil {
		t.Fatalf("mkdir tool-scripts: %v", err)
	}
	script := `#!/bin/sh
op=$1
dir=""
for arg in "$@"; do
  case $arg in
    --dir=*) dir=${arg#--dir=} ;;
  esac
done
case $op in
  --start)
    mkdir -p "$dir/` + name + `"
    echo $$ > "$dir/` + name + `/` + name + `.pid"
    echo "collecting" > "$dir/` + name + `/` + name + `.data"
    ;;
esac
exit 0
`
	if err := os.WriteFile(filepath.Join(scripts, name), []byte(script), 0o755); err != nil {
		t.Fatalf("write fake script: %v", err)
	}
}

// driver is the test's stand-in for the benchmark driver: it owns the
// client-status subscription and publishes action messages.
type driver struct {
	t   *testing.T
	b   *busmem.Bus
	sub bus.Subscription
}

func newDriver(t *testing.T, b *busmem.Bus) *driver {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), protocol.ClientChannel)
	if err != nil {
		t.Fatalf("driver subscribe failed: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	return &driver{t: t, b: b, sub: sub}
}

func (d *driver) publish(action, group, directory string, args any) {
	d.t.Helper()
	var rawArgs json.RawMessage
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			d.t.Fatalf("marshal args: %v", err)
		}
		rawArgs = raw
	}
	msg := protocol.Action{Action: action, Args: rawArgs}
	if group != "" {
		msg.Group = &group
	}
	if directory != "" {
		msg.Directory = &directory
	}
	payload, err := msg.Encode()
	if err != nil {
		d.t.Fatalf("encode action: %v", err)
	}
	if _, err := d.b.Publish(context.Background(), testChannel, payload); err != nil {
		d.t.Fatalf("publish action: %v", err)
	}
}

// publishRaw sends an arbitrary payload on the run channel.
func (d *driver) publishRaw(payload string) {
	d.t.Helper()
	if _, err := d.b.Publish(context.Background(), testChannel, []byte(payload)); err != nil {
		d.t.Fatalf("publish raw: %v", err)
	}
}

func (d *driver) nextStatus() *protocol.ClientStatus {
	d.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := d.sub.Next(ctx)
	if err != nil {
		d.t.Fatalf("reading client status: %v", err)
	}
	status, err := protocol.ParseClientStatus(payload)
	if err != nil {
		d.t.Fatalf("parsing client status: %v", err)
	}
	return status
}

func (d *driver) expectSuccess() {
	d.t.Helper()
	if status := d.nextStatus(); status.Status != protocol.StatusSuccess {
		d.t.Fatalf("expected success status, got %q", status.Status)
	}
}

func (d *driver) expectFailure() string {
	d.t.Helper()
	status := d.nextStatus()
	if status.Status == protocol.StatusSuccess {
		d.t.Fatalf("expected failure status, got success")
	}
	return status.Status
}

// newLocalMeister builds a meister whose host is the controller, with one
// registered transient tool "sar".
func newLocalMeister(t *testing.T, b *busmem.Bus) (*Meister, string, *config.Config) {
	t.Helper()
	runDir := t.TempDir()
	cfg := config.Default()
	cfg.InstallDir = t.TempDir()
	cfg.TempDir = t.TempDir()
	fakeScript(t, cfg.InstallDir, "sar")

	params := &protocol.MeisterParams{
		BenchmarkRunDir: runDir,
		Channel:         testChannel,
		Controller:      testHost,
		Group:           "default",
		Hostname:        testHost,
		Tools:           map[string]string{"sar": "--interval=3"},
	}
	m, err := New(context.Background(), cfg, b, params)
	if err != nil {
		t.Fatalf("constructing meister: %v", err)
	}
	return m, runDir, cfg
}

func TestLocalLifecycle(t *testing.T) {
	b := busmem.New()
	d := newDriver(t, b)
	m, runDir, _ := newLocalMeister(t, b)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	iterDir := filepath.Join(runDir, "iter1")
	if err := os.MkdirAll(iterDir, 0o755); err != nil {
		t.Fatalf("mkdir iteration dir: %v", err)
	}

	d.publish(protocol.ActionInit, "default", runDir, nil)
	d.expectSuccess()
	d.publish(protocol.ActionStart, "default", iterDir, nil)
	d.expectSuccess()
	d.publish(protocol.ActionStop, "default", iterDir, nil)
	d.expectSuccess()
	d.publish(protocol.ActionSend, "default", iterDir, nil)
	d.expectSuccess()
	d.publish(protocol.ActionEnd, "default", runDir, nil)
	d.expectSuccess()
	d.publish(protocol.ActionTerminate, "default", "", nil)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("meister never terminated")
	}

	// Same-host short circuit: the tool output landed directly under the
	// iteration directory, no staging and no upload.
	if _, err := os.Stat(filepath.Join(iterDir, testHost, "sar", "sar.data")); err != nil {
		t.Fatalf("tool output missing: %v", err)
	}
}

func TestRejectsWrongGroup(t *testing.T) {
	b := busmem.New()
	d := newDriver(t, b)
	m, _, _ := newLocalMeister(t, b)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	d.publish(protocol.ActionInit, "other-group", "/tmp", nil)
	if msg := d.expectFailure(); msg == "" {
		t.Fatalf("expected error description")
	}

	d.publish(protocol.ActionTerminate, "default", "", nil)
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestRejectsUnknownPayload(t *testing.T) {
	b := busmem.New()
	d := newDriver(t, b)
	m, _, _ := newLocalMeister(t, b)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	d.publishRaw(`{"action":"explode","args":null,"directory":null,"group":"default"}`)
	d.expectFailure()
	d.publishRaw(`this is not json`)
	d.expectFailure()

	d.publish(protocol.ActionTerminate, "default", "", nil)
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestRejectsActionInWrongState(t *testing.T) {
	b := busmem.New()
	d := newDriver(t, b)
	m, runDir, _ := newLocalMeister(t, b)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	// start before init is not a legal transition and must not transition.
	d.publish(protocol.ActionStart, "default", runDir, nil)
	d.expectFailure()

	// init still works afterwards.
	d.publish(protocol.ActionInit, "default", runDir, nil)
	d.expectSuccess()

	d.publish(protocol.ActionTerminate, "default", "", nil)
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestSendWithoutStopReportsInternalError(t *testing.T) {
	b := busmem.New()
	d := newDriver(t, b)
	m, runDir, _ := newLocalMeister(t, b)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	d.publish(protocol.ActionInit, "default", runDir, nil)
	d.expectSuccess()
	d.publish(protocol.ActionSend, "default", filepath.Join(runDir, "never-started"), nil)
	d.expectFailure()

	d.publish(protocol.ActionTerminate, "default", "", nil)
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestBusLossShutsDown(t *testing.T) {
	b := busmem.New()
	newDriver(t, b)
	m, _, _ := newLocalMeister(t, b)

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	b.Disconnect()

	select {
	case err := <-done:
		if !errors.Is(err, bus.ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("meister never noticed the bus loss")
	}
}

func TestFetchParamsValidation(t *testing.T) {
	b := busmem.New()
	ctx := context.Background()

	if _, err := FetchParams(ctx, b, "absent"); err == nil {
		t.Fatalf("expected error for missing key")
	}

	partial, _ := json.Marshal(map[string]any{
		"benchmark_run_dir": "/run",
		"channel":           testChannel,
	})
	if err := b.Set(ctx, "tm-default-h", partial); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := FetchParams(ctx, b, "tm-default-h"); err == nil {
		t.Fatalf("expected error for partial parameter block")
	}

	full, _ := json.Marshal(protocol.MeisterParams{
		BenchmarkRunDir: "/run",
		Channel:         testChannel,
		Controller:      "ctl",
		Group:           "default",
		Hostname:        "h",
		Tools:           map[string]string{},
	})
	if err := b.Set(ctx, "tm-default-h", full); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	params, err := FetchParams(ctx, b, "tm-default-h")
	if err != nil {
		t.Fatalf("expected valid parameter block, got: %v", err)
	}
	if params.Hostname != "h" {
		t.Fatalf("unexpected hostname: %q", params.Hostname)
	}
}
