package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benchkit/meister/internal/bus/busmem"
	"github.com/benchkit/meister/pkg/protocol"
)

func TestChannelName(t *testing.T) {
	if Channel("default") != "tm-default" {
		t.Fatalf("unexpected channel name: %s", Channel("default"))
	}
}

func TestReadPidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.pid")
	if err := os.WriteFile(path, []byte("1234\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := readPidFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if pid != 1234 {
		t.Fatalf("unexpected pid: %d", pid)
	}

	if err := os.WriteFile(path, []byte("not-a-pid"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := readPidFile(path); err == nil {
		t.Fatalf("expected error for malformed pid file")
	}
	if _, err := readPidFile(filepath.Join(t.TempDir(), "absent.pid")); err == nil {
		t.Fatalf("expected error for missing pid file")
	}
}

func TestAwaitLiveness(t *testing.T) {
	b := busmem.New()
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "tm-default-start")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	go func() {
		publish := func(v any) {
			payload, _ := json.Marshal(v)
			b.Publish(ctx, "tm-default-start", payload)
		}
		// Noise the waiter must skip: malformed payload and wrong kind.
		b.Publish(ctx, "tm-default-start", []byte("not json"))
		publish(protocol.Liveness{Kind: protocol.KindDataSink, Hostname: "ctl", PID: 1})
		publish(protocol.Liveness{Kind: protocol.KindToolMeister, Hostname: "w1", PID: 2})
		publish(protocol.Liveness{Kind: protocol.KindToolMeister, Hostname: "w2", PID: 3})
	}()

	tms, err := awaitLiveness(ctx, sub, protocol.KindToolMeister, 2)
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if len(tms) != 2 || tms[0].Hostname != "w1" || tms[1].Hostname != "w2" {
		t.Fatalf("unexpected liveness records: %+v", tms)
	}
}

func TestWaitForPidGoneProcess(t *testing.T) {
	// PID 1 never dies; use a pid that no process holds instead.
	start := time.Now()
	// A pid far above any live process on a test box.
	if err := waitForPid(context.Background(), 1<<22-1); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("wait for dead pid took too long")
	}
}

func TestRedisConfWrite(t *testing.T) {
	if _, err := exec.LookPath("redis-server"); err == nil {
		// Spawning a real daemon from a unit test is off the table; the
		// configuration rendering is only checked where the binary is absent.
		t.Skip("redis-server available on this host")
	}
	tmDir := t.TempDir()
	if err := spawnRedis(context.Background(), tmDir, 17001, "ctl.example.com"); err == nil {
		t.Fatalf("expected spawn to fail without redis-server")
	}
	raw, err := os.ReadFile(filepath.Join(tmDir, "redis.conf"))
	if err != nil {
		t.Fatalf("redis.conf not written: %v", err)
	}
	content := string(raw)
	for _, want := range []string{"bind localhost ctl.example.com", "port 17001", "daemonize yes"} {
		if !strings.Contains(content, want) {
			t.Errorf("redis.conf missing %q:\n%s", want, content)
		}
	}
}
