package waitfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWaitForExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "present")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WaitForFile(context.Background(), path, time.Second); err != nil {
		t.Fatalf("wait failed for existing file: %v", err)
	}
}

func TestWaitForAppearingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later")
	go func() {
		time.Sleep(100 * time.Millisecond)
		os.WriteFile(path, []byte("x"), 0o644)
	}()
	if err := WaitForFile(context.Background(), path, 5*time.Second); err != nil {
		t.Fatalf("wait failed for appearing file: %v", err)
	}
}

func TestWaitTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never")
	start := time.Now()
	if err := WaitForFile(context.Background(), path, 200*time.Millisecond); err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}
