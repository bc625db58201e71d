package journal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunRoundTrip(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer j.Close()

	if err := j.RecordRunStart("uuid-1", "default", "/run/1"); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := j.RecordAction("uuid-1", "init", "/run/1", "success"); err != nil {
		t.Fatalf("record action: %v", err)
	}
	if err := j.RecordAction("uuid-1", "start", "/run/1/iter1", "failure"); err != nil {
		t.Fatalf("record action: %v", err)
	}
	if err := j.RecordRunEnd("uuid-1"); err != nil {
		t.Fatalf("record end: %v", err)
	}

	runs, err := j.Runs(10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].UUID != "uuid-1" || runs[0].Group != "default" {
		t.Fatalf("unexpected run: %+v", runs[0])
	}
	if runs[0].EndedAt == nil {
		t.Fatalf("run end not recorded")
	}

	actions, err := j.Actions("uuid-1")
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(actions))
	}
	if actions[0].Action != "init" || actions[1].Status != "failure" {
		t.Fatalf("unexpected actions: %+v", actions)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	j.Close()
	// Migrations have already run; a second open must not fail.
	j, err = Open(path)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	j.Close()
}

func TestFindRunUUID(t *testing.T) {
	runDir := t.TempDir()
	tmDir := filepath.Join(runDir, "tm")
	if err := os.MkdirAll(tmDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmDir, ".uuid"), []byte("uuid-42\n"), 0o644); err != nil {
		t.Fatalf("write uuid: %v", err)
	}
	nested := filepath.Join(runDir, "iter1", "tools-default")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if got := FindRunUUID(nested); got != "uuid-42" {
		t.Fatalf("unexpected uuid: %q", got)
	}
	if got := FindRunUUID(t.TempDir()); got != "" {
		t.Fatalf("expected empty uuid outside a run, got %q", got)
	}
}
