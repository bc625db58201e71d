package collector

import (
	"context"
	"os"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestWriteConfigRendersSortedTargets(t *testing.T) {
	p := &Prometheus{
		toolGroupDir: t.TempDir(),
		tmDir:        t.TempDir(),
		// Deliberately out of order; the rendered jobs must sort by host,
		// then tool.
		targets: []Target{
			{Host: "host2", Tool: "node-exporter", Port: "9100"},
			{Host: "host1", Tool: "node-exporter", Port: "9100"},
			{Host: "host1", Tool: "dcgm", Port: "9400"},
		},
	}
	if err := p.writeConfig(); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	raw, err := os.ReadFile(p.configPath())
	if err != nil {
		t.Fatalf("rendered config missing: %v", err)
	}
	var cfg promConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("rendered config is not valid YAML: %v", err)
	}

	if cfg.Global.ScrapeInterval != "5s" {
		t.Fatalf("unexpected scrape interval: %q", cfg.Global.ScrapeInterval)
	}
	wantJobs := []string{"host1_dcgm", "host1_node-exporter", "host2_node-exporter"}
	if len(cfg.ScrapeConfigs) != len(wantJobs) {
		t.Fatalf("expected %d scrape jobs, got %d", len(wantJobs), len(cfg.ScrapeConfigs))
	}
	for i, want := range wantJobs {
		if cfg.ScrapeConfigs[i].JobName != want {
			t.Errorf("job %d: got %q, want %q", i, cfg.ScrapeConfigs[i].JobName, want)
		}
	}

	wantTargets := []string{"host1:9400", "host1:9100", "host2:9100"}
	for i, job := range cfg.ScrapeConfigs {
		if len(job.StaticConfigs) != 1 || len(job.StaticConfigs[0].Targets) != 1 {
			t.Fatalf("job %q: expected exactly one static target", job.JobName)
		}
		if got := job.StaticConfigs[0].Targets[0]; got != wantTargets[i] {
			t.Errorf("job %q: target %q, want %q", job.JobName, got, wantTargets[i])
		}
	}
}

func TestWriteConfigDoesNotMutateTargets(t *testing.T) {
	p := &Prometheus{
		toolGroupDir: t.TempDir(),
		tmDir:        t.TempDir(),
		targets: []Target{
			{Host: "host2", Tool: "node-exporter", Port: "9100"},
			{Host: "host1", Tool: "node-exporter", Port: "9100"},
		},
	}
	if err := p.writeConfig(); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}
	// The sort happens on a copy; the collector's own slice keeps its
	// registration order.
	if p.targets[0].Host != "host2" {
		t.Fatalf("writeConfig reordered the collector's target slice")
	}
}

func TestLaunchRejectsEmptyTargetSet(t *testing.T) {
	p := &Prometheus{toolGroupDir: t.TempDir(), tmDir: t.TempDir()}
	if err := p.Launch(context.Background()); err == nil {
		t.Fatalf("expected launch to abort with no targets")
	}
	// Nothing is rendered for an aborted launch.
	if _, err := os.Stat(p.configPath()); !os.IsNotExist(err) {
		t.Fatalf("config written despite the aborted launch")
	}
}
