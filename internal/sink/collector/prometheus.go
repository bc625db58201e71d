package collector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"
)

func portBindings(port string) nat.PortMap {
	return nat.PortMap{
		nat.Port(port + "/tcp"): []nat.PortBinding{{HostPort: port}},
	}
}

const promImage = "prom/prometheus"

// promConfig is the subset of prometheus.yml we generate: one static scrape
// target per {host, tool, port}.
type promConfig struct {
	Global        promGlobal      `yaml:"global"`
	ScrapeConfigs []promScrapeJob `yaml:"scrape_configs"`
}

type promGlobal struct {
	ScrapeInterval string `yaml:"scrape_interval"`
}

type promScrapeJob struct {
	JobName       string             `yaml:"job_name"`
	StaticConfigs []promStaticConfig `yaml:"static_configs"`
}

type promStaticConfig struct {
	Targets []string `yaml:"targets"`
}

// Target is one scrape endpoint.
type Target struct {
	Host string
	Tool string
	Port string
}

// Prometheus runs the prom/prometheus container for the run, scraping every
// registered prometheus-compatible tool, and archives its data volume on
// terminate.
type Prometheus struct {
	toolGroupDir string
	tmDir        string
	targets      []Target

	cli         *client.Client
	containerID string
	mu          sync.Mutex
	terminated  bool
}

// NewPrometheus builds the collector. toolGroupDir is the group directory
// under the benchmark run dir; tmDir is the run's tm/ directory where the
// generated scrape config is written.
func NewPrometheus(toolGroupDir, tmDir string, targets []Target) (*Prometheus, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("prometheus collector: creating docker client: %w", err)
	}
	return &Prometheus{
		toolGroupDir: toolGroupDir,
		tmDir:        tmDir,
		targets:      targets,
		cli:          cli,
	}, nil
}

func (p *Prometheus) Name() string { return "prometheus" }

func (p *Prometheus) volumeDir() string {
	return filepath.Join(p.toolGroupDir, "prometheus")
}

func (p *Prometheus) configPath() string {
	return filepath.Join(p.tmDir, "prometheus.yml")
}

// writeConfig renders the scrape config, one job per host_tool target.
func (p *Prometheus) writeConfig() error {
	cfg := promConfig{
		Global: promGlobal{ScrapeInterval: "5s"},
	}
	targets := append([]Target(nil), p.targets...)
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Host != targets[j].Host {
			return targets[i].Host < targets[j].Host
		}
		return targets[i].Tool < targets[j].Tool
	})
	for _, t := range targets {
		cfg.ScrapeConfigs = append(cfg.ScrapeConfigs, promScrapeJob{
			JobName: t.Host + "_" + t.Tool,
			StaticConfigs: []promStaticConfig{
				{Targets: []string{t.Host + ":" + t.Port}},
			},
		})
	}
	raw, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("rendering prometheus config: %w", err)
	}
	if err := os.WriteFile(p.configPath(), raw, 0o644); err != nil {
		return fmt.Errorf("writing prometheus config: %w", err)
	}
	return nil
}

func (p *Prometheus) Launch(ctx context.Context) error {
	if len(p.targets) == 0 {
		return fmt.Errorf("prometheus launch aborted, no persistent tools registered")
	}
	if err := p.writeConfig(); err != nil {
		return err
	}
	if err := os.MkdirAll(p.volumeDir(), 0o777); err != nil {
		return fmt.Errorf("prometheus volume creation failed: %w", err)
	}
	if err := os.Chmod(p.volumeDir(), 0o777); err != nil {
		return fmt.Errorf("prometheus volume chmod failed: %w", err)
	}

	pull, err := p.cli.ImagePull(ctx, promImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("prometheus image pull failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, pull)
	pull.Close()

	created, err := p.cli.ContainerCreate(ctx,
		&container.Config{Image: promImage},
		&container.HostConfig{
			PortBindings: portBindings("9090"),
			Mounts: []mount.Mount{
				{Type: mount.TypeBind, Source: p.volumeDir(), Target: "/prometheus"},
				{Type: mount.TypeBind, Source: p.configPath(), Target: "/etc/prometheus/prometheus.yml"},
			},
		},
		nil, nil, "")
	if err != nil {
		return fmt.Errorf("prometheus container create failed: %w", err)
	}
	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("prometheus container start failed: %w", err)
	}
	p.containerID = created.ID
	slog.Info("prometheus collector launched", "container", created.ID[:12], "targets", len(p.targets))
	return nil
}

func (p *Prometheus) Alive() bool {
	if p.containerID == "" {
		return false
	}
	inspect, err := p.cli.ContainerInspect(context.Background(), p.containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// Terminate stops and removes the container, then archives the data volume
// to prometheus_data.tar.gz inside the group directory.
func (p *Prometheus) Terminate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return nil
	}
	p.terminated = true
	if p.containerID == "" {
		return nil
	}
	if err := p.cli.ContainerStop(ctx, p.containerID, container.StopOptions{}); err != nil {
		slog.Error("failed to stop prometheus container", "error", err)
	}
	if err := p.cli.ContainerRemove(ctx, p.containerID, container.RemoveOptions{}); err != nil {
		slog.Error("failed to remove prometheus container", "error", err)
	}
	p.containerID = ""

	cmd := exec.CommandContext(ctx, "tar",
		"--remove-files",
		"--exclude", "prometheus/prometheus_data.tar.gz",
		"-zcf", filepath.Join(p.volumeDir(), "prometheus_data.tar.gz"),
		"-C", p.toolGroupDir,
		"prometheus")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("archiving prometheus data volume: %w (%s)", err, out)
	}
	return nil
}
