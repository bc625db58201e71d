// Package config holds the agent configuration shared by the orchestrator,
// the tool meister, and the tool data sink.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Config is the agent configuration, read from a JSON5 file.
type Config struct {
	// RunRoot is the directory holding tool group registrations and, by
	// default, benchmark run directories.
	RunRoot string `json:"run_root"`

	// TempDir is the temp root remote tool meisters stage collected data
	// under before shipping it.
	TempDir string `json:"temp_dir"`

	// InstallDir is the prefix holding the tool-scripts directory.
	InstallDir string `json:"install_dir"`

	Redis   RedisConfig   `json:"redis"`
	Sink    SinkConfig    `json:"sink"`
	Sysinfo string        `json:"sysinfo"`
	Tracing TracingConfig `json:"tracing"`
	Journal JournalConfig `json:"journal"`
}

// RedisConfig locates the control bus broker.
type RedisConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// SinkConfig configures the tool data sink's HTTP endpoint.
type SinkConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Protocol string `json:"protocol"` // "grpc" or "http"
	Endpoint string `json:"endpoint"`
	Insecure bool   `json:"insecure"`
}

// JournalConfig locates the local run journal database.
type JournalConfig struct {
	Path string `json:"path"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		RunRoot:    "/var/lib/meister",
		TempDir:    "/var/tmp",
		InstallDir: "/opt/meister",
		Redis: RedisConfig{
			Host: "localhost",
			Port: 17001,
		},
		Sink: SinkConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Sysinfo: "default",
		Tracing: TracingConfig{
			Protocol: "grpc",
			Endpoint: "localhost:4317",
			Insecure: true,
		},
		Journal: JournalConfig{
			Path: "/var/lib/meister/journal.db",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("MEISTER_RUN_ROOT", &c.RunRoot)
	envStr("MEISTER_TEMP_DIR", &c.TempDir)
	envStr("MEISTER_INSTALL_DIR", &c.InstallDir)
	envStr("MEISTER_REDIS_HOST", &c.Redis.Host)
	if v := os.Getenv("MEISTER_REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("MEISTER_SINK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Sink.Port = port
		}
	}
	envStr("MEISTER_OTLP_ENDPOINT", &c.Tracing.Endpoint)
}

// ToolScript returns the path of a tool's lifecycle script under the
// install dir.
func (c *Config) ToolScript(name string) string {
	return filepath.Join(c.InstallDir, "tool-scripts", name)
}
