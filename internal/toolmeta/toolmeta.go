// Package toolmeta holds the registry classifying every known tool as
// transient, persistent, or noop, together with per-tool collector
// properties. The orchestrator stages one copy on the bus per run so every
// tool meister and the sink share the same view.
package toolmeta

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benchkit/meister/internal/bus"
	"github.com/benchkit/meister/pkg/protocol"
)

// Collector kinds a persistent tool may declare.
const (
	CollectorPrometheus = "prometheus"
	CollectorPCP        = "pcp"
)

// Properties describes how a persistent tool's data is collected.
type Properties struct {
	Collector string `json:"collector,omitempty"`
	Port      string `json:"port,omitempty"`
}

// Metadata is the tool classification table for a run.
type Metadata struct {
	Transient  map[string]Properties `json:"transient"`
	Persistent map[string]Properties `json:"persistent"`
}

// noop tools are registered for bookkeeping only; no process is ever run
// for them and no data is collected.
var noopTools = map[string]bool{
	"noop-collector": true,
}

// Default returns the built-in registry.
func Default() *Metadata {
	return &Metadata{
		Transient: map[string]Properties{
			"sar":             {},
			"iostat":          {},
			"mpstat":          {},
			"pidstat":         {},
			"vmstat":          {},
			"turbostat":       {},
			"numastat":        {},
			"proc-vmstat":     {},
			"proc-interrupts": {},
			"perf":            {},
			"pprof":           {},
			"oc":              {},
			"jmap":            {},
			"jstack":          {},
			"pcp-transient":   {Collector: CollectorPCP, Port: "44321"},
		},
		Persistent: map[string]Properties{
			"node-exporter": {Collector: CollectorPrometheus, Port: "9100"},
			"dcgm":          {Collector: CollectorPrometheus, Port: "9400"},
			"pcp":           {Collector: CollectorPCP, Port: "44321"},
		},
	}
}

// Encode renders the registry for staging on the bus.
func (m *Metadata) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Load fetches the registry staged by the orchestrator, falling back to the
// built-in table when the key is absent.
func Load(ctx context.Context, b bus.Bus) (*Metadata, error) {
	raw, err := b.Get(ctx, protocol.KeyToolMetadata)
	if err == bus.ErrNoKey {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching tool metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding tool metadata: %w", err)
	}
	return &m, nil
}

// IsPersistent reports whether name is a persistent tool.
func (m *Metadata) IsPersistent(name string) bool {
	_, ok := m.Persistent[name]
	return ok
}

// IsTransient reports whether name is a transient tool.
func (m *Metadata) IsTransient(name string) bool {
	_, ok := m.Transient[name]
	return ok
}

// IsNoop reports whether name is a bookkeeping-only tool.
func (m *Metadata) IsNoop(name string) bool {
	return noopTools[name]
}

// Properties returns the collector properties for a tool of either class.
func (m *Metadata) Properties(name string) (Properties, bool) {
	if p, ok := m.Persistent[name]; ok {
		return p, true
	}
	p, ok := m.Transient[name]
	return p, ok
}

// Classify splits a registered tool set into transient, persistent, and noop
// name lists; unknown tools are reported in the final return value.
func (m *Metadata) Classify(tools map[string]string) (transient, persistent, noop, unknown []string) {
	for name := range tools {
		switch {
		case m.IsPersistent(name):
			persistent = append(persistent, name)
		case m.IsNoop(name):
			noop = append(noop, name)
		case m.IsTransient(name):
			transient = append(transient, name)
		default:
			unknown = append(unknown, name)
		}
	}
	return transient, persistent, noop, unknown
}
