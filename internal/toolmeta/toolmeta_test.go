package toolmeta

import (
	"context"
	"sort"
	"testing"

	"github.com/benchkit/meister/internal/bus/busmem"
	"github.com/benchkit/meister/pkg/protocol"
)

func TestClassify(t *testing.T) {
	m := Default()
	tools := map[string]string{
		"sar":            "--interval=3",
		"node-exporter":  "--inst=/opt/node_exporter",
		"noop-collector": "",
		"made-up":        "",
	}
	transient, persistent, noop, unknown := m.Classify(tools)
	sort.Strings(transient)
	if len(transient) != 1 || transient[0] != "sar" {
		t.Fatalf("unexpected transient set: %v", transient)
	}
	if len(persistent) != 1 || persistent[0] != "node-exporter" {
		t.Fatalf("unexpected persistent set: %v", persistent)
	}
	if len(noop) != 1 || noop[0] != "noop-collector" {
		t.Fatalf("unexpected noop set: %v", noop)
	}
	if len(unknown) != 1 || unknown[0] != "made-up" {
		t.Fatalf("unexpected unknown set: %v", unknown)
	}
}

func TestProperties(t *testing.T) {
	m := Default()
	props, ok := m.Properties("node-exporter")
	if !ok || props.Collector != CollectorPrometheus || props.Port != "9100" {
		t.Fatalf("unexpected node-exporter properties: %+v", props)
	}
	if _, ok := m.Properties("made-up"); ok {
		t.Fatalf("expected no properties for unknown tool")
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	b := busmem.New()
	m, err := Load(context.Background(), b)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !m.IsPersistent("node-exporter") {
		t.Fatalf("default registry missing node-exporter")
	}
}

func TestLoadFromBus(t *testing.T) {
	b := busmem.New()
	ctx := context.Background()
	staged := &Metadata{
		Transient:  map[string]Properties{"only-tool": {}},
		Persistent: map[string]Properties{},
	}
	raw, err := staged.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := b.Set(ctx, protocol.KeyToolMetadata, raw); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	m, err := Load(ctx, b)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !m.IsTransient("only-tool") || m.IsTransient("sar") {
		t.Fatalf("staged registry not honored")
	}
}
