package sysinfo

import (
	"reflect"
	"testing"
)

func TestVerifyNamedSets(t *testing.T) {
	items, bad := Verify("default")
	if len(bad) != 0 {
		t.Fatalf("unexpected bad items: %v", bad)
	}
	if !reflect.DeepEqual(items, DefaultSet) {
		t.Fatalf("default set mismatch: %v", items)
	}

	items, bad = Verify("all")
	if len(bad) != 0 || !reflect.DeepEqual(items, Available) {
		t.Fatalf("all set mismatch: %v %v", items, bad)
	}

	for _, spec := range []string{"", "none"} {
		items, bad = Verify(spec)
		if len(items) != 0 || len(bad) != 0 {
			t.Fatalf("%q: expected empty result, got %v %v", spec, items, bad)
		}
	}
}

func TestVerifyCommaList(t *testing.T) {
	items, bad := Verify("block,topology")
	if len(bad) != 0 {
		t.Fatalf("unexpected bad items: %v", bad)
	}
	if !reflect.DeepEqual(items, []string{"block", "topology"}) {
		t.Fatalf("unexpected items: %v", items)
	}
}

func TestVerifyRejectsUnknownItems(t *testing.T) {
	items, bad := Verify("block,frobnicate,topology")
	if !reflect.DeepEqual(bad, []string{"frobnicate"}) {
		t.Fatalf("unexpected bad items: %v", bad)
	}
	if !reflect.DeepEqual(items, []string{"block", "topology"}) {
		t.Fatalf("valid items lost: %v", items)
	}
}
