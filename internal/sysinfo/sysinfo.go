// Package sysinfo collects system configuration snapshots on the local
// host. Each named item maps to a small command set whose output lands
// under a per-item directory.
package sysinfo

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Available lists every supported sysinfo item.
var Available = []string{
	"block",
	"libvirt",
	"kernel_config",
	"security_mitigations",
	"sos",
	"topology",
	"ara",
	"stockpile",
	"insights",
}

// DefaultSet is the item list used for the "default" spec.
var DefaultSet = []string{
	"block",
	"libvirt",
	"kernel_config",
	"security_mitigations",
	"sos",
	"topology",
}

// Verify expands a comma-separated sysinfo spec ("default", "all", "none",
// or item names) into the item list, returning any unrecognized names.
func Verify(spec string) (items []string, bad []string) {
	switch spec {
	case "", "none":
		return nil, nil
	case "all":
		return append([]string(nil), Available...), nil
	case "default":
		return append([]string(nil), DefaultSet...), nil
	}
	known := make(map[string]bool, len(Available))
	for _, item := range Available {
		known[item] = true
	}
	for _, item := range strings.Split(spec, ",") {
		if known[item] {
			items = append(items, item)
		} else {
			bad = append(bad, item)
		}
	}
	return items, bad
}

// itemCommands maps each collectible item to the commands capturing it.
var itemCommands = map[string][][]string{
	"block":                {{"lsblk", "-O", "-J"}},
	"kernel_config":        {{"sh", "-c", "cat /boot/config-$(uname -r)"}},
	"security_mitigations": {{"sh", "-c", "grep -H . /sys/devices/system/cpu/vulnerabilities/* 2>/dev/null"}},
	"topology":             {{"lscpu", "-J"}, {"numactl", "--hardware"}},
	"libvirt":              {{"sh", "-c", "virsh list --all 2>/dev/null"}},
	"sos":                  {{"sh", "-c", "sos report --batch --quiet --tmp-dir . 2>&1 || sosreport --batch --quiet --tmp-dir . 2>&1"}},
	"ara":                  {{"sh", "-c", "ara-manage dump 2>&1"}},
	"stockpile":            {{"sh", "-c", "stockpile 2>&1"}},
	"insights":             {{"sh", "-c", "insights-client --offline 2>&1"}},
}

// Collect gathers the named items under dir, one subdirectory per item, and
// returns the number of items that failed. The label, when non-empty, is
// recorded alongside the collected data.
func Collect(ctx context.Context, dir string, items []string, label string) int {
	failures := 0
	if label != "" {
		if err := os.WriteFile(filepath.Join(dir, "label"), []byte(label+"\n"), 0o644); err != nil {
			slog.Warn("failed to record host label", "error", err)
		}
	}
	for _, item := range items {
		cmds, ok := itemCommands[item]
		if !ok {
			slog.Warn("unrecognized sysinfo item", "item", item)
			failures++
			continue
		}
		itemDir := filepath.Join(dir, item)
		if err := os.MkdirAll(itemDir, 0o755); err != nil {
			slog.Error("failed to create sysinfo item directory", "item", item, "error", err)
			failures++
			continue
		}
		failed := false
		for i, argv := range cmds {
			if err := capture(ctx, itemDir, fmt.Sprintf("%s-%d.out", item, i), argv); err != nil {
				slog.Warn("sysinfo command failed", "item", item, "argv", strings.Join(argv, " "), "error", err)
				failed = true
			}
		}
		if failed {
			failures++
		}
	}
	return failures
}

func capture(ctx context.Context, dir, name string, argv []string) error {
	out, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer out.Close()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}
