package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
log_level: debug
topology:
  bsp_id: 0
  numa_nodes: 2
  numa_distance:
    - [10, 20]
    - [20, 10]
  cpus:
    - { logical_id: 0, apic_id: 0, enabled: true, numa_node: 0 }
    - { logical_id: 1, apic_id: 2, enabled: true, numa_node: 0 }
    - { logical_id: 2, apic_id: 4, enabled: true, numa_node: 1 }
    - { logical_id: 3, apic_id: 6, enabled: false, numa_node: 1 }
  ioapics:
    - { id: 0, mmio_base: 0xFEC00000, gsi_base: 0, redirect_count: 24 }
  overrides:
    - { legacy_irq: 0, gsi: 2, active_low: false, level_triggered: false }
telemetry:
  url: ${SMPCORE_INFLUX_URL}
  org: kernel
  bucket: sched
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndSnapshot(t *testing.T) {
	t.Setenv("SMPCORE_INFLUX_URL", "http://influx.local:8086")
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Telemetry.URL != "http://influx.local:8086" {
		t.Fatalf("env expansion failed: %q", cfg.Telemetry.URL)
	}

	snap := cfg.Snapshot()
	if snap.TotalPossible != 4 || len(snap.CPUs) != 4 {
		t.Fatalf("snapshot has %d CPUs, want 4", len(snap.CPUs))
	}
	if snap.CPUs[3].Enabled {
		t.Fatal("disabled CPU carried over as enabled")
	}
	if len(snap.IOAPICs) != 1 || snap.IOAPICs[0].RedirectCount != 24 {
		t.Fatalf("ioapic not carried over: %+v", snap.IOAPICs)
	}
	if len(snap.Overrides) != 1 || snap.Overrides[0].GlobalInterrupt != 2 {
		t.Fatalf("override not carried over: %+v", snap.Overrides)
	}
	if snap.NUMANodeCount != 2 || snap.NUMADistance[0][1] != 20 {
		t.Fatalf("numa not carried over: %d %v", snap.NUMANodeCount, snap.NUMADistance)
	}
}

func TestLoadRejectsEmptyTopology(t *testing.T) {
	if _, err := Load(writeConfig(t, "topology: {cpus: []}")); err == nil {
		t.Fatal("Load accepted a CPU-less topology")
	}
}

func TestLoadDefaultsLogLevel(t *testing.T) {
	body := `
topology:
  cpus:
    - { logical_id: 0, apic_id: 0, enabled: true }
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want info default", cfg.LogLevel)
	}
}
