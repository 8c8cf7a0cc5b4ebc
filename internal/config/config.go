// Package config loads the simulated-machine description and operational
// tunables cmd/kernel drives the core with: a firmware topology expressed
// in YAML, logging level, and the optional telemetry endpoint. Values may
// reference environment variables, with an optional .env overlay. The
// scheduler's own geometry constants and interrupt vectors are
// compile-time ABI and are deliberately not configurable here.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/osfree-project/smpcore/internal/topology"
)

// CPUConfig is one CPU row of the machine description.
type CPUConfig struct {
	LogicalID  uint32 `yaml:"logical_id"`
	APICID     uint32 `yaml:"apic_id"`
	FirmwareID uint32 `yaml:"firmware_id"`
	Enabled    bool   `yaml:"enabled"`
	NUMANode   int    `yaml:"numa_node"`
}

// IOAPICConfig is one I/O APIC row.
type IOAPICConfig struct {
	ID            uint32 `yaml:"id"`
	MMIOBase      uint64 `yaml:"mmio_base"`
	GlobalIntBase uint32 `yaml:"gsi_base"`
	RedirectCount uint32 `yaml:"redirect_count"`
}

// OverrideConfig is one interrupt-source override row.
type OverrideConfig struct {
	LegacyIRQ       uint8  `yaml:"legacy_irq"`
	GlobalInterrupt uint32 `yaml:"gsi"`
	ActiveLow       bool   `yaml:"active_low"`
	LevelTriggered  bool   `yaml:"level_triggered"`
}

// TopologyConfig is the YAML shape of a firmware topology snapshot.
type TopologyConfig struct {
	BSPID        uint32           `yaml:"bsp_id"`
	CPUs         []CPUConfig      `yaml:"cpus"`
	IOAPICs      []IOAPICConfig   `yaml:"ioapics"`
	Overrides    []OverrideConfig `yaml:"overrides"`
	NUMANodes    int              `yaml:"numa_nodes"`
	NUMADistance [][]uint8        `yaml:"numa_distance"`
}

// TelemetryConfig points at an InfluxDB endpoint for scheduler-statistics
// export. Empty URL disables telemetry.
type TelemetryConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// ResctrlConfig names the one resctrl class the resctrl command assigns
// the kernel process to (empty Class means "system/default"); empty
// Prefix uses the host default mount.
type ResctrlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
	Class   string `yaml:"class"`
}

// Config is the top-level cmd/kernel configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Topology  TopologyConfig  `yaml:"topology"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Resctrl   ResctrlConfig   `yaml:"resctrl"`
}

// Load reads a YAML config, expanding ${VAR} references from the
// environment after loading an optional .env file from the working
// directory (missing .env is not an error, matching godotenv's intended
// overlay use).
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if len(cfg.Topology.CPUs) == 0 {
		return fmt.Errorf("topology lists no CPUs")
	}
	enabled := 0
	for _, c := range cfg.Topology.CPUs {
		if c.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("topology has no enabled CPU")
	}
	if cfg.Topology.NUMANodes < 0 {
		return fmt.Errorf("negative numa_nodes")
	}
	return nil
}

// Snapshot converts the YAML topology into the immutable
// topology.Snapshot the core consumes.
func (c *Config) Snapshot() topology.Snapshot {
	snap := topology.Snapshot{
		TotalPossible: uint32(len(c.Topology.CPUs)),
		BSPID:         c.Topology.BSPID,
		NUMANodeCount: c.Topology.NUMANodes,
		NUMADistance:  c.Topology.NUMADistance,
	}
	for _, cpu := range c.Topology.CPUs {
		snap.CPUs = append(snap.CPUs, topology.CPUDescriptor{
			LogicalID:  cpu.LogicalID,
			APICID:     cpu.APICID,
			FirmwareID: cpu.FirmwareID,
			Enabled:    cpu.Enabled,
			NUMANode:   cpu.NUMANode,
		})
	}
	for _, io := range c.Topology.IOAPICs {
		snap.IOAPICs = append(snap.IOAPICs, topology.IOAPICDescriptor{
			ID:            io.ID,
			MMIOBase:      io.MMIOBase,
			GlobalIntBase: io.GlobalIntBase,
			RedirectCount: io.RedirectCount,
		})
	}
	for _, ov := range c.Topology.Overrides {
		snap.Overrides = append(snap.Overrides, topology.InterruptOverride{
			LegacyIRQ:       ov.LegacyIRQ,
			GlobalInterrupt: ov.GlobalInterrupt,
			ActiveLow:       ov.ActiveLow,
			LevelTriggered:  ov.LevelTriggered,
		})
	}
	return snap
}
