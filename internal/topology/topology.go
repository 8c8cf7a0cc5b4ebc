package topology

import (
	"sort"

	"github.com/osfree-project/smpcore/internal/kerrors"
)

// CPUDescriptor is one firmware-reported CPU entry.
type CPUDescriptor struct {
	LogicalID  uint32
	APICID     uint32
	FirmwareID uint32
	Enabled    bool
	NUMANode   int
}

// IOAPICDescriptor is one I/O APIC entry.
type IOAPICDescriptor struct {
	ID              uint32
	MMIOBase        uint64
	GlobalIntBase   uint32
	RedirectCount   uint32
}

// InterruptOverride rewires a legacy ISA IRQ to a different global
// interrupt number, polarity, and trigger mode.
type InterruptOverride struct {
	LegacyIRQ       uint8
	GlobalInterrupt uint32
	ActiveLow       bool
	LevelTriggered  bool
}

// Snapshot is the firmware topology the ACPI layer hands the core once
// at boot. It is immutable after boot; Import never mutates its
// argument.
type Snapshot struct {
	TotalPossible   uint32
	BSPID           uint32
	CPUs            []CPUDescriptor
	IOAPICs         []IOAPICDescriptor
	Overrides       []InterruptOverride
	NUMANodeCount   int
	NUMADistance    [][]uint8 // NUMADistance[i][j] is node i's distance to node j
}

// Online is the validated, derived form of a Snapshot that bring-up, the
// scheduler, and the load balancer actually consume: the same CPU/IOAPIC
// data plus each node's NUMA fallback order.
type Online struct {
	Snapshot
	// FallbackOrder[node] lists every other NUMA node sorted by distance
	// ascending, ties broken by node id ascending.
	FallbackOrder [][]int
}

// Import validates a Snapshot (duplicate APIC id among enabled CPUs,
// BSP APIC id mismatch, overlapping GSI ranges are each fatal) and, on
// success, derives the NUMA fallback order.
// currentAPICID is the APIC id the current (BSP) CPU reports via CPUID -
// it must match the snapshot's declared BSP entry.
func Import(snap Snapshot, currentAPICID uint32) (*Online, error) {
	seen := make(map[uint32]bool)
	var bspEntry *CPUDescriptor
	for i := range snap.CPUs {
		cpu := &snap.CPUs[i]
		if !cpu.Enabled {
			continue
		}
		if seen[cpu.APICID] {
			return nil, kerrors.New(kerrors.TopologyInconsistent,
				"duplicate APIC id %d among enabled CPUs", cpu.APICID)
		}
		seen[cpu.APICID] = true
		if cpu.LogicalID == snap.BSPID {
			bspEntry = cpu
		}
	}
	if bspEntry == nil {
		return nil, kerrors.New(kerrors.TopologyInconsistent,
			"no enabled CPU entry for declared BSP id %d", snap.BSPID)
	}
	if bspEntry.APICID != currentAPICID {
		return nil, kerrors.New(kerrors.TopologyInconsistent,
			"BSP APIC id mismatch: snapshot says %d, CPU reports %d", bspEntry.APICID, currentAPICID)
	}

	type ival struct{ lo, hi uint32 }
	var ranges []ival
	for _, io := range snap.IOAPICs {
		lo := io.GlobalIntBase
		hi := lo + io.RedirectCount
		for _, r := range ranges {
			if lo < r.hi && hi > r.lo {
				return nil, kerrors.New(kerrors.TopologyInconsistent,
					"overlapping GSI ranges: [%d,%d) and [%d,%d)", lo, hi, r.lo, r.hi)
			}
		}
		ranges = append(ranges, ival{lo, hi})
	}

	fallback := make([][]int, snap.NUMANodeCount)
	for node := 0; node < snap.NUMANodeCount; node++ {
		others := make([]int, 0, snap.NUMANodeCount-1)
		for other := 0; other < snap.NUMANodeCount; other++ {
			if other != node {
				others = append(others, other)
			}
		}
		dist := func(n int) uint8 {
			if node < len(snap.NUMADistance) && n < len(snap.NUMADistance[node]) {
				return snap.NUMADistance[node][n]
			}
			return 0
		}
		sort.Slice(others, func(i, j int) bool {
			di, dj := dist(others[i]), dist(others[j])
			if di != dj {
				return di < dj
			}
			return others[i] < others[j]
		})
		fallback[node] = others
	}

	return &Online{Snapshot: snap, FallbackOrder: fallback}, nil
}

// OnlineCPUs returns the set of enabled CPUs in the snapshot, used by the
// scheduler and balancer as the "online" half of affinity_mask ∩ online.
func (o *Online) OnlineCPUs() CPUSet {
	var set CPUSet
	for _, cpu := range o.CPUs {
		if cpu.Enabled {
			set.Set(cpu.LogicalID)
		}
	}
	return set
}

// IOAPICFor returns the I/O APIC descriptor owning the given global
// interrupt number, and whether one was found.
func (o *Online) IOAPICFor(gsi uint32) (IOAPICDescriptor, bool) {
	for _, io := range o.IOAPICs {
		if gsi >= io.GlobalIntBase && gsi < io.GlobalIntBase+io.RedirectCount {
			return io, true
		}
	}
	return IOAPICDescriptor{}, false
}

// RouteIRQ translates a legacy ISA IRQ to its global interrupt number via
// the override table, or the identity mapping if no override applies.
func (o *Online) RouteIRQ(irq uint8) (gsi uint32, activeLow, levelTriggered bool) {
	for _, ov := range o.Overrides {
		if ov.LegacyIRQ == irq {
			return ov.GlobalInterrupt, ov.ActiveLow, ov.LevelTriggered
		}
	}
	return uint32(irq), false, false
}
