// Package percpu implements the per-CPU info block: a cache-line-padded
// record per logical CPU, a cross-CPU lookup table installed before any
// AP is released, and the fast "who am I" access path built on
// arch.PerCPUSegment.
package percpu

import (
	"sync"

	"github.com/osfree-project/smpcore/internal/arch"
)

// State is the per-CPU lifecycle state.
type State int

const (
	Offline State = iota
	Starting
	Online
	Halted
)

func (s State) String() string {
	switch s {
	case Offline:
		return "Offline"
	case Starting:
		return "Starting"
	case Online:
		return "Online"
	case Halted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// cacheLineSize is the x86_64 cache line, the padding granule that
// keeps adjacent CPUs' hot counters from false-sharing.
const cacheLineSize = 64

// Frequency is the base/max/current frequency triplet of one CPU.
type Frequency struct {
	BaseMHz    uint32
	MaxMHz     uint32
	CurrentMHz uint32
}

// Info is one logical CPU's info block. pad holds it to a cache line so
// adjacent CPUs' hot counters never false-share; Go has no alignment
// attribute, so pad is a fixed cacheLineSize-byte array appended after
// the fields; it matters only for contention, not correctness.
type Info struct {
	mu sync.Mutex

	CPUID      uint32
	APICID     uint32
	FirmwareID uint32
	NUMANode   int
	PackageID  uint8
	CoreID     uint8
	ThreadID   uint8

	state State

	Features arch.Features
	Freq     Frequency

	IdleNS      uint64
	BusyNS      uint64
	IRQCount    uint64
	SwitchCount uint64

	// LAPICBase is the MMIO base (xAPIC) or, in x2APIC mode, unused - the
	// APIC driver picks its access mode independently.
	LAPICBase uint64
	TimerFreqHz uint32

	pad [cacheLineSize]byte
}

func (i *Info) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Info) SetState(s State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = s
}

// Table is the cpu-by-id cross-CPU lookup table, installed before any
// AP is released. It is read-mostly after boot; the mutex only guards
// the bring-up-time population window.
type Table struct {
	mu   sync.RWMutex
	cpus map[uint32]*Info
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{cpus: make(map[uint32]*Info)}
}

// Install registers info under cpuID, called once per CPU during bring-up.
func (t *Table) Install(cpuID uint32, info *Info) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info.CPUID = cpuID
	t.cpus[cpuID] = info
}

// Lookup returns the Info for cpuID, or nil if that CPU was never
// installed.
func (t *Table) Lookup(cpuID uint32) *Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cpus[cpuID]
}

// Remove drops a CPU's info block. A failed AP boot keeps its entry for
// diagnostics (marked Offline); Remove is for tests that need a clean
// table between bring-up attempts.
func (t *Table) Remove(cpuID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cpus, cpuID)
}

// Len reports how many CPUs have been installed.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cpus)
}

// ForEach calls fn for every installed CPU, in unspecified order.
func (t *Table) ForEach(fn func(cpuID uint32, info *Info)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, info := range t.cpus {
		fn(id, info)
	}
}

// CurrentID is the fast "who am I" path: a single load through the
// installed per-CPU segment. Go cannot portably back this with a real
// segment register, so it is a thin call through arch.PerCPUSegment.
func CurrentID(seg arch.PerCPUSegment) uint32 {
	return seg.CurrentCPU()
}

// Current returns this CPU's Info from the table, via CurrentID.
func Current(seg arch.PerCPUSegment, t *Table) *Info {
	return t.Lookup(CurrentID(seg))
}
