// Package topology consumes the parsed firmware topology snapshot: CPU
// descriptors, I/O APIC descriptors, interrupt source overrides, and the
// NUMA distance matrix. It validates the snapshot and derives the
// per-node NUMA fallback order the load balancer and SMP bring-up
// consume. The ACPI table bytes themselves are parsed elsewhere; this
// package only ever sees the already-parsed struct.
package topology

import "math/bits"

// MaxCPUs bounds the fixed-size CPUSet word array at 256 logical CPUs.
const MaxCPUs = 256

const cpuSetWords = MaxCPUs / 64

// CPUSet is a fixed-size bitset over logical CPU ids: a comparable,
// allocation-free [4]uint64 word array sized to MaxCPUs, so affinity
// masks copy by value like the plain integers they generalize.
type CPUSet [cpuSetWords]uint64

// NewCPUSet returns an empty set.
func NewCPUSet() CPUSet { return CPUSet{} }

// Set adds cpu to the set.
func (c *CPUSet) Set(cpu uint32) {
	if int(cpu) >= MaxCPUs {
		return
	}
	c[cpu/64] |= 1 << (cpu % 64)
}

// Clear removes cpu from the set.
func (c *CPUSet) Clear(cpu uint32) {
	if int(cpu) >= MaxCPUs {
		return
	}
	c[cpu/64] &^= 1 << (cpu % 64)
}

// Test reports whether cpu is a member of the set.
func (c CPUSet) Test(cpu uint32) bool {
	if int(cpu) >= MaxCPUs {
		return false
	}
	return c[cpu/64]&(1<<(cpu%64)) != 0
}

// IsEmpty reports whether the set has no members.
func (c CPUSet) IsEmpty() bool {
	for _, w := range c {
		if w != 0 {
			return false
		}
	}
	return true
}

// Intersect returns the intersection of two sets.
func (c CPUSet) Intersect(other CPUSet) CPUSet {
	var r CPUSet
	for i := range c {
		r[i] = c[i] & other[i]
	}
	return r
}

// Lowest returns the lowest-numbered CPU in the set and true, or (0,
// false) if the set is empty. Used by enqueue's "lowest-index CPU in
// affinity_mask ∩ online" fallback.
func (c CPUSet) Lowest() (uint32, bool) {
	for i, w := range c {
		if w == 0 {
			continue
		}
		return uint32(i*64 + bits.TrailingZeros64(w)), true
	}
	return 0, false
}

// Single returns a CPUSet containing exactly one CPU.
func Single(cpu uint32) CPUSet {
	var c CPUSet
	c.Set(cpu)
	return c
}
