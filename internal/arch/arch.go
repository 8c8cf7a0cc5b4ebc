// Package arch names the interfaces the core consumes from the
// architecture layer: context switching, MSR access, CPUID, fences, and
// the interrupt-enable flag. These are external collaborators — none of
// the real assembly glue lives in this module, only the seams the core
// is built against and the fakes the rest of the module's tests use to
// stand in for hardware.
package arch

// Flags is the saved architectural interrupt-enable state, the payload of
// a SaveFlags/RestoreFlags pair around a critical section. It is opaque to
// callers; only an InterruptController may interpret it.
type Flags uint64

// InterruptController captures and restores the CPU's interrupt-enable bit
// (EFLAGS.IF on x86_64) and can unconditionally enable/disable interrupts.
// internal/spinlock.IRQSafe is built directly on this interface.
type InterruptController interface {
	SaveFlags() Flags
	RestoreFlags(Flags)
	Disable()
	Enable()
}

// MSR is the model-specific-register access point x2APIC and the APIC
// base MSR are programmed through.
type MSR interface {
	Rdmsr(reg uint32) uint64
	Wrmsr(reg uint32, val uint64)
}

// CPUID exposes the subset of the CPU identification instruction the core
// needs for feature detection and topology (APIC id, SSE/AVX family,
// x2APIC, PCID/INVPCID, invariant TSC, frequency tuple).
type CPUID interface {
	// Cpuid returns eax, ebx, ecx, edx for the given leaf/subleaf.
	Cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
}

// Features is the decoded result of probing CPUID, the feature bitset
// the per-CPU info block carries.
type Features struct {
	FPU, SSE, SSE2, SSE3, SSSE3, SSE41, SSE42 bool
	AVX, AVX2, AVX512                         bool
	X2APIC, PCID, INVPCID, InvariantTSC       bool
	BaseFreqMHz, MaxFreqMHz, BusFreqMHz       uint32
}

// DetectFeatures runs the boot-time CPUID probe sequence: function 1
// for the FPU/SSE family and x2APIC/PCID, function 7 for AVX2/AVX512/
// INVPCID, extended function 0x80000007 for invariant TSC, and function
// 0x16 for the frequency tuple.
func DetectFeatures(c CPUID) Features {
	var f Features
	_, _, ecx1, edx1 := c.Cpuid(1, 0)
	f.FPU = edx1&(1<<0) != 0
	f.SSE = edx1&(1<<25) != 0
	f.SSE2 = edx1&(1<<26) != 0
	f.SSE3 = ecx1&(1<<0) != 0
	f.SSSE3 = ecx1&(1<<9) != 0
	f.SSE41 = ecx1&(1<<19) != 0
	f.SSE42 = ecx1&(1<<20) != 0
	f.AVX = ecx1&(1<<28) != 0
	f.X2APIC = ecx1&(1<<21) != 0
	f.PCID = ecx1&(1<<17) != 0

	_, ebx7, _, _ := c.Cpuid(7, 0)
	f.AVX2 = ebx7&(1<<5) != 0
	f.AVX512 = ebx7&(1<<16) != 0
	f.INVPCID = ebx7&(1<<10) != 0

	_, _, _, edxExt := c.Cpuid(0x80000007, 0)
	f.InvariantTSC = edxExt&(1<<8) != 0

	eax16, ebx16, ecx16, _ := c.Cpuid(0x16, 0)
	f.BaseFreqMHz = eax16
	f.MaxFreqMHz = ebx16
	f.BusFreqMHz = ecx16
	return f
}

// ApicID reads the current CPU's local APIC id out of CPUID leaf 0xb,
// the same lookup an AP performs in the trampoline to find its assigned
// logical id.
func ApicID(c CPUID) uint32 {
	_, _, _, edx := c.Cpuid(0xb, 0)
	return edx
}

// ContextSwitcher performs the architectural context switch: save the
// callee-saved state of prev, restore next's, switch kernel stacks, and
// return on prev when it next resumes. handle is an opaque per-thread
// saved-context token.
type ContextSwitcher interface {
	Switch(prev, next Handle)
}

// Handle is an opaque saved-context token owned by the thread it belongs
// to; the core never inspects its contents.
type Handle interface{}

// EOISender sends an end-of-interrupt to the local APIC from IRQ handler
// context. internal/ipi's handlers call this after doing their work.
type EOISender interface {
	EOI()
}

// PerCPUSegment stands in for the architectural per-CPU TLS segment base
// (GS on x86_64) that lets cpu_id() resolve in a single load. Go code
// cannot portably program a segment register, so production wiring of
// this interface is out of scope for the core; FakeSegment in this
// package is the test fake, reporting the id Install last recorded.
type PerCPUSegment interface {
	Install(cpuID uint32)
	CurrentCPU() uint32
}
