// Package apic implements local-APIC and I/O-APIC register programming,
// boot-time initialization, timer calibration, and IPI send. Neither the
// real MMIO mapping nor MSR instructions are available to a hosted Go
// program; Registers and MMIOWindow are the seams production wiring and
// this module's fakes both implement.
package apic

import "github.com/osfree-project/smpcore/internal/arch"

// Registers abstracts local-APIC register access so LocalAPIC does not
// care whether the CPU is running xAPIC (memory-mapped) or x2APIC
// (MSR-based) mode. The caller picks the mode by constructing either
// NewXAPICRegisters or NewX2APICRegisters; nothing in this module probes
// CPUID to make that choice, and cmd/kernel always uses xAPIC.
type Registers interface {
	Read(reg uint32) uint32
	Write(reg uint32, val uint32)
	// WriteICR writes the 64-bit interrupt command register. xAPIC must
	// perform this as two ordered 32-bit MMIO stores, high half first;
	// x2APIC performs it as a single atomic 64-bit MSR store.
	WriteICR(high, low uint32)
	// ICRBusy reports whether a send is still in flight. xAPIC callers
	// poll this; x2APIC sends are always non-busy.
	ICRBusy() bool
}

// MMIOWindow is the memory-mapped register window xAPIC mode reads and
// writes through. Production code backs this with a volatile mapping of
// the APIC base physical address; internal/mem.Allocator.MapIO is where
// that mapping would come from, out of scope for this module.
type MMIOWindow interface {
	ReadAt(offset uint32) uint32
	WriteAt(offset uint32, val uint32)
}

type xapicRegisters struct {
	mmio MMIOWindow
}

// NewXAPICRegisters wraps an MMIO window as Registers.
func NewXAPICRegisters(mmio MMIOWindow) Registers {
	return &xapicRegisters{mmio: mmio}
}

func (x *xapicRegisters) Read(reg uint32) uint32        { return x.mmio.ReadAt(reg) }
func (x *xapicRegisters) Write(reg uint32, val uint32)  { x.mmio.WriteAt(reg, val) }

// WriteICR stores the high half before the low half: the write to the
// low half is what triggers the send, so the destination must land
// first.
func (x *xapicRegisters) WriteICR(high, low uint32) {
	x.mmio.WriteAt(RegICRHigh, high)
	x.mmio.WriteAt(RegICRLow, low)
}

func (x *xapicRegisters) ICRBusy() bool {
	return x.mmio.ReadAt(RegICRLow)&icrDeliveryStatusBit != 0
}

type x2apicRegisters struct {
	msr arch.MSR
}

// NewX2APICRegisters wraps MSR access as Registers.
func NewX2APICRegisters(msr arch.MSR) Registers {
	return &x2apicRegisters{msr: msr}
}

func (x *x2apicRegisters) regToMSR(reg uint32) uint32 {
	return x2apicMSRBase + reg>>4
}

func (x *x2apicRegisters) Read(reg uint32) uint32 {
	return uint32(x.msr.Rdmsr(x.regToMSR(reg)))
}

func (x *x2apicRegisters) Write(reg uint32, val uint32) {
	x.msr.Wrmsr(x.regToMSR(reg), uint64(val))
}

// WriteICR performs the single atomic 64-bit MSR store x2APIC allows: the
// x2APIC ICR MSR (0x830) holds both halves, destination in the high 32
// bits.
func (x *x2apicRegisters) WriteICR(high, low uint32) {
	x.msr.Wrmsr(x.regToMSR(RegICRLow), uint64(high)<<32|uint64(low))
}

func (x *x2apicRegisters) ICRBusy() bool { return false }
