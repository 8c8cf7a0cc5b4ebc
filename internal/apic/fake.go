package apic

import "sync"

// fakeMMIO is a deterministic MMIOWindow used by this package's own tests
// and by internal/smp's bring-up tests: a plain register file in memory.
type fakeMMIO struct {
	mu   sync.Mutex
	regs map[uint32]uint32
}

// NewFakeMMIO returns an MMIOWindow backed by a map, with ICR delivery
// status always reporting idle so tests never spin.
func NewFakeMMIO() MMIOWindow {
	return &fakeMMIO{regs: make(map[uint32]uint32)}
}

func (f *fakeMMIO) ReadAt(offset uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[offset]
}

func (f *fakeMMIO) WriteAt(offset uint32, val uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[offset] = val
}

// fakeIOAPICWindow is a deterministic IOAPICWindow with a pre-seeded
// version register, for internal/apic's and internal/smp's tests.
type fakeIOAPICWindow struct {
	mu   sync.Mutex
	regs map[uint32]uint32
}

// NewFakeIOAPICWindow returns an IOAPICWindow whose version register
// reports npins-1 in bits 16..23, the field NewIOAPIC reads to size its
// redirection table.
func NewFakeIOAPICWindow(npins uint32) IOAPICWindow {
	w := &fakeIOAPICWindow{regs: make(map[uint32]uint32)}
	w.regs[ioRegVersionOffset] = (npins - 1) << 16
	return w
}

func (w *fakeIOAPICWindow) ReadReg(reg uint32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.regs[reg]
}

func (w *fakeIOAPICWindow) WriteReg(reg uint32, val uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.regs[reg] = val
}

// FakeClock is a ReferenceClock that records the waits it was asked to
// perform instead of actually sleeping, so calibration tests run
// instantly and deterministically.
type FakeClock struct {
	Waits []uint32
}

// WaitMS records the requested wait without blocking.
func (c *FakeClock) WaitMS(ms uint32) { c.Waits = append(c.Waits, ms) }
