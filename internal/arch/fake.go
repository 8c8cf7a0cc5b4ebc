package arch

import "sync"

// FakeInterrupts is a deterministic InterruptController used by every
// other package's tests: it tracks the enable bit in plain memory instead
// of EFLAGS.IF.
type FakeInterrupts struct {
	mu      sync.Mutex
	enabled bool
}

// NewFakeInterrupts returns a FakeInterrupts with interrupts enabled,
// matching the state the core expects once boot-time masking is done.
func NewFakeInterrupts() *FakeInterrupts {
	return &FakeInterrupts{enabled: true}
}

func (f *FakeInterrupts) SaveFlags() Flags {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enabled {
		return Flags(1)
	}
	return Flags(0)
}

func (f *FakeInterrupts) RestoreFlags(fl Flags) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = fl != 0
}

func (f *FakeInterrupts) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

func (f *FakeInterrupts) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

func (f *FakeInterrupts) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// FakeCPUID returns caller-supplied leaf responses, letting tests script a
// specific feature set or APIC id without real CPUID access.
type FakeCPUID struct {
	Responses map[[2]uint32][4]uint32
}

func NewFakeCPUID() *FakeCPUID {
	return &FakeCPUID{Responses: make(map[[2]uint32][4]uint32)}
}

func (f *FakeCPUID) Set(leaf, subleaf uint32, eax, ebx, ecx, edx uint32) {
	f.Responses[[2]uint32{leaf, subleaf}] = [4]uint32{eax, ebx, ecx, edx}
}

func (f *FakeCPUID) Cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	r := f.Responses[[2]uint32{leaf, subleaf}]
	return r[0], r[1], r[2], r[3]
}

// FakeMSR is an in-memory model-specific-register file for tests.
type FakeMSR struct {
	mu   sync.Mutex
	regs map[uint32]uint64
}

func NewFakeMSR() *FakeMSR {
	return &FakeMSR{regs: make(map[uint32]uint64)}
}

func (f *FakeMSR) Rdmsr(reg uint32) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[reg]
}

func (f *FakeMSR) Wrmsr(reg uint32, val uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[reg] = val
}

// FakeEOI counts end-of-interrupt signals for test assertions.
type FakeEOI struct {
	mu    sync.Mutex
	count int
}

func (f *FakeEOI) EOI() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
}

func (f *FakeEOI) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// FakeSegment is a goroutine-safe stand-in for the per-CPU TLS segment:
// since the core models each logical CPU as a goroutine-affine actor
// rather than an OS thread, CurrentCPU takes the id Install last recorded
// rather than truly reading per-goroutine state.
type FakeSegment struct {
	mu  sync.Mutex
	ids map[uint32]uint32
	cur uint32
}

func NewFakeSegment() *FakeSegment {
	return &FakeSegment{ids: make(map[uint32]uint32)}
}

func (f *FakeSegment) Install(cpuID uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cur = cpuID
}

func (f *FakeSegment) CurrentCPU() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}
