package smp

import (
	"testing"

	"github.com/osfree-project/smpcore/internal/apic"
	"github.com/osfree-project/smpcore/internal/arch"
	"github.com/osfree-project/smpcore/internal/kerrors"
	"github.com/osfree-project/smpcore/internal/mem"
	"github.com/osfree-project/smpcore/internal/percpu"
	"github.com/osfree-project/smpcore/internal/sched"
	"github.com/osfree-project/smpcore/internal/topology"
)

// fakeTimer performs no real waiting; boot-time delays only matter to
// silicon.
type fakeTimer struct{ waits int }

func (f *fakeTimer) WaitUS(uint32) { f.waits++ }

// fakeStarter runs APEntry synchronously for every APIC id not listed in
// dead, standing in for the hardware executing the trampoline. A dead
// APIC id models a CPU that never responds to STARTUP.
type fakeStarter struct {
	b    *Bringup
	dead map[uint32]bool
}

func (f *fakeStarter) StartAP(apicID uint32) {
	if f.dead[apicID] {
		return
	}
	cpuid := arch.NewFakeCPUID()
	cpuid.Set(0xb, 0, 0, 0, 0, apicID)
	f.b.APEntry(cpuid)
}

type fakeTramp struct {
	installed bool
	addr      mem.PA
}

func (f *fakeTramp) Install(addr mem.PA, table *BootTable) error {
	f.installed = true
	f.addr = addr
	return nil
}

func fourCPUSnapshot() topology.Snapshot {
	return topology.Snapshot{
		TotalPossible: 4,
		BSPID:         0,
		CPUs: []topology.CPUDescriptor{
			{LogicalID: 0, APICID: 0, Enabled: true},
			{LogicalID: 1, APICID: 2, Enabled: true},
			{LogicalID: 2, APICID: 4, Enabled: true},
			{LogicalID: 3, APICID: 6, Enabled: true},
		},
		NUMANodeCount: 1,
	}
}

func newTestBringup(t *testing.T, dead map[uint32]bool) (*Bringup, *mem.Fake, *fakeTramp) {
	t.Helper()
	online, err := topology.Import(fourCPUSnapshot(), 0)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	cpuid := arch.NewFakeCPUID()
	cpuid.Set(0xb, 0, 0, 0, 0, 0)

	alloc := mem.NewFake()
	reg := sched.NewRegistry()
	s := sched.NewScheduler(reg, nil, nil)
	tramp := &fakeTramp{}
	mmio := map[uint32]apic.Registers{}
	regsFor := func(cpuID uint32) apic.Registers {
		if r, ok := mmio[cpuID]; ok {
			return r
		}
		r := apic.NewXAPICRegisters(apic.NewFakeMMIO())
		mmio[cpuID] = r
		return r
	}

	b := New(Config{
		Online:  online,
		Alloc:   alloc,
		Table:   percpu.NewTable(),
		Sched:   s,
		CPUID:   cpuid,
		Segment: arch.NewFakeSegment(),
		Timer:   &fakeTimer{},
		Clock:   &apic.FakeClock{},
		BSPRegs: apic.NewXAPICRegisters(apic.NewFakeMMIO()),
		RegsFor: regsFor,
		Tramp:   tramp,
	})
	b.starter = &fakeStarter{b: b, dead: dead}
	return b, alloc, tramp
}

func TestInitBSPInstallsTrampolineAndIdle(t *testing.T) {
	b, _, tramp := newTestBringup(t, nil)
	if err := b.InitBSP(0x1000); err != nil {
		t.Fatalf("InitBSP: %v", err)
	}
	if !tramp.installed || tramp.addr != TrampolineAddr {
		t.Fatalf("trampoline not installed at %#x (got %#x)", TrampolineAddr, tramp.addr)
	}
	if b.CPUCount() != 1 {
		t.Fatalf("CPUCount after BSP init = %d, want 1", b.CPUCount())
	}
	if !b.sched.OnlineCPUs().Test(0) {
		t.Fatal("BSP run queue not online")
	}
	if b.table.Lookup(0).State() != percpu.Online {
		t.Fatal("BSP not marked Online")
	}
}

func TestBootAllBringsEveryAPOnline(t *testing.T) {
	b, _, _ := newTestBringup(t, nil)
	if err := b.InitBSP(0x1000); err != nil {
		t.Fatalf("InitBSP: %v", err)
	}
	b.BootAll()

	if b.CPUCount() != 4 {
		t.Fatalf("CPUCount = %d, want 4", b.CPUCount())
	}
	if b.ReadyCount() != 3 {
		t.Fatalf("ReadyCount = %d, want 3", b.ReadyCount())
	}
	for cpu := uint32(0); cpu < 4; cpu++ {
		if st := b.table.Lookup(cpu).State(); st != percpu.Online {
			t.Fatalf("cpu %d state = %v, want Online", cpu, st)
		}
		if !b.sched.OnlineCPUs().Test(cpu) {
			t.Fatalf("cpu %d has no run queue", cpu)
		}
	}
}

func TestAPTimeoutLeavesCPUOfflineAndContinues(t *testing.T) {
	// Topology advertises 4 CPUs but CPU3 (APIC id 6) never responds to
	// STARTUP; boot must complete with cpu_count == 3 and no deadlock.
	b, alloc, _ := newTestBringup(t, map[uint32]bool{6: true})
	if err := b.InitBSP(0x1000); err != nil {
		t.Fatalf("InitBSP: %v", err)
	}
	allocsBefore := alloc.Len()
	b.BootAll()

	if b.CPUCount() != 3 {
		t.Fatalf("CPUCount = %d, want 3", b.CPUCount())
	}
	if st := b.table.Lookup(3).State(); st != percpu.Offline {
		t.Fatalf("cpu 3 state = %v, want Offline", st)
	}
	if b.sched.OnlineCPUs().Test(3) {
		t.Fatal("timed-out cpu 3 must not have a run queue")
	}
	// The failed CPU's kernel stack was freed: only the two successful
	// APs' stacks remain beyond the pre-boot allocation count.
	if got := alloc.Len(); got != allocsBefore+2 {
		t.Fatalf("live allocations = %d, want %d (failed AP stack leaked?)", got, allocsBefore+2)
	}
}

func TestBootCPUOutOfMemoryMarksOffline(t *testing.T) {
	b, alloc, _ := newTestBringup(t, nil)
	if err := b.InitBSP(0x1000); err != nil {
		t.Fatalf("InitBSP: %v", err)
	}
	alloc.FailNext()
	err := b.BootCPU(1)
	if !kerrors.Is(err, kerrors.OutOfMemory) {
		t.Fatalf("BootCPU = %v, want OutOfMemory", err)
	}
	if st := b.table.Lookup(1).State(); st != percpu.Offline {
		t.Fatalf("cpu 1 state = %v, want Offline", st)
	}
}

func TestIdleStepPullsFromBusySibling(t *testing.T) {
	b, _, _ := newTestBringup(t, nil)
	if err := b.InitBSP(0x1000); err != nil {
		t.Fatalf("InitBSP: %v", err)
	}
	b.BootAll()

	// Load CPU0 with three eligible threads; an idle CPU1 step must pull
	// one (idle balance skips the cache-hot guard).
	for i := 0; i < 3; i++ {
		th := b.sched.Registry().Create("busy", sched.Regular, 16, true)
		th.PreferredCPU = 0
		th.HasPreferred = true
		if err := b.sched.Enqueue(th); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if !b.IdleStep(1) {
		t.Fatal("IdleStep found no work despite an imbalanced sibling")
	}
	if n := b.sched.NrRunning(0); n != 2 {
		t.Fatalf("nr_running(0) = %d, want 2 after one pull", n)
	}
}

func TestAPReusesBSPTimerCalibration(t *testing.T) {
	b, _, _ := newTestBringup(t, nil)
	if err := b.InitBSP(0x1000); err != nil {
		t.Fatalf("InitBSP: %v", err)
	}
	ticks, ok := b.LocalAPIC().TicksPerMS()
	if !ok {
		t.Fatal("BSP APIC not calibrated after InitBSP")
	}
	if err := b.BootCPU(1); err != nil {
		t.Fatalf("BootCPU: %v", err)
	}
	want := ticks * uint32(1000/apic.SchedulerTickHz)
	if got := b.regsFor(1).Read(apic.RegInitCount); got != want {
		t.Fatalf("AP timer initial count = %d, want %d from the BSP calibration", got, want)
	}
}
