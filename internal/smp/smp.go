// Package smp orchestrates CPU bring-up: BSP initialization, AP
// trampoline publication, and the INIT/STARTUP/rendezvous dance that
// takes each application processor from firmware reset to an online
// scheduler run queue.
package smp

import (
	"github.com/osfree-project/smpcore/internal/apic"
	"github.com/osfree-project/smpcore/internal/arch"
	katomic "github.com/osfree-project/smpcore/internal/atomic"
	"github.com/osfree-project/smpcore/internal/balancer"
	"github.com/osfree-project/smpcore/internal/kerrors"
	"github.com/osfree-project/smpcore/internal/klog"
	"github.com/osfree-project/smpcore/internal/mem"
	"github.com/osfree-project/smpcore/internal/percpu"
	"github.com/osfree-project/smpcore/internal/sched"
	"github.com/osfree-project/smpcore/internal/spinlock"
	"github.com/osfree-project/smpcore/internal/topology"
)

const (
	// TrampolineAddr is the low-memory page the AP startup stub is copied
	// to. STARTUP's vector field carries TrampolineAddr >> 12; the value
	// is kernel ABI and may not change.
	TrampolineAddr mem.PA = 0x8000

	// KernelStackSize is the minimum per-CPU kernel stack.
	KernelStackSize = 16 * 1024

	// stackOrder is KernelStackSize expressed as a page-allocation order.
	stackOrder = 2 // 4 pages of 4 KiB

	// APStartupTimeoutMS bounds the wait for an AP to signal ready.
	APStartupTimeoutMS = 1000

	initToStartupDelayUS   = 10000
	betweenStartupsDelayUS = 200
)

// Timer is the delay source BootCPU paces the INIT/STARTUP sequence
// with. Production wiring backs it with a calibrated busy-wait; tests use
// a fake that triggers the simulated AP instead of sleeping.
type Timer interface {
	WaitUS(us uint32)
}

// Starter stands in for the hardware's response to a STARTUP IPI: on real
// silicon the target core wakes in real mode and runs the trampoline stub,
// which ends in APEntry. A hosted Go process has no second core to wake,
// so Bringup notifies a Starter after the STARTUP sends and the fake runs
// APEntry synchronously, standing in for the AP. The production
// implementation is a no-op.
type Starter interface {
	StartAP(apicID uint32)
}

// NopStarter is the production Starter: hardware runs the trampoline, the
// kernel does nothing extra.
type NopStarter struct{}

func (NopStarter) StartAP(uint32) {}

// BootEntry is one row of the trampoline lookup table: the trampoline
// reads its own APIC id and resolves the assigned logical id and stack
// top from this table.
type BootEntry struct {
	LogicalID uint32
	StackTop  mem.VA
}

// BootTable is the data the BSP patches into the trampoline page before
// releasing any AP: the shared page-table root and the APIC-id-keyed
// entry table.
type BootTable struct {
	PageTableRoot mem.PA
	Entries       map[uint32]BootEntry
}

// Trampoline copies the AP startup stub below 1 MiB and patches the boot
// table into it. The stub's real-mode/protected-mode/long-mode assembly is
// architecture glue outside this module; production wiring implements the
// copy, the fake records it.
type Trampoline interface {
	Install(addr mem.PA, table *BootTable) error
}

// Bringup owns the boot sequence. It is single-threaded on the BSP; the
// only concurrency during bring-up is the one AP at a time racing
// through APEntry toward the rendezvous.
type Bringup struct {
	log    klog.Logger
	online *topology.Online
	alloc  mem.Allocator
	table  *percpu.Table
	sched  *sched.Scheduler

	cpuid arch.CPUID
	seg   arch.PerCPUSegment
	timer Timer

	lapic   *apic.LocalAPIC
	clock   apic.ReferenceClock
	regsFor func(cpuID uint32) apic.Registers

	ioWindows map[uint32]apic.IOAPICWindow
	ioapics   map[uint32]*apic.IOAPIC

	tramp     Trampoline
	starter   Starter
	bootTable *BootTable

	// AP boot rendezvous: BSP-exclusive write of apBootCPUID, the booting
	// AP writes apBootDone exactly once.
	apBootLock  spinlock.Ticket
	apBootCPUID katomic.Uint32
	apBootDone  katomic.Bool

	readyCount katomic.Int32
	cpuCount   uint32

	stacks map[uint32]mem.VA
}

// Config collects Bringup's collaborators. Every hardware action goes
// through one of these seams so bring-up is unit-testable against fakes.
type Config struct {
	Log       klog.Logger
	Online    *topology.Online
	Alloc     mem.Allocator
	Table     *percpu.Table
	Sched     *sched.Scheduler
	CPUID     arch.CPUID
	Segment   arch.PerCPUSegment
	Timer     Timer
	Clock     apic.ReferenceClock
	BSPRegs   apic.Registers
	RegsFor   func(cpuID uint32) apic.Registers
	IOWindows map[uint32]apic.IOAPICWindow
	Tramp     Trampoline
	Starter   Starter
}

// New builds a Bringup from its collaborators. Nil Log and Starter fall
// back to no-ops.
func New(cfg Config) *Bringup {
	if cfg.Log == nil {
		cfg.Log = klog.Nop{}
	}
	if cfg.Starter == nil {
		cfg.Starter = NopStarter{}
	}
	b := &Bringup{
		log:       cfg.Log,
		online:    cfg.Online,
		alloc:     cfg.Alloc,
		table:     cfg.Table,
		sched:     cfg.Sched,
		cpuid:     cfg.CPUID,
		seg:       cfg.Segment,
		timer:     cfg.Timer,
		regsFor:   cfg.RegsFor,
		ioWindows: cfg.IOWindows,
		ioapics:   make(map[uint32]*apic.IOAPIC),
		tramp:     cfg.Tramp,
		starter:   cfg.Starter,
		stacks:    make(map[uint32]mem.VA),
	}
	b.lapic = apic.NewLocalAPIC(cfg.BSPRegs)
	b.clock = cfg.Clock
	return b
}

// InitBSP runs the BSP half of boot: mark the BSP online, allocate its
// per-CPU info, detect features, program its local APIC, initialize
// every I/O APIC masked, create the BSP idle thread, install the per-CPU
// segment, and publish the AP trampoline.
func (b *Bringup) InitBSP(pageTableRoot mem.PA) error {
	bspID := b.online.BSPID

	info := &percpu.Info{
		APICID:   arch.ApicID(b.cpuid),
		NUMANode: b.numaNodeOf(bspID),
		Features: arch.DetectFeatures(b.cpuid),
	}
	info.SetState(percpu.Online)
	b.table.Install(bspID, info)

	b.lapic.InitBSP(b.clock)

	for _, desc := range b.online.IOAPICs {
		win, ok := b.ioWindows[desc.ID]
		if !ok {
			continue
		}
		b.ioapics[desc.ID] = apic.NewIOAPIC(desc.ID, win)
	}

	idle := b.sched.Registry().Create("idle/0", sched.Idle, 0, true)
	idle.AffinityMask = topology.Single(bspID)
	idle.Bound = true
	b.sched.AddCPU(bspID, idle.ID)

	b.seg.Install(bspID)

	b.bootTable = &BootTable{PageTableRoot: pageTableRoot, Entries: make(map[uint32]BootEntry)}
	if b.tramp != nil {
		if err := b.tramp.Install(TrampolineAddr, b.bootTable); err != nil {
			return err
		}
	}

	b.cpuCount = 1
	b.log.Infof("smp: BSP cpu %d online (apic id %d)", bspID, info.APICID)
	return nil
}

// BootAll invokes BootCPU for every enabled topology CPU other than the
// BSP. A CPU that fails to come up is left Offline and boot continues on
// the processors that did; BootAll never returns an error.
func (b *Bringup) BootAll() {
	for _, desc := range b.online.CPUs {
		if !desc.Enabled || desc.LogicalID == b.online.BSPID {
			continue
		}
		if err := b.BootCPU(desc.LogicalID); err != nil {
			b.log.Warnf("smp: cpu %d failed to start: %v", desc.LogicalID, err)
			continue
		}
		b.cpuCount++
	}
	b.log.Infof("smp: %d of %d CPUs online", b.cpuCount, b.online.TotalPossible)
}

// BootCPU boots one application processor: allocate its info block and
// kernel stack on its NUMA node, publish the rendezvous variables, send
// INIT then two STARTUPs 200us apart (the hardware requires the second),
// and poll for the AP's ready signal with a 1s timeout.
func (b *Bringup) BootCPU(cpuID uint32) error {
	desc, ok := b.descriptorFor(cpuID)
	if !ok {
		return kerrors.New(kerrors.InvalidParameter, "no topology entry for cpu %d", cpuID)
	}

	info := &percpu.Info{
		APICID:     desc.APICID,
		FirmwareID: desc.FirmwareID,
		NUMANode:   desc.NUMANode,
	}
	info.SetState(percpu.Starting)
	b.table.Install(cpuID, info)

	stack, err := b.alloc.AllocPagesNode(stackOrder, desc.NUMANode)
	if err != nil {
		info.SetState(percpu.Offline)
		return kerrors.New(kerrors.OutOfMemory, "cpu %d kernel stack: %v", cpuID, err)
	}
	b.stacks[cpuID] = stack
	b.bootTable.Entries[desc.APICID] = BootEntry{
		LogicalID: cpuID,
		StackTop:  stack + mem.VA(KernelStackSize),
	}

	b.apBootLock.Lock()
	b.apBootCPUID.Store(cpuID)
	b.apBootDone.Store(false)

	b.lapic.SendInit(desc.APICID)
	b.timer.WaitUS(initToStartupDelayUS)

	page := uint8(uint64(TrampolineAddr) >> 12)
	b.lapic.SendStartup(desc.APICID, page)
	b.timer.WaitUS(betweenStartupsDelayUS)
	b.lapic.SendStartup(desc.APICID, page)

	b.starter.StartAP(desc.APICID)

	timeout := APStartupTimeoutMS
	for !b.apBootDone.Load() && timeout > 0 {
		b.timer.WaitUS(1000)
		timeout--
	}
	done := b.apBootDone.Load()
	b.apBootLock.Unlock()

	if !done {
		info.SetState(percpu.Offline)
		b.alloc.FreePages(stack)
		delete(b.stacks, cpuID)
		return kerrors.New(kerrors.APTimeout, "cpu %d did not signal ready within 1s", cpuID)
	}

	info.SetState(percpu.Online)
	b.log.Infof("smp: cpu %d online (apic id %d)", cpuID, desc.APICID)
	return nil
}

// APEntry is the language-runtime entry the trampoline jumps into on the
// booting AP: enable this CPU's local APIC reusing the BSP's timer
// calibration, install the per-CPU segment, record features, bring up
// the run queue and idle thread, then signal the rendezvous. The caller
// (trampoline stub, or the fake Starter in tests) supplies its own CPUID
// access since the instruction executes on the AP, not the BSP.
func (b *Bringup) APEntry(cpuid arch.CPUID) {
	cpuID := b.apBootCPUID.Load()
	info := b.table.Lookup(cpuID)

	regs := b.regsFor(cpuID)
	lapic := apic.NewLocalAPIC(regs)
	ticks, _ := b.lapic.TicksPerMS()
	lapic.InitAP(ticks)

	b.seg.Install(cpuID)

	if info != nil {
		info.Features = arch.DetectFeatures(cpuid)
	}

	idle := b.sched.Registry().Create("idle", sched.Idle, 0, true)
	idle.AffinityMask = topology.Single(cpuID)
	idle.Bound = true
	b.sched.AddCPU(cpuID, idle.ID)

	b.readyCount.Inc()
	b.apBootDone.Store(true)
}

// SetStarter replaces the Starter, for callers that need the Bringup
// pointer inside their Starter (the fake AP runner cannot exist before
// the Bringup it drives).
func (b *Bringup) SetStarter(s Starter) {
	if s != nil {
		b.starter = s
	}
}

// IdleStep is one turn of the per-CPU idle loop each CPU enters once
// boot completes: dispatch if the run queue has work, otherwise try an
// idle-balance pull before halting. Returns true when it found something
// to run. The halt itself (sti; hlt until the next interrupt) is
// architecture glue outside this module; callers halt when IdleStep
// returns false.
func (b *Bringup) IdleStep(cpuID uint32) bool {
	if b.sched.NrRunning(cpuID) > 0 {
		b.sched.Schedule(cpuID)
		return true
	}
	if _, ok := balancer.IdleBalance(b.sched, cpuID); ok {
		b.sched.Schedule(cpuID)
		return true
	}
	return false
}

// CPUCount reports how many CPUs came online, the BSP included.
func (b *Bringup) CPUCount() uint32 { return b.cpuCount }

// ReadyCount reports how many APs have passed their rendezvous.
func (b *Bringup) ReadyCount() int32 { return b.readyCount.Load() }

// IOAPICs returns the initialized I/O APIC drivers keyed by id, for
// wiring an apic.Router.
func (b *Bringup) IOAPICs() map[uint32]*apic.IOAPIC { return b.ioapics }

// LocalAPIC returns the BSP's local APIC handle.
func (b *Bringup) LocalAPIC() *apic.LocalAPIC { return b.lapic }

func (b *Bringup) descriptorFor(cpuID uint32) (topology.CPUDescriptor, bool) {
	for _, d := range b.online.CPUs {
		if d.LogicalID == cpuID && d.Enabled {
			return d, true
		}
	}
	return topology.CPUDescriptor{}, false
}

func (b *Bringup) numaNodeOf(cpuID uint32) int {
	if d, ok := b.descriptorFor(cpuID); ok {
		return d.NUMANode
	}
	return 0
}
