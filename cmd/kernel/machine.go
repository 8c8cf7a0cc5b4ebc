package main

import (
	"github.com/osfree-project/smpcore/internal/apic"
	"github.com/osfree-project/smpcore/internal/arch"
	"github.com/osfree-project/smpcore/internal/config"
	"github.com/osfree-project/smpcore/internal/doscalls"
	"github.com/osfree-project/smpcore/internal/ipi"
	"github.com/osfree-project/smpcore/internal/klog"
	"github.com/osfree-project/smpcore/internal/mem"
	"github.com/osfree-project/smpcore/internal/percpu"
	"github.com/osfree-project/smpcore/internal/sched"
	"github.com/osfree-project/smpcore/internal/smp"
	"github.com/osfree-project/smpcore/internal/topology"
)

// machine is a whole simulated SMP system: the real core wired to fake
// hardware. Everything below the seam interfaces (MMIO, MSR, CPUID,
// delays) is simulated; everything above them - topology import,
// bring-up, scheduling, balancing, IPIs - is the same code a bare-metal
// build would run.
type machine struct {
	log    klog.Logger
	online *topology.Online
	table  *percpu.Table
	sched  *sched.Scheduler
	reg    *sched.Registry
	bring  *smp.Bringup
	dos    *doscalls.API
	disp   *ipi.Dispatch
	seg    arch.PerCPUSegment
}

// nopTimer skips boot-time delays; the simulated APs respond instantly.
type nopTimer struct{}

func (nopTimer) WaitUS(uint32) {}

// simStarter reacts to STARTUP the way hardware would: the target "core"
// runs the trampoline, which ends in APEntry. APIC ids listed in dead
// never respond, for exercising the AP-timeout path.
type simStarter struct {
	bring *smp.Bringup
	dead  map[uint32]bool
}

func (s *simStarter) StartAP(apicID uint32) {
	if s.dead[apicID] {
		return
	}
	cpuid := arch.NewFakeCPUID()
	cpuid.Set(0xb, 0, 0, 0, 0, apicID)
	s.bring.APEntry(cpuid)
}

type simTramp struct{}

func (simTramp) Install(mem.PA, *smp.BootTable) error { return nil }

// tableResolver adapts the per-CPU table to ipi.APICIDResolver.
type tableResolver struct{ table *percpu.Table }

func (r tableResolver) APICIDFor(cpuID uint32) (uint32, bool) {
	info := r.table.Lookup(cpuID)
	if info == nil {
		return 0, false
	}
	return info.APICID, true
}

type nopTLB struct{}

func (nopTLB) FlushTLB() {}

// buildMachine boots a simulated machine from a config. deadAPICIDs
// lists APIC ids that must never answer STARTUP (empty for a normal
// boot).
func buildMachine(cfg *config.Config, log klog.Logger, deadAPICIDs map[uint32]bool) (*machine, error) {
	snap := cfg.Snapshot()

	// The BSP's CPUID reports the APIC id the snapshot declares for it,
	// as it would on the real machine the snapshot describes.
	var bspAPICID uint32
	for _, c := range snap.CPUs {
		if c.LogicalID == snap.BSPID {
			bspAPICID = c.APICID
		}
	}
	cpuid := arch.NewFakeCPUID()
	cpuid.Set(0xb, 0, 0, 0, 0, bspAPICID)

	online, err := topology.Import(snap, bspAPICID)
	if err != nil {
		return nil, err
	}

	ioWindows := make(map[uint32]apic.IOAPICWindow)
	for _, io := range online.IOAPICs {
		ioWindows[io.ID] = apic.NewFakeIOAPICWindow(io.RedirectCount)
	}

	reg := sched.NewRegistry()
	table := percpu.NewTable()
	seg := arch.NewFakeSegment()

	bspRegs := apic.NewXAPICRegisters(apic.NewFakeMMIO())
	apRegs := make(map[uint32]apic.Registers)
	regsFor := func(cpuID uint32) apic.Registers {
		if r, ok := apRegs[cpuID]; ok {
			return r
		}
		r := apic.NewXAPICRegisters(apic.NewFakeMMIO())
		apRegs[cpuID] = r
		return r
	}

	m := &machine{log: log, online: online, table: table, reg: reg, seg: seg}

	s := sched.NewScheduler(reg, nil, nil)
	bring := smp.New(smp.Config{
		Log:       log,
		Online:    online,
		Alloc:     mem.NewFake(),
		Table:     table,
		Sched:     s,
		CPUID:     cpuid,
		Segment:   seg,
		Timer:     nopTimer{},
		Clock:     &apic.FakeClock{},
		BSPRegs:   bspRegs,
		RegsFor:   regsFor,
		IOWindows: ioWindows,
		Tramp:     simTramp{},
	})

	disp := ipi.NewDispatch(bring.LocalAPIC(), tableResolver{table}, bspRegs, s, nopTLB{})
	s.SetIPISender(disp)
	m.sched = s
	m.disp = disp
	m.bring = bring
	bring.SetStarter(&simStarter{bring: bring, dead: deadAPICIDs})

	if err := bring.InitBSP(0x1000); err != nil {
		return nil, err
	}
	bring.BootAll()

	m.dos = doscalls.New(s, seg)
	return m, nil
}
