package balancer

import (
	"testing"
	"time"

	"github.com/osfree-project/smpcore/internal/sched"
	"github.com/osfree-project/smpcore/internal/topology"
)

// fakeSched scripts the busiest-CPU answer and records pulls, so the
// imbalance arithmetic is tested apart from the real scheduler.
type fakeSched struct {
	nr        map[uint32]uint32
	busiest   uint32
	busiestOK bool
	pulled    []time.Duration
	pullOK    bool
}

func (f *fakeSched) NrRunning(cpu uint32) uint32 { return f.nr[cpu] }

func (f *fakeSched) Busiest(thisCPU uint32) (uint32, uint32, bool) {
	return f.busiest, f.nr[f.busiest], f.busiestOK
}

func (f *fakeSched) PullFrom(thisCPU, busiestCPU uint32, hotGuard time.Duration) (sched.ThreadID, bool) {
	f.pulled = append(f.pulled, hotGuard)
	if !f.pullOK {
		return 0, false
	}
	return 1, true
}

func TestBalanceRespectsImbalanceThreshold(t *testing.T) {
	// busiest has exactly this_load + threshold: no pull.
	f := &fakeSched{nr: map[uint32]uint32{0: 1, 1: 2}, busiest: 1, busiestOK: true, pullOK: true}
	if _, ok := Balance(f, 0); ok {
		t.Fatal("Balance pulled at threshold; must require strictly more")
	}
	if len(f.pulled) != 0 {
		t.Fatal("PullFrom called despite balanced load")
	}

	// One more thread tips it over.
	f.nr[1] = 3
	if _, ok := Balance(f, 0); !ok {
		t.Fatal("Balance did not pull from an imbalanced CPU")
	}
}

func TestBalanceUsesCacheHotGuard(t *testing.T) {
	f := &fakeSched{nr: map[uint32]uint32{0: 0, 1: 3}, busiest: 1, busiestOK: true, pullOK: true}
	Balance(f, 0)
	if len(f.pulled) != 1 || f.pulled[0] != sched.CacheHotGuard {
		t.Fatalf("periodic balance hotGuard = %v, want %v", f.pulled, sched.CacheHotGuard)
	}
}

func TestIdleBalanceSkipsHotGuard(t *testing.T) {
	f := &fakeSched{nr: map[uint32]uint32{0: 0, 1: 3}, busiest: 1, busiestOK: true, pullOK: true}
	IdleBalance(f, 0)
	if len(f.pulled) != 1 || f.pulled[0] != 0 {
		t.Fatalf("idle balance hotGuard = %v, want 0", f.pulled)
	}
}

func TestBalanceNoSiblings(t *testing.T) {
	f := &fakeSched{nr: map[uint32]uint32{0: 0}, busiestOK: false}
	if _, ok := Balance(f, 0); ok {
		t.Fatal("Balance pulled with no online sibling")
	}
}

// TestMigrationViaImbalance drives the real scheduler: four eligible
// threads on CPU0, CPU1 idle; each balancer pass moves exactly one
// thread, reaching (3,1) and then (2,2), and a third pass moves none.
func TestMigrationViaImbalance(t *testing.T) {
	reg := sched.NewRegistry()
	s := sched.NewScheduler(reg, nil, nil)
	idle0 := reg.Create("idle0", sched.Idle, 0, true)
	idle1 := reg.Create("idle1", sched.Idle, 0, true)
	s.AddCPU(0, idle0.ID)
	s.AddCPU(1, idle1.ID)

	for i := 0; i < 4; i++ {
		th := reg.Create("busy", sched.Regular, 16, true)
		th.PreferredCPU = 0
		th.HasPreferred = true
		if err := s.Enqueue(th); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		th.LastScheduled = time.Now().Add(-10 * time.Millisecond)
	}

	moved, ok := Balance(s, 1)
	if !ok {
		t.Fatal("Balance moved nothing")
	}
	if n0, n1 := s.NrRunning(0), s.NrRunning(1); n0 != 3 || n1 != 1 {
		t.Fatalf("nr_running = (%d,%d), want (3,1)", n0, n1)
	}
	th := reg.Lookup(moved)
	if th.LastCPU != 1 {
		t.Fatalf("moved thread last_cpu = %d, want 1", th.LastCPU)
	}

	// (3,1) still exceeds the threshold (3 > 1+1), so a second pass moves
	// one more thread.
	if _, ok := Balance(s, 1); !ok {
		t.Fatal("second pass moved nothing from an over-threshold queue")
	}
	if n0, n1 := s.NrRunning(0), s.NrRunning(1); n0 != 2 || n1 != 2 {
		t.Fatalf("nr_running = (%d,%d), want (2,2)", n0, n1)
	}

	// A third immediate pass must not move another: (2,2) is within
	// the threshold.
	if _, ok := Balance(s, 1); ok {
		t.Fatal("third pass moved a thread from a within-threshold queue")
	}
}

// TestBoundThreadNeverMigrates pins a thread and checks the balancer
// leaves it alone even under imbalance.
func TestBoundThreadNeverMigrates(t *testing.T) {
	reg := sched.NewRegistry()
	s := sched.NewScheduler(reg, nil, nil)
	idle0 := reg.Create("idle0", sched.Idle, 0, true)
	idle1 := reg.Create("idle1", sched.Idle, 0, true)
	s.AddCPU(0, idle0.ID)
	s.AddCPU(1, idle1.ID)

	for i := 0; i < 3; i++ {
		th := reg.Create("bound", sched.Regular, 16, true)
		th.AffinityMask = topology.Single(0)
		th.Bound = true
		if err := s.Enqueue(th); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		th.LastScheduled = time.Now().Add(-10 * time.Millisecond)
	}

	if _, ok := IdleBalance(s, 1); ok {
		t.Fatal("balancer migrated a bound thread")
	}
}
