package doscalls

import (
	"testing"
	"time"

	"github.com/osfree-project/smpcore/internal/arch"
	"github.com/osfree-project/smpcore/internal/kerrors"
	"github.com/osfree-project/smpcore/internal/sched"
)

func newTestAPI(t *testing.T) (*API, *sched.Scheduler, *sched.Registry) {
	t.Helper()
	reg := sched.NewRegistry()
	s := sched.NewScheduler(reg, nil, nil)
	for cpu := uint32(0); cpu < 4; cpu++ {
		idle := reg.Create("idle", sched.Idle, 0, true)
		s.AddCPU(cpu, idle.ID)
	}
	seg := arch.NewFakeSegment()
	seg.Install(0)
	return New(s, seg), s, reg
}

func TestCreateThreadDefaults(t *testing.T) {
	api, s, reg := newTestAPI(t)
	tid, err := api.CreateThread("worker", CreateReady)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	th := reg.Lookup(tid)
	if th.Class != sched.Regular || th.BasePriority != 16 {
		t.Fatalf("defaults = (%v,%d), want (Regular,16)", th.Class, th.BasePriority)
	}
	if th.State() != sched.Ready {
		t.Fatalf("state = %v, want Ready", th.State())
	}
	if s.NrRunning(th.LastCPU) != 1 {
		t.Fatal("created-ready thread not enqueued")
	}
}

func TestCreateThreadSuspended(t *testing.T) {
	api, _, reg := newTestAPI(t)
	tid, err := api.CreateThread("worker", CreateSuspended)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	th := reg.Lookup(tid)
	if th.State() != sched.Suspended || th.SuspendCount != 1 {
		t.Fatalf("state = %v count = %d, want Suspended/1", th.State(), th.SuspendCount)
	}
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	api, s, reg := newTestAPI(t)
	tid, _ := api.CreateThread("worker", CreateReady)
	th := reg.Lookup(tid)
	cpu := th.LastCPU

	if err := api.SuspendThread(tid); err != nil {
		t.Fatalf("SuspendThread: %v", err)
	}
	if th.State() != sched.Suspended || s.NrRunning(cpu) != 0 {
		t.Fatalf("after suspend: state=%v nr=%d", th.State(), s.NrRunning(cpu))
	}

	if err := api.ResumeThread(tid); err != nil {
		t.Fatalf("ResumeThread: %v", err)
	}
	if th.State() != sched.Ready {
		t.Fatalf("after resume: state=%v, want Ready", th.State())
	}
}

func TestResumeNotFrozen(t *testing.T) {
	api, _, _ := newTestAPI(t)
	tid, _ := api.CreateThread("worker", CreateReady)
	err := api.ResumeThread(tid)
	if !kerrors.Is(err, kerrors.NotFrozen) {
		t.Fatalf("ResumeThread = %v, want NotFrozen", err)
	}
}

func TestSetPriorityBoundaries(t *testing.T) {
	api, _, reg := newTestAPI(t)
	tid, _ := api.CreateThread("worker", CreateReady)

	// delta = ±31 accepted, ±32 rejected; class 5+ rejected; class 0 means
	// no change.
	if err := api.SetPriority(tid, 3, 31); err != nil {
		t.Fatalf("SetPriority(3,31): %v", err)
	}
	if err := api.SetPriority(tid, 2, -31); err != nil {
		t.Fatalf("SetPriority(2,-31): %v", err)
	}
	if err := api.SetPriority(tid, 2, 32); !kerrors.Is(err, kerrors.InvalidPriorityClassOrDelta) {
		t.Fatalf("SetPriority(2,32) = %v, want InvalidPriorityClassOrDelta", err)
	}
	if err := api.SetPriority(tid, 5, 0); !kerrors.Is(err, kerrors.InvalidPriorityClassOrDelta) {
		t.Fatalf("SetPriority(5,0) = %v, want InvalidPriorityClassOrDelta", err)
	}

	th := reg.Lookup(tid)
	before := th.Class
	if err := api.SetPriority(tid, 0, 0); err != nil {
		t.Fatalf("SetPriority(0,0): %v", err)
	}
	if th.Class != before {
		t.Fatalf("class 0 changed the class: %v -> %v", before, th.Class)
	}
}

func TestKillThreadMarksTerminatingAndWakesBlocked(t *testing.T) {
	api, s, reg := newTestAPI(t)
	tid, _ := api.CreateThread("worker", CreateReady)
	th := reg.Lookup(tid)

	s.Block(th.LastCPU, th, "chan")
	if err := api.KillThread(tid); err != nil {
		t.Fatalf("KillThread: %v", err)
	}
	if !th.Terminating() {
		t.Fatal("thread not marked terminating")
	}
	if th.State() != sched.Ready {
		t.Fatalf("blocked victim state = %v, want Ready (woken)", th.State())
	}
}

func TestKillUnknownThread(t *testing.T) {
	api, _, _ := newTestAPI(t)
	if err := api.KillThread(9999); !kerrors.Is(err, kerrors.InvalidThreadID) {
		t.Fatalf("KillThread(9999) = %v, want InvalidThreadID", err)
	}
}

func TestSleepZeroIsYield(t *testing.T) {
	api, _, reg := newTestAPI(t)
	tid, _ := api.CreateThread("worker", CreateReady)
	th := reg.Lookup(tid)

	api.Sleep(th, 0)
	if th.State() == sched.Blocked {
		t.Fatal("Sleep(0) blocked the thread; it must only yield")
	}
}

func TestSleepWakesOnDeadline(t *testing.T) {
	api, _, reg := newTestAPI(t)
	tid, _ := api.CreateThread("worker", CreateReady)
	th := reg.Lookup(tid)

	api.Sleep(th, 1000)
	if th.State() != sched.Blocked {
		t.Fatalf("state = %v, want Blocked", th.State())
	}

	if n := api.WakeExpired(time.Now()); n != 0 {
		t.Fatalf("WakeExpired before deadline woke %d", n)
	}
	if n := api.WakeExpired(time.Now().Add(2 * time.Second)); n != 1 {
		t.Fatalf("WakeExpired after deadline woke %d, want 1", n)
	}
	if th.State() != sched.Ready {
		t.Fatalf("state after wake = %v, want Ready", th.State())
	}
}

func TestCritSecUnderflow(t *testing.T) {
	api, _, _ := newTestAPI(t)
	if err := api.ExitCritSec(); !kerrors.Is(err, kerrors.CritSecUnderflow) {
		t.Fatalf("ExitCritSec = %v, want CritSecUnderflow", err)
	}
	api.EnterCritSec()
	if err := api.ExitCritSec(); err != nil {
		t.Fatalf("balanced ExitCritSec: %v", err)
	}
}

func TestAffinityRoundTrip(t *testing.T) {
	api, _, _ := newTestAPI(t)
	tid, _ := api.CreateThread("worker", CreateReady)

	if err := api.SetThreadAffinity(tid, 0b0100); err != nil {
		t.Fatalf("SetThreadAffinity: %v", err)
	}
	mask, err := api.GetThreadAffinity(tid)
	if err != nil {
		t.Fatalf("GetThreadAffinity: %v", err)
	}
	if mask != 0b0100 {
		t.Fatalf("mask = %#b, want 0b0100", mask)
	}
}

func TestAffinityOfflineOnlyRejected(t *testing.T) {
	api, _, _ := newTestAPI(t)
	tid, _ := api.CreateThread("worker", CreateReady)
	// CPUs 4..63 are offline in the 4-CPU test scheduler.
	err := api.SetThreadAffinity(tid, 1<<40)
	if !kerrors.Is(err, kerrors.InvalidParameter) {
		t.Fatalf("offline-only mask = %v, want InvalidParameter", err)
	}
}

func TestQuerySysInfo(t *testing.T) {
	api, _, _ := newTestAPI(t)
	si := api.QuerySysInfo()
	if si.NumCPUs != 4 {
		t.Fatalf("NumCPUs = %d, want 4", si.NumCPUs)
	}
	if si.CurrentCPUID != 0 {
		t.Fatalf("CurrentCPUID = %d, want 0", si.CurrentCPUID)
	}
	if si.VersionMajor != 20 || si.VersionMinor != 45 {
		t.Fatalf("version = %d.%d, want 20.45", si.VersionMajor, si.VersionMinor)
	}
}
