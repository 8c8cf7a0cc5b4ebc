// Package doscalls is the thin OS/2 DOSCALLS thread adapter over the
// scheduler: DosCreateThread, DosKillThread, DosSuspendThread,
// DosResumeThread, DosSetPriority, DosSleep, DosEnterCritSec/
// DosExitCritSec, the SMP affinity extensions, and DosQuerySysInfo.
// It is a thin adapter: all real scheduling policy lives in the sched
// package; this layer only translates OS/2 calling conventions and error
// codes.
package doscalls

import (
	"sync"
	"time"

	"github.com/osfree-project/smpcore/internal/arch"
	"github.com/osfree-project/smpcore/internal/kerrors"
	"github.com/osfree-project/smpcore/internal/sched"
	"github.com/osfree-project/smpcore/internal/topology"
)

// Creation flags for CreateThread, matching OS/2's CREATE_READY and
// CREATE_SUSPENDED.
const (
	CreateReady     = 0
	CreateSuspended = 1
)

// OS/2 Warp 4-compatible version numbers reported by QuerySysInfo.
const (
	VersionMajor = 20
	VersionMinor = 45
)

// SysInfo is QuerySysInfo's result: the CPU counts and the OS/2 version
// pair the personality queries at startup.
type SysInfo struct {
	NumCPUs      uint32
	CurrentCPUID uint32
	VersionMajor uint32
	VersionMinor uint32
}

// API is the DOSCALLS thread surface bound to one scheduler instance.
// The wait-channel table backing Sleep/Wake is a plain map keyed by
// channel value; see DESIGN.md for the representation choice.
type API struct {
	sched *sched.Scheduler
	seg   arch.PerCPUSegment

	mu       sync.Mutex
	waiters  map[interface{}][]sched.ThreadID
	deadline map[sched.ThreadID]time.Time

	critSec map[uint32]uint32 // per-CPU critical-section depth
}

// New binds the API to a scheduler and the per-CPU segment used to answer
// "which CPU am I on".
func New(s *sched.Scheduler, seg arch.PerCPUSegment) *API {
	return &API{
		sched:    s,
		seg:      seg,
		waiters:  make(map[interface{}][]sched.ThreadID),
		deadline: make(map[sched.ThreadID]time.Time),
		critSec:  make(map[uint32]uint32),
	}
}

// CreateThread creates a thread in the Regular class at the middle
// priority, full affinity, preferring the calling CPU, exactly
// DosCreateThread's defaults. flag selects Ready or Suspended start.
func (a *API) CreateThread(name string, flag int) (sched.ThreadID, error) {
	startReady := flag != CreateSuspended
	t := a.sched.Registry().Create(name, sched.Regular, 16, startReady)
	t.PreferredCPU = a.currentCPU()
	t.HasPreferred = true
	if startReady {
		if err := a.sched.Enqueue(t); err != nil {
			return 0, err
		}
	}
	return t.ID, nil
}

// KillThread marks the target Terminating and makes sure it observes the
// flag promptly: a Blocked target is woken, a target Running on another
// CPU gets a reschedule request. A thread cannot kill itself this way.
func (a *API) KillThread(tid sched.ThreadID) error {
	t := a.sched.Registry().Lookup(tid)
	if t == nil {
		return kerrors.New(kerrors.InvalidThreadID, "thread %d", tid)
	}
	if a.isCurrent(t) {
		return kerrors.New(kerrors.InvalidThreadID, "thread %d cannot kill itself", tid)
	}
	t.MarkTerminating()
	switch t.State() {
	case sched.Blocked:
		a.dropWaiter(tid)
		return a.sched.Unblock(t)
	case sched.Running:
		if t.LastCPU != a.currentCPU() {
			a.sched.RequestReschedule(t.LastCPU)
		}
	}
	return nil
}

// SuspendThread increments the suspend count and pulls a Ready target off
// its run queue. A Running target has its CPU's reschedule flag set (no
// IPI is sent) so it leaves the CPU at that CPU's next preemption point.
func (a *API) SuspendThread(tid sched.ThreadID) error {
	t := a.sched.Registry().Lookup(tid)
	if t == nil {
		return kerrors.New(kerrors.InvalidThreadID, "thread %d", tid)
	}
	t.SuspendCount++
	switch t.State() {
	case sched.Ready:
		a.sched.Dequeue(t.LastCPU, t)
		t.SetSuspended()
	case sched.Running:
		t.SetSuspended()
		a.sched.RequestReschedule(t.LastCPU)
	}
	return nil
}

// ResumeThread decrements the suspend count; when it reaches zero a
// Suspended thread returns to Ready. Resuming a never-suspended thread is
// NotFrozen.
func (a *API) ResumeThread(tid sched.ThreadID) error {
	t := a.sched.Registry().Lookup(tid)
	if t == nil {
		return kerrors.New(kerrors.InvalidThreadID, "thread %d", tid)
	}
	if t.SuspendCount == 0 {
		return kerrors.New(kerrors.NotFrozen, "thread %d is not suspended", tid)
	}
	t.SuspendCount--
	if t.SuspendCount == 0 && t.State() == sched.Suspended {
		return a.sched.Enqueue(t)
	}
	return nil
}

// SetPriority applies an OS/2 (class, delta) pair to a thread. Class 0
// means "no change"; class 5+ and |delta| > 31 are rejected. The mapping
// is OS2ToInternal and nothing else re-derives levels behind its back.
func (a *API) SetPriority(tid sched.ThreadID, prtyClass int, delta int) error {
	t := a.sched.Registry().Lookup(tid)
	if t == nil {
		return kerrors.New(kerrors.InvalidThreadID, "thread %d", tid)
	}
	if prtyClass < 0 || prtyClass > 4 {
		return kerrors.New(kerrors.InvalidPriorityClassOrDelta, "class %d", prtyClass)
	}
	if delta < -31 || delta > 31 {
		return kerrors.New(kerrors.InvalidPriorityClassOrDelta, "delta %d", delta)
	}

	effClass := prtyClass
	if effClass == 0 {
		// No class change: keep the thread's current class, apply delta
		// within it.
		effClass = int(t.Class) + 1
	}
	class, level, ok := sched.OS2ToInternal(effClass, delta)
	if !ok {
		return kerrors.New(kerrors.InvalidPriorityClassOrDelta, "class %d delta %d", prtyClass, delta)
	}

	wasReady := t.State() == sched.Ready
	if wasReady {
		a.sched.Dequeue(t.LastCPU, t)
	}
	t.Class = class
	t.BasePriority = level
	t.DynamicPriority = level
	if wasReady {
		return a.sched.Enqueue(t)
	}
	return nil
}

// Sleep blocks the calling thread for ms milliseconds. Sleep(0) is
// exactly a yield. A sleeping thread wakes on WakeExpired once its
// deadline passes, or early via Wake on its channel.
func (a *API) Sleep(t *sched.Thread, ms uint32) {
	if ms == 0 {
		a.sched.Yield(t)
		a.sched.Schedule(t.LastCPU)
		return
	}
	channel := sleepChannel{tid: t.ID}
	a.mu.Lock()
	a.waiters[channel] = append(a.waiters[channel], t.ID)
	a.deadline[t.ID] = time.Now().Add(time.Duration(ms) * time.Millisecond)
	a.mu.Unlock()
	a.sched.Block(t.LastCPU, t, channel)
}

// sleepChannel is the per-thread wait channel Sleep blocks on; keyed by
// tid so Wake can address one sleeper.
type sleepChannel struct{ tid sched.ThreadID }

// Wake unblocks every thread waiting on channel; Sleep's cancellation
// path goes through it.
func (a *API) Wake(channel interface{}) int {
	a.mu.Lock()
	tids := a.waiters[channel]
	delete(a.waiters, channel)
	for _, tid := range tids {
		delete(a.deadline, tid)
	}
	a.mu.Unlock()

	woken := 0
	for _, tid := range tids {
		t := a.sched.Registry().Lookup(tid)
		if t == nil || t.State() != sched.Blocked {
			continue
		}
		if a.sched.Unblock(t) == nil {
			woken++
		}
	}
	return woken
}

// WakeExpired wakes every sleeper whose deadline is at or before now.
// The timer tick path calls this once per tick.
func (a *API) WakeExpired(now time.Time) int {
	a.mu.Lock()
	var due []interface{}
	for tid, dl := range a.deadline {
		if !dl.After(now) {
			due = append(due, sleepChannel{tid: tid})
		}
	}
	a.mu.Unlock()

	woken := 0
	for _, ch := range due {
		woken += a.Wake(ch)
	}
	return woken
}

// EnterCritSec disables preemption on the calling CPU and bumps its
// critical-section depth, DosEnterCritSec's SMP-note semantics: only this
// CPU's thread switching is affected.
func (a *API) EnterCritSec() {
	cpu := a.currentCPU()
	a.mu.Lock()
	a.critSec[cpu]++
	a.mu.Unlock()
	a.sched.PreemptDisable(cpu)
}

// ExitCritSec undoes one EnterCritSec; with no matching enter it is
// CritSecUnderflow.
func (a *API) ExitCritSec() error {
	cpu := a.currentCPU()
	a.mu.Lock()
	if a.critSec[cpu] == 0 {
		a.mu.Unlock()
		return kerrors.New(kerrors.CritSecUnderflow, "exit-critical with count 0 on cpu %d", cpu)
	}
	a.critSec[cpu]--
	a.mu.Unlock()
	a.sched.PreemptEnable(cpu)
	return nil
}

// SetThreadAffinity applies a 64-bit OS/2 affinity mask to a thread. At
// least one masked CPU must be online.
func (a *API) SetThreadAffinity(tid sched.ThreadID, mask uint64) error {
	t := a.sched.Registry().Lookup(tid)
	if t == nil {
		return kerrors.New(kerrors.InvalidThreadID, "thread %d", tid)
	}
	var set topology.CPUSet
	for cpu := uint32(0); cpu < 64; cpu++ {
		if mask&(1<<cpu) != 0 {
			set.Set(cpu)
		}
	}
	return a.sched.SetAffinity(t, set)
}

// GetThreadAffinity returns the low 64 bits of a thread's affinity mask,
// the width the OS/2 extension API exposes.
func (a *API) GetThreadAffinity(tid sched.ThreadID) (uint64, error) {
	t := a.sched.Registry().Lookup(tid)
	if t == nil {
		return 0, kerrors.New(kerrors.InvalidThreadID, "thread %d", tid)
	}
	var mask uint64
	for cpu := uint32(0); cpu < 64; cpu++ {
		if t.AffinityMask.Test(cpu) {
			mask |= 1 << cpu
		}
	}
	return mask, nil
}

// QuerySysInfo reports the SMP-visible system facts the OS/2 personality
// queries at startup.
func (a *API) QuerySysInfo() SysInfo {
	var n uint32
	online := a.sched.OnlineCPUs()
	for cpu := uint32(0); cpu < topology.MaxCPUs; cpu++ {
		if online.Test(cpu) {
			n++
		}
	}
	return SysInfo{
		NumCPUs:      n,
		CurrentCPUID: a.currentCPU(),
		VersionMajor: VersionMajor,
		VersionMinor: VersionMinor,
	}
}

func (a *API) currentCPU() uint32 { return a.seg.CurrentCPU() }

func (a *API) isCurrent(t *sched.Thread) bool {
	rq := a.sched.RunQueueFor(a.currentCPU())
	return rq != nil && rq.Current == t.ID
}

func (a *API) dropWaiter(tid sched.ThreadID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.deadline, tid)
	for ch, tids := range a.waiters {
		for i, id := range tids {
			if id == tid {
				a.waiters[ch] = append(tids[:i], tids[i+1:]...)
				break
			}
		}
		if len(a.waiters[ch]) == 0 {
			delete(a.waiters, ch)
		}
	}
}
