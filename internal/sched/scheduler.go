// Package sched implements the O(1) priority-class scheduler core: a
// thread registry addressed by stable ThreadIDs, a bitmap-indexed run
// queue per online CPU, and the enqueue/dequeue/pick-next/tick/boost
// operations the rest of the kernel schedules through.
package sched

import (
	"time"

	"github.com/osfree-project/smpcore/internal/arch"
	katomic "github.com/osfree-project/smpcore/internal/atomic"
	"github.com/osfree-project/smpcore/internal/kerrors"
	"github.com/osfree-project/smpcore/internal/spinlock"
	"github.com/osfree-project/smpcore/internal/topology"
)

// IPISender is the seam internal/ipi implements to let the scheduler poke
// a remote CPU without sched importing ipi; neither package imports the
// other, and *ipi.Dispatch satisfies this directly. Schedule-side code only ever sends,
// never receives, through this interface.
type IPISender interface {
	SendReschedule(cpu uint32)
}

type noopIPISender struct{}

func (noopIPISender) SendReschedule(uint32) {}

// Scheduler owns the thread registry and one RunQueue per online CPU. Its
// GlobalLock serializes bring-up operations (AddCPU, topology changes);
// steady-state enqueue/dequeue/schedule only ever take a single RunQueue's
// lock. Per-CPU run-queue locks are never held two at a time: cross-CPU
// paths release the source queue before touching the destination.
type Scheduler struct {
	reg *Registry

	GlobalLock spinlock.Ticket
	queues     map[uint32]*RunQueue
	online     topology.CPUSet

	switcher    arch.ContextSwitcher
	ipi         IPISender
	needBalance katomic.Bool
}

// NewScheduler returns a Scheduler with no CPUs online yet. AddCPU must be
// called for each CPU before threads can run on it.
func NewScheduler(reg *Registry, switcher arch.ContextSwitcher, ipi IPISender) *Scheduler {
	if ipi == nil {
		ipi = noopIPISender{}
	}
	return &Scheduler{
		reg:      reg,
		queues:   make(map[uint32]*RunQueue),
		switcher: switcher,
		ipi:      ipi,
	}
}

// SetIPISender rebinds the reschedule-IPI send path. Bring-up wires the
// scheduler before the IPI dispatcher can exist (the dispatcher needs the
// BSP's APIC, which bring-up owns), so the sender is installed once the
// dispatcher is built and before any AP is released.
func (s *Scheduler) SetIPISender(ipi IPISender) {
	s.GlobalLock.Lock()
	defer s.GlobalLock.Unlock()
	if ipi != nil {
		s.ipi = ipi
	}
}

// AddCPU brings cpuID's run queue online, with idle as the thread to run
// when the queue has nothing else ready. Called once per CPU during SMP
// bring-up, before the CPU is released into its idle loop.
func (s *Scheduler) AddCPU(cpuID uint32, idle ThreadID) {
	s.GlobalLock.Lock()
	defer s.GlobalLock.Unlock()
	s.queues[cpuID] = NewRunQueue(cpuID, idle)
	s.online.Set(cpuID)
}

// RunQueueFor returns the run queue for cpuID, or nil if that CPU is not
// online.
func (s *Scheduler) RunQueueFor(cpuID uint32) *RunQueue {
	s.GlobalLock.Lock()
	defer s.GlobalLock.Unlock()
	return s.queues[cpuID]
}

// targetCPU picks the enqueue target: preferred_cpu if it is present in
// affinity_mask ∩ online, else the lowest-index CPU in
// affinity_mask ∩ online.
func (s *Scheduler) targetCPU(t *Thread) (uint32, *RunQueue, bool) {
	candidates := t.AffinityMask.Intersect(s.online)
	t.mu.Lock()
	hasPreferred := t.HasPreferred
	preferred := t.PreferredCPU
	t.mu.Unlock()
	if hasPreferred && candidates.Test(preferred) {
		return preferred, s.queues[preferred], true
	}
	cpu, ok := candidates.Lowest()
	if !ok {
		return 0, nil, false
	}
	return cpu, s.queues[cpu], true
}

// Enqueue places t on its target run queue and, if t now outranks the
// target's currently running thread, sets that CPU's reschedule flag and
// pokes it with a reschedule IPI.
func (s *Scheduler) Enqueue(t *Thread) error {
	s.GlobalLock.Lock()
	cpu, rq, ok := s.targetCPU(t)
	s.GlobalLock.Unlock()
	if !ok {
		return kerrors.New(kerrors.InvalidParameter, "no online CPU in affinity mask for thread %d", t.ID)
	}

	t.mu.Lock()
	t.state = Ready
	t.LastCPU = cpu
	t.mu.Unlock()

	class, level := t.Bucket()
	rq.Lock.Lock()
	rq.enqueueLocked(t.ID, class, level)
	rq.Load++
	cur := rq.Current
	rq.Lock.Unlock()

	if curT := s.reg.Lookup(cur); curT == nil || outranks(t, curT) {
		s.requestReschedule(cpu)
	}
	return nil
}

// outranks reports whether a has scheduling priority over b: a higher
// class always wins; within the same class a higher dynamic_priority
// wins, mirroring pick-next's highest-set-bit scan.
func outranks(a, b *Thread) bool {
	if a.Class != b.Class {
		return a.Class > b.Class
	}
	return a.DynamicPriority > b.DynamicPriority
}

// requestReschedule marks cpu's run queue for a reschedule at the next
// safe point and, since this scheduler has no notion of "self" without a
// caller-supplied current CPU, always pokes the target with an IPI - a
// CPU targeting itself simply receives and services its own reschedule
// vector, which is harmless.
func (s *Scheduler) requestReschedule(cpu uint32) {
	s.RequestReschedule(cpu)
	s.ipi.SendReschedule(cpu)
}

// Dequeue removes tid from cpu's run queue, used by Suspend/Kill/
// SetAffinity to pull a Ready thread out of the middle of its bucket.
func (s *Scheduler) Dequeue(cpu uint32, t *Thread) bool {
	rq := s.RunQueueFor(cpu)
	if rq == nil {
		return false
	}
	class, level := t.Bucket()
	rq.Lock.Lock()
	ok := rq.dequeueLocked(t.ID, class, level)
	if ok && rq.Load > 0 {
		rq.Load--
	}
	rq.Lock.Unlock()
	return ok
}

// Schedule picks the next thread to run on cpu, removes it from the ready
// queue, marks it Running, and context-switches into it. It returns the
// ThreadID now running. Callers (the CPU's own idle/dispatch loop) call
// this with interrupts disabled.
func (s *Scheduler) Schedule(cpu uint32) ThreadID {
	return s.schedule(cpu, false)
}

// schedule is Schedule's body. blocking is set when the current thread is
// leaving Running (Block): a blocking thread must switch away even under
// a positive preemption-disable depth, so the preempt short-circuit only
// applies to ordinary reschedules.
func (s *Scheduler) schedule(cpu uint32, blocking bool) ThreadID {
	rq := s.RunQueueFor(cpu)
	if rq == nil {
		return 0
	}

	rq.Lock.Lock()
	if rq.preempt != 0 && !blocking {
		cur := rq.Current
		rq.Lock.Unlock()
		return cur
	}
	rq.needResched = false

	prev := rq.Current
	prevT := s.reg.Lookup(prev)

	if prevT != nil && prev != rq.Idle {
		prevT.mu.Lock()
		if !prevT.LastScheduled.IsZero() {
			prevT.TotalRuntimeNS += uint64(time.Since(prevT.LastScheduled))
		}
		prevT.mu.Unlock()
	}

	// A prev still wanting to run (i.e. still Running, not off being
	// Blocked/Suspended/killed by the caller that invoked Schedule) goes
	// back to the tail of its own bucket before pick-next runs, so an
	// equal-or-higher-priority thread gets a turn.
	if prevT != nil && prev != rq.Idle && prevT.State() == Running {
		class, level := prevT.Bucket()
		rq.enqueueLocked(prev, class, level)
		rq.Load++
	}

	next, class, level, ok := rq.pickNextLocked()
	if !ok {
		next = rq.Idle
	} else {
		rq.dequeueLocked(next, class, level)
		if rq.Load > 0 {
			rq.Load--
		}
	}
	rq.Current = next
	rq.NrSwitches++
	rq.Lock.Unlock()

	if prevT != nil && prev != next && prevT.State() == Running {
		// prev was still Running and lost the CPU to someone else: a
		// preemption, not a voluntary switch.
		prevT.mu.Lock()
		prevT.state = Ready
		prevT.InvoluntarySwitches++
		prevT.mu.Unlock()
	}
	nextT := s.reg.Lookup(next)
	if nextT != nil {
		nextT.setState(Running)
		nextT.mu.Lock()
		nextT.timeslice = nextT.TimesliceMax
		nextT.LastScheduled = time.Now()
		nextT.ContextSwitches++
		nextT.mu.Unlock()
	}

	if s.switcher != nil && prev != next {
		var prevHandle, nextHandle arch.Handle
		if prevT != nil {
			prevHandle = prevT.SavedContext
		}
		if nextT != nil {
			nextHandle = nextT.SavedContext
		}
		s.switcher.Switch(prevHandle, nextHandle)
	}
	return next
}

// Tick is the periodic timer callback for cpu's run queue: it ages the
// current thread's timeslice, decays any active priority boost, and
// every LoadBalanceInterval ticks sets the global need-balance flag.
func (s *Scheduler) Tick(cpu uint32) (needResched bool) {
	rq := s.RunQueueFor(cpu)
	if rq == nil {
		return false
	}
	rq.Lock.Lock()
	rq.Clock++
	rq.TickCount++
	cur := rq.Current
	tick := rq.TickCount
	rq.Lock.Unlock()

	if tick%LoadBalanceInterval == 0 {
		s.needBalance.Store(true)
	}

	t := s.reg.Lookup(cur)
	if t == nil || cur == rq.Idle {
		return false
	}
	t.mu.Lock()
	if t.timeslice > 0 {
		t.timeslice--
	}
	if t.boostTicks > 0 {
		t.boostTicks--
		if t.boostTicks == 0 {
			t.BoostMagnitude = 0
			t.DynamicPriority = t.BasePriority
		}
	}
	expired := t.timeslice == 0
	t.mu.Unlock()
	if expired {
		s.RequestReschedule(cpu)
	}
	return expired
}

// NeedBalance reports and clears the global load-balance flag Tick sets
// every LoadBalanceInterval ticks, for internal/balancer to poll.
func (s *Scheduler) NeedBalance() bool {
	if !s.needBalance.Load() {
		return false
	}
	s.needBalance.Store(false)
	return true
}

// Yield voluntarily gives up the remainder of t's timeslice, requesting
// an immediate reschedule without counting it as a preemption.
func (s *Scheduler) Yield(t *Thread) {
	t.mu.Lock()
	t.timeslice = 0
	t.VoluntarySwitches++
	cpu := t.LastCPU
	t.mu.Unlock()
	s.RequestReschedule(cpu)
}

// Block moves t to Blocked on the given wait channel, removes it from
// whatever run queue currently holds it ready (a no-op if it is already
// running, since Running threads are not queued), and reschedules cpu so
// a blocked current thread actually leaves the CPU. The reschedule runs
// even under preempt_disable: blocking is the one exemption from the
// preemption counter.
func (s *Scheduler) Block(cpu uint32, t *Thread, waitChannel interface{}) {
	s.Dequeue(cpu, t)
	t.mu.Lock()
	t.state = Blocked
	t.WaitChannel = waitChannel
	t.VoluntarySwitches++
	t.mu.Unlock()

	s.schedule(cpu, true)
}

// Unblock moves t from Blocked back to Ready and re-enqueues it.
func (s *Scheduler) Unblock(t *Thread) error {
	t.mu.Lock()
	if t.state != Blocked {
		t.mu.Unlock()
		return kerrors.New(kerrors.InvalidParameter, "thread %d is not blocked", t.ID)
	}
	t.WaitChannel = nil
	t.mu.Unlock()
	return s.Enqueue(t)
}

// SetAffinity updates t's affinity mask. If t is currently Ready on a CPU
// now outside the new mask, it is dequeued and re-enqueued onto a
// permitted CPU immediately; a Running thread is chased with a
// reschedule request instead.
func (s *Scheduler) SetAffinity(t *Thread, mask topology.CPUSet) error {
	online := s.OnlineCPUs()
	if mask.Intersect(online).IsEmpty() {
		return kerrors.New(kerrors.InvalidParameter, "affinity mask disjoint from online CPUs")
	}

	t.mu.Lock()
	t.AffinityMask = mask
	state := t.state
	cpu := t.LastCPU
	outOfMask := !mask.Test(cpu)
	if outOfMask {
		if first, ok := mask.Intersect(online).Lowest(); ok {
			t.PreferredCPU = first
			t.HasPreferred = true
		}
	}
	t.mu.Unlock()

	if !outOfMask {
		return nil
	}
	switch state {
	case Ready:
		if s.Dequeue(cpu, t) {
			return s.Enqueue(t)
		}
	case Running:
		s.requestReschedule(cpu)
	}
	return nil
}

// Boost temporarily raises (a negative magnitude lowers) t's dynamic
// priority by magnitude for durationTicks, the anti-starvation
// mechanism. If t is currently Ready, it is re-bucketed immediately.
func (s *Scheduler) Boost(t *Thread, magnitude int8, durationTicks uint32) {
	t.mu.Lock()
	wasReady := t.state == Ready
	cpu := t.LastCPU
	class, oldLevel := t.Class, t.DynamicPriority%LevelsPerClass
	t.BoostMagnitude = magnitude
	t.boostTicks = durationTicks
	t.DynamicPriority = clamp31(int(t.BasePriority) + int(magnitude))
	newLevel := t.DynamicPriority % LevelsPerClass
	t.mu.Unlock()

	if !wasReady || newLevel == oldLevel {
		return
	}
	rq := s.RunQueueFor(cpu)
	if rq == nil {
		return
	}
	rq.Lock.Lock()
	if rq.dequeueLocked(t.ID, class, oldLevel) {
		rq.enqueueLocked(t.ID, class, newLevel)
	}
	rq.Lock.Unlock()
}

// PreemptDisable bumps cpu's preemption-disable depth.
func (s *Scheduler) PreemptDisable(cpu uint32) {
	rq := s.RunQueueFor(cpu)
	if rq == nil {
		return
	}
	rq.Lock.Lock()
	rq.preempt++
	rq.Lock.Unlock()
}

// PreemptEnable decrements cpu's preemption-disable depth and, on
// reaching zero with a reschedule pending, calls Schedule.
func (s *Scheduler) PreemptEnable(cpu uint32) {
	rq := s.RunQueueFor(cpu)
	if rq == nil {
		return
	}
	rq.Lock.Lock()
	rq.preempt--
	runNow := rq.preempt == 0 && rq.needResched
	if runNow {
		rq.needResched = false
	}
	rq.Lock.Unlock()

	if runNow {
		s.Schedule(cpu)
	}
}

// RequestReschedule marks cpu's run queue for a reschedule at the next
// preempt_enable or schedule() call, without sending an IPI itself. It
// implements the ipi package's Rescheduler seam so a Reschedule ISR can
// call straight into the scheduler without sched importing ipi.
func (s *Scheduler) RequestReschedule(cpu uint32) {
	rq := s.RunQueueFor(cpu)
	if rq == nil {
		return
	}
	rq.Lock.Lock()
	rq.needResched = true
	rq.Lock.Unlock()
}

// OnlineCPUs returns a snapshot of the CPUs currently registered with the
// scheduler.
func (s *Scheduler) OnlineCPUs() topology.CPUSet {
	s.GlobalLock.Lock()
	defer s.GlobalLock.Unlock()
	return s.online
}

// Registry exposes the scheduler's thread registry for callers (doscalls,
// ipi) that need to resolve a ThreadID to its Thread.
func (s *Scheduler) Registry() *Registry { return s.reg }

// Busiest returns the online CPU other than thisCPU with the highest
// nr_running, along with that count, for internal/balancer's busiest-CPU
// scan. Reports ok=false if thisCPU is the only online CPU.
func (s *Scheduler) Busiest(thisCPU uint32) (cpu uint32, nrRunning uint32, ok bool) {
	s.GlobalLock.Lock()
	online := s.online
	s.GlobalLock.Unlock()

	for c := uint32(0); c < topology.MaxCPUs; c++ {
		if c == thisCPU || !online.Test(c) {
			continue
		}
		rq := s.RunQueueFor(c)
		if rq == nil {
			continue
		}
		rq.Lock.Lock()
		nr := rq.NrRunning
		rq.Lock.Unlock()
		if !ok || nr > nrRunning {
			cpu, nrRunning, ok = c, nr, true
		}
	}
	return cpu, nrRunning, ok
}

// NrRunning returns the current ready-queue length for cpu, or 0 if it is
// not online.
func (s *Scheduler) NrRunning(cpu uint32) uint32 {
	rq := s.RunQueueFor(cpu)
	if rq == nil {
		return 0
	}
	rq.Lock.Lock()
	defer rq.Lock.Unlock()
	return rq.NrRunning
}

// PullFrom scans busiestCPU's run queue, lowest class first and lowest
// level first within a class, for the first ready thread that may run on
// thisCPU: its affinity mask includes thisCPU, it is not Bound, and (when
// hotGuard is positive) it has not run within hotGuard of now. On a hit
// it dequeues the thread from busiestCPU and enqueues it on thisCPU,
// returning its id.
func (s *Scheduler) PullFrom(thisCPU, busiestCPU uint32, hotGuard time.Duration) (ThreadID, bool) {
	busy := s.RunQueueFor(busiestCPU)
	if busy == nil {
		return 0, false
	}

	busy.Lock.Lock()
	var (
		picked      ThreadID
		pickedClass Class
		pickedLevel uint8
		found       bool
	)
	now := time.Now()
scan:
	for class := Class(0); class < NumClasses; class++ {
		if busy.activeBitmap[class] == 0 && busy.classBitmap&(1<<class) == 0 {
			continue
		}
		for level := 0; level < LevelsPerClass; level++ {
			b := &busy.buckets[class][level]
			for _, tid := range b.ids {
				if tid == busy.Current || tid == busy.Idle {
					continue
				}
				th := s.reg.Lookup(tid)
				if th == nil {
					continue
				}
				th.mu.Lock()
				affinityOK := th.AffinityMask.Test(thisCPU)
				bound := th.Bound
				lastRun := th.LastScheduled
				th.mu.Unlock()
				if !affinityOK || bound {
					continue
				}
				if hotGuard > 0 && now.Sub(lastRun) < hotGuard {
					continue
				}
				picked, pickedClass, pickedLevel, found = tid, class, uint8(level), true
				break scan
			}
		}
	}
	if !found {
		busy.Lock.Unlock()
		return 0, false
	}
	busy.dequeueLocked(picked, pickedClass, pickedLevel)
	if busy.Load > 0 {
		busy.Load--
	}
	busy.Lock.Unlock()

	th := s.reg.Lookup(picked)
	if th == nil {
		return 0, false
	}
	th.mu.Lock()
	th.PreferredCPU = thisCPU
	th.HasPreferred = true
	th.migrating = true
	th.mu.Unlock()

	s.Enqueue(th)

	th.mu.Lock()
	th.migrating = false
	th.mu.Unlock()

	return picked, true
}
