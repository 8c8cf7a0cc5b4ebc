package sched

import (
	"sync"
	"time"

	"github.com/osfree-project/smpcore/internal/spinlock"
	"github.com/osfree-project/smpcore/internal/topology"
)

// ThreadID is the stable id threads are addressed by. Run queues and
// per-CPU info hold ThreadIDs rather than *Thread pointers, breaking the
// Thread / run-queue / CPU-info reference cycle with a slab of stable
// ids. Zero is never a valid id.
type ThreadID uint32

// State is a thread's scheduling state.
type State uint8

const (
	Ready State = iota
	Running
	Blocked
	Suspended
	Zombie
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Suspended:
		return "Suspended"
	case Zombie:
		return "Zombie"
	default:
		return "Unknown"
	}
}

// Thread is the independently schedulable unit, owned by a process.
// Mutable fields not covered by whichever run-queue lock currently owns
// the thread (Blocked/Suspended/Zombie threads own no queue) are guarded
// by mu, which sits below any single run-queue lock in the ordering.
type Thread struct {
	mu spinlock.Ticket

	ID      ThreadID
	Name    string
	Process uintptr // weak owning-process reference; opaque to this package

	Class          Class
	BasePriority   uint8 // 0..31 within class
	DynamicPriority uint8
	state          State

	TimesliceMax uint32
	timeslice    uint32

	AffinityMask topology.CPUSet
	LastCPU      uint32
	PreferredCPU uint32
	HasPreferred bool

	SuspendCount uint32
	WaitChannel  interface{}

	BoostMagnitude int8
	boostTicks     uint32

	TotalRuntimeNS   uint64
	LastScheduled    time.Time
	VoluntarySwitches   uint64
	InvoluntarySwitches uint64
	ContextSwitches     uint64

	Bound       bool
	migrating   bool
	terminating bool

	SavedContext interface{}
}

// NewThread constructs a Thread in Suspended or Ready state, the only
// two states a thread can be created in.
func NewThread(id ThreadID, name string, class Class, basePriority uint8, startReady bool) *Thread {
	t := &Thread{
		ID:              id,
		Name:            name,
		Class:           class,
		BasePriority:    basePriority,
		DynamicPriority: basePriority,
		TimesliceMax:    DefaultTimeslice,
		timeslice:       DefaultTimeslice,
		AffinityMask:    fullMask(),
	}
	if startReady {
		t.state = Ready
	} else {
		t.state = Suspended
		t.SuspendCount = 1
	}
	return t
}

func fullMask() topology.CPUSet {
	var m topology.CPUSet
	for i := uint32(0); i < topology.MaxCPUs; i++ {
		m.Set(i)
	}
	return m
}

// State returns the thread's current state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thread) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// SetSuspended moves the thread to Suspended. Callers (the DOSCALLS
// suspend path) must have already pulled it off any run queue: a
// Suspended thread is on zero buckets.
func (t *Thread) SetSuspended() {
	t.setState(Suspended)
}

// SetZombie moves the thread to Zombie, ready for the registry to reap.
func (t *Thread) SetZombie() {
	t.setState(Zombie)
}

// MarkTerminating flags the thread for termination. The thread itself
// observes the flag at its next preemption point; there is no
// asynchronous cancellation.
func (t *Thread) MarkTerminating() {
	t.mu.Lock()
	t.terminating = true
	t.mu.Unlock()
}

// Terminating reports whether MarkTerminating has been called.
func (t *Thread) Terminating() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminating
}

// Bucket returns the (class, level) this thread belongs in right now:
// its class and dynamic_priority mod 32. Safe to call while holding a
// run-queue lock: the per-thread lock sits below it in the ordering.
func (t *Thread) Bucket() (Class, uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Class, t.DynamicPriority % LevelsPerClass
}

// clamp31 enforces dynamic_priority = clamp(base_priority + boost, 0, 31).
func clamp31(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 31 {
		return 31
	}
	return uint8(v)
}

// Registry is the thread slab, addressed by ThreadID.
type Registry struct {
	mu     sync.RWMutex
	next   ThreadID
	byID   map[ThreadID]*Thread
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{next: 1, byID: make(map[ThreadID]*Thread)}
}

// Create allocates a new ThreadID and registers t under it. Callers
// typically build t with a placeholder id via NewThread(0, ...) and let
// Create assign the real one.
func (r *Registry) Create(name string, class Class, basePriority uint8, startReady bool) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	t := NewThread(id, name, class, basePriority, startReady)
	r.byID[id] = t
	return t
}

// Lookup returns the thread for id, or nil if it does not exist;
// callers surface that as InvalidThreadID.
func (r *Registry) Lookup(id ThreadID) *Thread {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Reap removes a Zombie thread from the registry after it has been
// waited on; a thread is destroyed only by reaping its zombie.
func (r *Registry) Reap(id ThreadID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok || t.State() != Zombie {
		return false
	}
	delete(r.byID, id)
	return true
}

// Len reports how many threads are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
