package sched

import (
	"math/bits"

	"github.com/osfree-project/smpcore/internal/spinlock"
)

// bucket is the FIFO of ready threads at one (class, level) slot.
// Arbitrary removal (needed by suspend/kill/set-affinity,
// which can pull a thread out of the middle of its bucket) is O(n); ready
// buckets are expected to stay short, so a slice beats a linked list here.
type bucket struct {
	ids []ThreadID
}

func (b *bucket) pushBack(id ThreadID) {
	b.ids = append(b.ids, id)
}

func (b *bucket) popFront() (ThreadID, bool) {
	if len(b.ids) == 0 {
		return 0, false
	}
	id := b.ids[0]
	b.ids = b.ids[1:]
	return id, true
}

func (b *bucket) remove(id ThreadID) bool {
	for i, v := range b.ids {
		if v == id {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			return true
		}
	}
	return false
}

func (b *bucket) empty() bool { return len(b.ids) == 0 }

// RunQueue is one CPU's run queue: a [class][level] bucket matrix with a
// per-class active bitmap and a class bitmap, giving O(1) "find the
// highest-priority non-empty bucket" via two bit scans.
//
// Higher Class enum values win (Realtime outranks everything); within a
// class, higher levels win, matching the OS/2 priority mapping where a
// more positive delta lands on a higher level.
type RunQueue struct {
	Lock spinlock.Ticket

	CPUID uint32

	buckets      [NumClasses][LevelsPerClass]bucket
	activeBitmap [NumClasses]uint32 // bit i set iff buckets[class][i] non-empty
	classBitmap  uint32             // bit c set iff class c has any ready thread

	NrRunning uint32
	NrSwitches uint64
	Load       uint64

	LastBalance uint64

	Current ThreadID
	Idle    ThreadID

	Clock     uint64
	TickCount uint64

	preempt     int32 // preemption-disable depth; 0 means preemptible
	needResched bool  // set by a reschedule IPI or timeslice expiry
}

// NewRunQueue returns an empty run queue bound to cpuID, with idle as the
// thread to run when nothing else is ready.
func NewRunQueue(cpuID uint32, idle ThreadID) *RunQueue {
	return &RunQueue{CPUID: cpuID, Idle: idle, Current: idle}
}

// enqueueLocked inserts tid into its (class, level) bucket and sets the
// corresponding bitmap bits. Caller holds Lock.
func (rq *RunQueue) enqueueLocked(tid ThreadID, class Class, level uint8) {
	rq.buckets[class][level].pushBack(tid)
	rq.activeBitmap[class] |= 1 << level
	rq.classBitmap |= 1 << class
	rq.NrRunning++
}

// dequeueLocked removes tid from its (class, level) bucket if present,
// clearing bitmap bits that become empty. Caller holds Lock.
func (rq *RunQueue) dequeueLocked(tid ThreadID, class Class, level uint8) bool {
	b := &rq.buckets[class][level]
	if !b.remove(tid) {
		return false
	}
	if b.empty() {
		rq.activeBitmap[class] &^= 1 << level
		if rq.activeBitmap[class] == 0 {
			rq.classBitmap &^= 1 << class
		}
	}
	rq.NrRunning--
	return true
}

// pickNextLocked finds the highest-priority ready thread without removing
// it: highest set bit of classBitmap picks the class, then highest set
// bit of that class's activeBitmap picks the level, then the bucket's
// front breaks the tie FIFO.
func (rq *RunQueue) pickNextLocked() (ThreadID, Class, uint8, bool) {
	if rq.classBitmap == 0 {
		return 0, 0, 0, false
	}
	class := highestClass(rq.classBitmap)
	active := rq.activeBitmap[class]
	if active == 0 {
		return 0, 0, 0, false
	}
	level := uint8(31 - bits.LeadingZeros32(active))
	b := &rq.buckets[class][level]
	if len(b.ids) == 0 {
		return 0, 0, 0, false
	}
	return b.ids[0], class, level, true
}

// highestClass returns the highest-priority class with a set bit in mask.
// Realtime (4) outranks Idle (0), so this scans from bit 4 down rather
// than using TrailingZeros.
func highestClass(mask uint32) Class {
	for c := Class(NumClasses - 1); ; c-- {
		if mask&(1<<c) != 0 {
			return c
		}
		if c == 0 {
			break
		}
	}
	return Idle
}

