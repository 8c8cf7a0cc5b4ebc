// Package spinlock implements the kernel's fair locking primitives: the
// ticket lock and its IRQ-safe wrapper, a reader/writer spinlock, and a
// sequence lock. The ticket lock keeps head and tail in two separate
// 32-bit atomic words, not packed into one word.
package spinlock

import (
	"github.com/osfree-project/smpcore/internal/arch"
	katomic "github.com/osfree-project/smpcore/internal/atomic"
)

// Ticket is a fair spinlock: waiters are served strictly in the order
// they arrived. head is "next ticket to serve", tail is "next ticket to
// issue"; the lock is free iff head == tail.
type Ticket struct {
	head katomic.Uint32
	tail katomic.Uint32
}

// Lock acquires the lock, spinning with a CPU-pause hint between probes.
func (t *Ticket) Lock() {
	ticket := t.tail.Add(1) - 1
	for t.head.Load() != ticket {
		katomic.Pause()
	}
}

// Unlock releases the lock, admitting the next ticket holder.
func (t *Ticket) Unlock() {
	t.head.Add(1)
}

// TryLock attempts to acquire the lock without spinning. It snapshots
// head/tail; if they differ the lock is held and TryLock fails. Otherwise
// it tries to claim the next ticket via a compare-and-swap that
// increments tail only.
func (t *Ticket) TryLock() bool {
	h := t.head.Load()
	tl := t.tail.Load()
	if h != tl {
		return false
	}
	return t.tail.CompareAndSwap(tl, tl+1)
}

// IsLocked reports whether the lock is currently held by anyone. It is a
// snapshot, useful only for diagnostics/assertions.
func (t *Ticket) IsLocked() bool {
	return t.head.Load() != t.tail.Load()
}

// IRQSafe wraps a Ticket with the architectural interrupt-enable flag:
// Lock disables interrupts before spinning and Unlock restores exactly
// the flag state captured at Lock time, so nested IRQSafe sections on the
// same CPU behave like a stack.
type IRQSafe struct {
	lock  Ticket
	irq   arch.InterruptController
	saved arch.Flags
}

// NewIRQSafe binds an IRQSafe lock to the interrupt controller it must
// disable/restore interrupts through.
func NewIRQSafe(irq arch.InterruptController) *IRQSafe {
	return &IRQSafe{irq: irq}
}

// Lock captures the current interrupt-enable flag, disables interrupts,
// then acquires the underlying ticket lock.
func (l *IRQSafe) Lock() {
	saved := l.irq.SaveFlags()
	l.irq.Disable()
	l.lock.Lock()
	l.saved = saved
}

// Unlock releases the ticket lock then restores the flag captured by the
// matching Lock call.
func (l *IRQSafe) Unlock() {
	saved := l.saved
	l.lock.Unlock()
	l.irq.RestoreFlags(saved)
}

// RWLock is a reader/writer spinlock: a signed counter, 0 free,
// positive = reader count, -1 = writer. Writers serialize on an internal
// ticket lock before attempting the 0 -> -1 transition.
//
// The baseline behavior permits writer starvation under a steady reader
// stream. PreferWriters opts into a starvation bound: when set, RLock
// refuses to proceed while a writer is pending, trading a little reader
// latency for writer progress.
type RWLock struct {
	count         katomic.Int32
	writer        Ticket
	PreferWriters bool
	writerPending katomic.Bool
}

// RLock acquires a read lock, spinning while a writer holds or (if
// PreferWriters is set) is pending the lock.
func (rw *RWLock) RLock() {
	for {
		if rw.PreferWriters && rw.writerPending.Load() {
			katomic.Pause()
			continue
		}
		n := rw.count.Load()
		if n >= 0 && rw.count.CompareAndSwap(n, n+1) {
			return
		}
		katomic.Pause()
	}
}

// RUnlock releases a read lock.
func (rw *RWLock) RUnlock() {
	rw.count.Add(-1)
}

// Lock acquires a write lock: serialize on the internal writer lock, then
// spin the 0 -> -1 transition.
func (rw *RWLock) Lock() {
	rw.writer.Lock()
	rw.writerPending.Store(true)
	for !rw.count.CompareAndSwap(0, -1) {
		katomic.Pause()
	}
	rw.writerPending.Store(false)
}

// Unlock releases a write lock.
func (rw *RWLock) Unlock() {
	rw.count.Store(0)
	rw.writer.Unlock()
}

// TryRLock attempts a non-blocking read-lock acquisition.
func (rw *RWLock) TryRLock() bool {
	if rw.PreferWriters && rw.writerPending.Load() {
		return false
	}
	n := rw.count.Load()
	return n >= 0 && rw.count.CompareAndSwap(n, n+1)
}

// TryLock attempts a non-blocking write-lock acquisition.
func (rw *RWLock) TryLock() bool {
	if !rw.writer.TryLock() {
		return false
	}
	if rw.count.CompareAndSwap(0, -1) {
		return true
	}
	rw.writer.Unlock()
	return false
}

// SeqLock is a sequence lock: writers hold a spinlock while bumping an
// odd-means-writing sequence counter; readers snapshot, read, then retry
// if the sequence changed.
type SeqLock struct {
	seq  katomic.Uint32
	lock Ticket
}

// ReadBegin returns the current sequence number, spinning while a write
// is in progress (odd sequence).
func (s *SeqLock) ReadBegin() uint32 {
	for {
		seq := s.seq.Load()
		if seq&1 == 0 {
			return seq
		}
		katomic.Pause()
	}
}

// ReadRetry reports whether the data read under the ReadBegin snapshot
// may have been torn by a concurrent writer and must be re-read.
func (s *SeqLock) ReadRetry(start uint32) bool {
	return s.seq.Load() != start
}

// WriteLock begins a write: acquire the internal lock and make the
// sequence odd.
func (s *SeqLock) WriteLock() {
	s.lock.Lock()
	s.seq.Add(1)
}

// WriteUnlock ends a write: make the sequence even again and release the
// internal lock.
func (s *SeqLock) WriteUnlock() {
	s.seq.Add(1)
	s.lock.Unlock()
}
