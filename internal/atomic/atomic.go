// Package atomic wraps sync/atomic with the relaxed/acquire/release
// vocabulary the rest of the core is written against. Go's memory model
// does not expose ordering finer than sync/atomic already provides on
// amd64/arm64, so these wrappers are deliberately thin: the point is a
// single place that names the operations the rest of the core is
// written against, not a reimplementation of them.
package atomic

import (
	"runtime"
	"sync/atomic"
)

// Int32 and Int64 are lock-free signed counters; Uint32/Uint64/Pointer/
// Bool round out the surface the locks and rendezvous flags are built on.
type Int32 struct{ v atomic.Int32 }
type Int64 struct{ v atomic.Int64 }
type Uint32 struct{ v atomic.Uint32 }
type Uint64 struct{ v atomic.Uint64 }
type Pointer[T any] struct{ v atomic.Pointer[T] }
type Bool struct{ v atomic.Bool }

func (b *Bool) Load() bool  { return b.v.Load() }
func (b *Bool) Store(val bool) { b.v.Store(val) }

func (i *Int32) Load() int32               { return i.v.Load() }
func (i *Int32) Store(val int32)            { i.v.Store(val) }
func (i *Int32) Add(delta int32) int32      { return i.v.Add(delta) }
func (i *Int32) Inc() int32                 { return i.v.Add(1) }
func (i *Int32) Dec() int32                 { return i.v.Add(-1) }
func (i *Int32) Swap(val int32) int32       { return i.v.Swap(val) }
func (i *Int32) CompareAndSwap(old, new int32) bool {
	return i.v.CompareAndSwap(old, new)
}

func (i *Int64) Load() int64          { return i.v.Load() }
func (i *Int64) Store(val int64)       { i.v.Store(val) }
func (i *Int64) Add(delta int64) int64 { return i.v.Add(delta) }
func (i *Int64) Inc() int64            { return i.v.Add(1) }
func (i *Int64) Dec() int64            { return i.v.Add(-1) }
func (i *Int64) CompareAndSwap(old, new int64) bool {
	return i.v.CompareAndSwap(old, new)
}

func (u *Uint32) Load() uint32          { return u.v.Load() }
func (u *Uint32) Store(val uint32)       { u.v.Store(val) }
func (u *Uint32) Add(delta uint32) uint32 { return u.v.Add(delta) }
func (u *Uint32) Swap(val uint32) uint32 { return u.v.Swap(val) }
func (u *Uint32) CompareAndSwap(old, new uint32) bool {
	return u.v.CompareAndSwap(old, new)
}
func (u *Uint32) FetchOr(mask uint32) uint32 {
	for {
		old := u.v.Load()
		if u.v.CompareAndSwap(old, old|mask) {
			return old
		}
	}
}
func (u *Uint32) FetchAnd(mask uint32) uint32 {
	for {
		old := u.v.Load()
		if u.v.CompareAndSwap(old, old&mask) {
			return old
		}
	}
}
func (u *Uint32) FetchXor(mask uint32) uint32 {
	for {
		old := u.v.Load()
		if u.v.CompareAndSwap(old, old^mask) {
			return old
		}
	}
}

func (u *Uint64) Load() uint64           { return u.v.Load() }
func (u *Uint64) Store(val uint64)        { u.v.Store(val) }
func (u *Uint64) Add(delta uint64) uint64 { return u.v.Add(delta) }
func (u *Uint64) CompareAndSwap(old, new uint64) bool {
	return u.v.CompareAndSwap(old, new)
}
func (u *Uint64) FetchOr(mask uint64) uint64 {
	for {
		old := u.v.Load()
		if u.v.CompareAndSwap(old, old|mask) {
			return old
		}
	}
}
func (u *Uint64) FetchAnd(mask uint64) uint64 {
	for {
		old := u.v.Load()
		if u.v.CompareAndSwap(old, old&mask) {
			return old
		}
	}
}

func (p *Pointer[T]) Load() *T                  { return p.v.Load() }
func (p *Pointer[T]) Store(val *T)               { p.v.Store(val) }
func (p *Pointer[T]) Swap(val *T) *T             { return p.v.Swap(val) }
func (p *Pointer[T]) CompareAndSwap(old, new *T) bool {
	return p.v.CompareAndSwap(old, new)
}

// Fence is a full (sequentially consistent) memory barrier. sync/atomic
// operations on amd64/arm64 already carry the fence the hardware needs;
// Fence exists for call sites that perform a plain load/store next to
// atomics and need the compiler and CPU kept from reordering across it.
// It performs a read-modify-write on a package-private word, which Go's
// memory model orders against every other sync/atomic operation.
func Fence() { fenceWord.Add(0) }

var fenceWord atomic.Int32

// AcquireFence and ReleaseFence name the one-directional barriers used when
// documenting lock acquire/release pairs; on the architectures this module
// targets they compile to the same full fence as Fence, matching Go's own
// sync/atomic ordering guarantees.
func AcquireFence() { Fence() }
func ReleaseFence() { Fence() }

// Pause is the spin-loop CPU hint (PAUSE on amd64, YIELD on arm64). This
// module never emits architecture-specific assembly; Pause calls
// runtime.Gosched so a spin loop running as a goroutine standing in for
// a CPU still yields the Go scheduler instead of starving other
// goroutines on the same OS thread. A bare-metal build binds this to the
// real instruction in the architecture layer.
func Pause() { runtime.Gosched() }

// CompilerBarrier prevents the Go compiler from reordering memory
// operations across this call. Go has no compiler-only barrier, so it
// issues the same full fence as Fence.
func CompilerBarrier() { Fence() }
