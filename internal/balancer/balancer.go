// Package balancer implements the pull-model load balancer: an idle or
// periodically-ticking CPU looks for the busiest online sibling and, if
// one is imbalanced enough, pulls a single migratable thread across.
package balancer

import (
	"time"

	"github.com/osfree-project/smpcore/internal/sched"
)

// Scheduler is the subset of *sched.Scheduler the balancer drives. A
// narrow interface here keeps this package testable against a fake
// without pulling in the whole scheduler package's surface.
type Scheduler interface {
	Busiest(thisCPU uint32) (cpu uint32, nrRunning uint32, ok bool)
	NrRunning(cpu uint32) uint32
	PullFrom(thisCPU, busiestCPU uint32, hotGuard time.Duration) (sched.ThreadID, bool)
}

// Balance runs one periodic load-balance pass for thisCPU: find the
// busiest online sibling, and if it is imbalanced by more than
// sched.ImbalanceThreshold threads, pull one migratable thread from it.
// At most one thread moves per call, damping oscillation between CPUs
// that would otherwise trade the same thread back and forth.
func Balance(s Scheduler, thisCPU uint32) (moved sched.ThreadID, ok bool) {
	return balance(s, thisCPU, sched.CacheHotGuard)
}

// IdleBalance is Balance without the cache-hot guard: a CPU that has
// nothing else to run would rather take a thread that ran a moment ago
// elsewhere than sit idle.
func IdleBalance(s Scheduler, thisCPU uint32) (moved sched.ThreadID, ok bool) {
	return balance(s, thisCPU, 0)
}

func balance(s Scheduler, thisCPU uint32, hotGuard time.Duration) (sched.ThreadID, bool) {
	thisLoad := s.NrRunning(thisCPU)

	busiest, busiestLoad, found := s.Busiest(thisCPU)
	if !found {
		return 0, false
	}
	if busiestLoad <= thisLoad+sched.ImbalanceThreshold {
		return 0, false
	}

	return s.PullFrom(thisCPU, busiest, hotGuard)
}
