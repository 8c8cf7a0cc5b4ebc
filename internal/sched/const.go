package sched

import "time"

// Scheduler-visible tuning constants. These are compile-time constants,
// not runtime config: changing the priority geometry would change the
// ABI the OS/2 priority mapping depends on.
const (
	NumClasses      = 5
	LevelsPerClass  = 32
	DefaultTimeslice = 31 // ticks, OS/2's default (DEFAULT_TIMESLICE_MS)

	LoadBalanceInterval = 100 // ticks
	IdleBalanceInterval = 1   // ticks

	ImbalanceThreshold = 1
)

// CacheHotGuard is the minimum time since a thread last ran before the
// periodic load balancer considers it migratable.
const CacheHotGuard = 1 * time.Millisecond
