package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/osfree-project/smpcore/internal/balancer"
	"github.com/osfree-project/smpcore/internal/config"
	"github.com/osfree-project/smpcore/internal/klog"
	"github.com/osfree-project/smpcore/internal/percpu"
	"github.com/osfree-project/smpcore/internal/sched"
	"github.com/osfree-project/smpcore/internal/spinlock"
	"github.com/osfree-project/smpcore/internal/topology"
)

// scenario is one end-to-end check; Run returns an empty string on pass
// or a failure description.
type scenario struct {
	name string
	run  func(cfg *config.Config, log klog.Logger) string
}

func newBenchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bench",
		Short: "Run the end-to-end scheduler scenarios and print a pass/fail table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			return runBench(cfg, log)
		},
	}
}

func runBench(cfg *config.Config, log klog.Logger) error {
	scenarios := []scenario{
		{"two-cpu ping-pong", benchPingPong},
		{"priority preemption", benchPreemption},
		{"migration via imbalance", benchMigration},
		{"affinity confines", benchAffinity},
		{"ticket-lock fairness", benchTicketFairness},
		{"AP timeout", benchAPTimeout},
	}

	pass := color.New(color.FgGreen)
	fail := color.New(color.FgRed)
	failures := 0
	for _, sc := range scenarios {
		msg := sc.run(cfg, log)
		if msg == "" {
			pass.Printf("  PASS  %s\n", sc.name)
		} else {
			fail.Printf("  FAIL  %s: %s\n", sc.name, msg)
			failures++
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failures, len(scenarios))
	}
	return nil
}

// benchPingPong pins two Regular threads to CPU0 and CPU1; each wakes
// the other and blocks. They must alternate perfectly, never leaving
// their pinned CPU.
func benchPingPong(cfg *config.Config, log klog.Logger) string {
	m, err := buildMachine(cfg, log, nil)
	if err != nil {
		return err.Error()
	}
	if !m.sched.OnlineCPUs().Test(1) {
		return "needs at least 2 online CPUs"
	}

	a := m.reg.Create("ping", sched.Regular, 16, true)
	a.AffinityMask = topology.Single(0)
	b := m.reg.Create("pong", sched.Regular, 16, true)
	b.AffinityMask = topology.Single(1)
	if err := m.sched.Enqueue(a); err != nil {
		return err.Error()
	}

	// Drive the wake/block alternation the way the ISR+schedule loop
	// would: the running side wakes its peer, blocks, and each CPU
	// re-runs its dispatch.
	cur, peer := a, b
	for round := 0; round < 100; round++ {
		if m.sched.Schedule(cur.LastCPU) != cur.ID {
			return fmt.Sprintf("round %d: %s not picked on cpu %d", round, cur.Name, cur.LastCPU)
		}
		if cur.LastCPU != uint32(round%2) {
			return fmt.Sprintf("round %d: %s ran on cpu %d", round, cur.Name, cur.LastCPU)
		}
		if peer.State() == sched.Blocked {
			if err := m.sched.Unblock(peer); err != nil {
				return err.Error()
			}
		} else if round == 0 {
			if err := m.sched.Enqueue(peer); err != nil {
				return err.Error()
			}
		}
		m.sched.Block(cur.LastCPU, cur, "pingpong") // reschedules to idle
		cur, peer = peer, cur
	}
	return ""
}

// benchPreemption runs a Regular level-16 busy loop on one CPU and
// releases a Time-critical level-0 thread: the critical thread must win
// the next dispatch and the Regular one must remain Ready.
func benchPreemption(cfg *config.Config, log klog.Logger) string {
	m, err := buildMachine(cfg, log, nil)
	if err != nil {
		return err.Error()
	}

	busy := m.reg.Create("busy", sched.Regular, 16, true)
	busy.AffinityMask = topology.Single(0)
	if err := m.sched.Enqueue(busy); err != nil {
		return err.Error()
	}
	if m.sched.Schedule(0) != busy.ID {
		return "busy thread did not start running"
	}

	crit := m.reg.Create("crit", sched.TimeCritical, 0, true)
	crit.AffinityMask = topology.Single(0)
	if err := m.sched.Enqueue(crit); err != nil {
		return err.Error()
	}

	if crit.Class <= busy.Class {
		return "time-critical class does not outrank regular"
	}
	if m.sched.Schedule(0) != crit.ID {
		return "time-critical thread not picked"
	}
	if busy.State() != sched.Ready {
		return fmt.Sprintf("preempted thread state %v, want Ready", busy.State())
	}
	if busy.InvoluntarySwitches != 1 {
		return fmt.Sprintf("involuntary_switches = %d, want exactly 1", busy.InvoluntarySwitches)
	}
	return ""
}

// benchMigration loads four busy threads onto CPU0 with CPU1 idle; one
// balancer pull must move exactly one thread.
func benchMigration(cfg *config.Config, log klog.Logger) string {
	m, err := buildMachine(cfg, log, nil)
	if err != nil {
		return err.Error()
	}
	if !m.sched.OnlineCPUs().Test(1) {
		return "needs at least 2 online CPUs"
	}

	for i := 0; i < 4; i++ {
		th := m.reg.Create(fmt.Sprintf("busy%d", i), sched.Regular, 16, true)
		th.PreferredCPU = 0
		th.HasPreferred = true
		if err := m.sched.Enqueue(th); err != nil {
			return err.Error()
		}
		// Age past the cache-hot guard.
		th.LastScheduled = time.Now().Add(-10 * time.Millisecond)
	}
	if m.sched.NrRunning(0) != 4 {
		return fmt.Sprintf("setup: nr_running(0) = %d", m.sched.NrRunning(0))
	}

	if _, ok := balancer.Balance(m.sched, 1); !ok {
		return "balancer moved nothing"
	}
	if n0, n1 := m.sched.NrRunning(0), m.sched.NrRunning(1); n0 != 3 || n1 != 1 {
		return fmt.Sprintf("nr_running = (%d,%d), want (3,1)", n0, n1)
	}
	return ""
}

// benchAffinity pins a thread to CPU2 and re-dispatches it many times;
// it must never land elsewhere.
func benchAffinity(cfg *config.Config, log klog.Logger) string {
	m, err := buildMachine(cfg, log, nil)
	if err != nil {
		return err.Error()
	}
	if !m.sched.OnlineCPUs().Test(2) {
		return "needs at least 3 online CPUs"
	}

	th := m.reg.Create("pinned", sched.Regular, 16, true)
	if err := m.sched.SetAffinity(th, topology.Single(2)); err != nil {
		return err.Error()
	}
	if err := m.sched.Enqueue(th); err != nil {
		return err.Error()
	}
	for i := 0; i < 1000; i++ {
		if m.sched.Schedule(2) != th.ID {
			return "pinned thread not picked on cpu 2"
		}
		if th.LastCPU != 2 {
			return fmt.Sprintf("iteration %d: last_cpu = %d", i, th.LastCPU)
		}
		m.sched.Tick(2)
	}
	return ""
}

// benchTicketFairness has 8 goroutines standing in for CPUs acquire one
// ticket lock 1000 times each; each goroutine's tickets must be
// strictly increasing (global issue order is the lock's own invariant).
func benchTicketFairness(cfg *config.Config, log klog.Logger) string {
	var lock spinlock.Ticket
	const goroutines = 8
	const rounds = 1000

	var serial uint64
	orders := make([][]uint64, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				lock.Lock()
				serial++
				orders[g] = append(orders[g], serial)
				lock.Unlock()
			}
		}(g)
	}
	wg.Wait()

	for g, seq := range orders {
		for i := 1; i < len(seq); i++ {
			if seq[i] <= seq[i-1] {
				return fmt.Sprintf("goroutine %d saw non-monotonic serials %d, %d", g, seq[i-1], seq[i])
			}
		}
	}
	if serial != goroutines*rounds {
		return fmt.Sprintf("serial = %d, want %d", serial, goroutines*rounds)
	}
	return ""
}

// benchAPTimeout boots with the last CPU's APIC id dead: boot must
// complete with one fewer CPU, the victim Offline, and no deadlock.
func benchAPTimeout(cfg *config.Config, log klog.Logger) string {
	snap := cfg.Snapshot()
	var lastID uint32
	var lastAPIC uint32
	enabled := 0
	for _, c := range snap.CPUs {
		if c.Enabled {
			enabled++
			if c.LogicalID != snap.BSPID {
				lastID, lastAPIC = c.LogicalID, c.APICID
			}
		}
	}
	if enabled < 2 {
		return "needs at least 2 enabled CPUs"
	}

	m, err := buildMachine(cfg, log, map[uint32]bool{lastAPIC: true})
	if err != nil {
		return err.Error()
	}
	if got := m.bring.CPUCount(); got != uint32(enabled-1) {
		return fmt.Sprintf("cpu_count = %d, want %d", got, enabled-1)
	}
	if st := m.table.Lookup(lastID).State(); st != percpu.Offline {
		return fmt.Sprintf("cpu %d state = %v, want Offline", lastID, st)
	}
	return ""
}
