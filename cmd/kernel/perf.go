package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/elastic/go-perf"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/osfree-project/smpcore/internal/telemetry"
)

// newPerfCmd samples host hardware counters per CPU, derives an
// instructions-per-cycle load estimate for each simulated run queue, and
// optionally pushes the resulting scheduler statistics to InfluxDB.
func newPerfCmd() *cobra.Command {
	var durationMS int
	cmd := &cobra.Command{
		Use:   "perf",
		Short: "Sample host performance counters into the run-queue load estimate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			m, err := buildMachine(cfg, log, nil)
			if err != nil {
				return err
			}

			hostCPUs := runtime.NumCPU()
			samples, perfErr := sampleHostCounters(hostCPUs, time.Duration(durationMS)*time.Millisecond)
			if perfErr != nil {
				// perf_event_open needs Linux and sufficient
				// perf_event_paranoid; fall back to nr_running.
				log.Warnf("perf sampling unavailable (%v); load stays nr_running-based", perfErr)
			}

			var out []telemetry.CPUSample
			for cpu := uint32(0); cpu < m.online.TotalPossible; cpu++ {
				rq := m.sched.RunQueueFor(cpu)
				if rq == nil {
					continue
				}
				rq.Lock.Lock()
				if perfErr == nil && int(cpu) < len(samples) {
					rq.Load = samples[cpu]
				}
				out = append(out, telemetry.CPUSample{
					CPUID:      cpu,
					NrRunning:  rq.NrRunning,
					NrSwitches: rq.NrSwitches,
					Load:       rq.Load,
					TickCount:  rq.TickCount,
				})
				rq.Lock.Unlock()
			}

			for _, s := range out {
				fmt.Printf("  cpu%-3d load=%-8d nr_running=%d\n", s.CPUID, s.Load, s.NrRunning)
			}

			if cfg.Telemetry.URL == "" {
				return nil
			}
			tc, err := telemetry.New(cfg.Telemetry.URL, cfg.Telemetry.Token, cfg.Telemetry.Org, cfg.Telemetry.Bucket, log)
			if err != nil {
				return err
			}
			defer tc.Close()
			if err := tc.WriteSamples(context.Background(), out); err != nil {
				return err
			}
			color.New(color.FgGreen).Printf("pushed %d samples to %s\n", len(out), cfg.Telemetry.URL)
			return nil
		},
	}
	cmd.Flags().IntVar(&durationMS, "duration", 100, "sampling window in milliseconds")
	return cmd
}

// sampleHostCounters opens an instructions and a cycles event on each
// host CPU, counts over the window, and returns each CPU's instructions
// per cycle in fixed point (IPC x 1000); a CPU with no counted cycles
// reports 0.
func sampleHostCounters(cpus int, window time.Duration) ([]uint64, error) {
	type pair struct {
		instructions *perf.Event
		cycles       *perf.Event
	}
	events := make([]pair, 0, cpus)
	closeAll := func() {
		for _, p := range events {
			if p.instructions != nil {
				p.instructions.Close()
			}
			if p.cycles != nil {
				p.cycles.Close()
			}
		}
	}

	for cpu := 0; cpu < cpus; cpu++ {
		ia := &perf.Attr{}
		perf.Instructions.Configure(ia)
		instr, err := perf.Open(ia, perf.AllThreads, cpu, nil)
		if err != nil {
			closeAll()
			return nil, err
		}
		ca := &perf.Attr{}
		perf.CPUCycles.Configure(ca)
		cyc, err := perf.Open(ca, perf.AllThreads, cpu, nil)
		if err != nil {
			instr.Close()
			closeAll()
			return nil, err
		}
		events = append(events, pair{instr, cyc})
	}
	defer closeAll()

	for _, p := range events {
		if err := p.instructions.Enable(); err != nil {
			return nil, err
		}
		if err := p.cycles.Enable(); err != nil {
			return nil, err
		}
	}
	time.Sleep(window)

	loads := make([]uint64, len(events))
	for i, p := range events {
		ic, err := p.instructions.ReadCount()
		if err != nil {
			return nil, err
		}
		cc, err := p.cycles.ReadCount()
		if err != nil {
			return nil, err
		}
		if cc.Value > 0 {
			// IPC in fixed point (x1000): the load estimate tracks
			// throughput per cycle, not raw cycle burn.
			loads[i] = uint64(ic.Value) * 1000 / uint64(cc.Value)
		}
	}
	return loads, nil
}
