// Package ipi implements the four fixed-vector inter-processor
// interrupts - Reschedule, CrossCall, TLBFlush, Stop - and the
// broadcast cross-call primitive built on them.
package ipi

import (
	"github.com/osfree-project/smpcore/internal/apic"
	katomic "github.com/osfree-project/smpcore/internal/atomic"
	"github.com/osfree-project/smpcore/internal/spinlock"
)

// Sender abstracts the local-APIC send path each online CPU's IPI
// dispatcher issues through. *apic.LocalAPIC satisfies this directly.
type Sender interface {
	SendIPI(destAPICID uint32, vector uint8)
}

// APICIDResolver maps a logical CPU id to its APIC id, the lookup
// smp_send_ipi performs via smp_info.cpus[cpu_id]->apic_id.
type APICIDResolver interface {
	APICIDFor(cpuID uint32) (uint32, bool)
}

// Rescheduler is the seam the sched package's reschedule flag lives
// behind: Dispatch's Reschedule handler calls this instead of reaching
// into sched directly, so neither package imports the other
// (*sched.Scheduler implements this directly).
type Rescheduler interface {
	RequestReschedule(cpu uint32)
}

// TLBFlusher performs the architectural "reload CR3" full TLB flush.
// Out of scope for a hosted Go program; production wiring backs this
// with the real instruction, tests with a counter.
type TLBFlusher interface {
	FlushTLB()
}

// CallFunc is the function/argument pair smp_call publishes for remote
// CPUs to execute, mirroring smp_info.ipi_func/ipi_arg.
type CallFunc func(arg interface{})

// Dispatch owns one online CPU's IPI send/receive path: sending fixed-
// vector IPIs to other CPUs and handling the vectors this CPU receives.
type Dispatch struct {
	sender   Sender
	resolver APICIDResolver
	eoi      apic.Registers // only Write(RegEOI, ...) is used; Registers satisfies it

	resched Rescheduler
	tlb     TLBFlusher

	callLock spinlock.Ticket
	callFn   CallFunc
	callArg  interface{}
	pending  katomic.Int32

	stopped katomic.Bool
}

// NewDispatch builds a Dispatch for one CPU, wired to its own local-APIC
// send path, a way to resolve peer CPU ids to APIC ids, the scheduler's
// reschedule hook, and a TLB flusher.
func NewDispatch(sender Sender, resolver APICIDResolver, eoi apic.Registers, resched Rescheduler, tlb TLBFlusher) *Dispatch {
	return &Dispatch{sender: sender, resolver: resolver, eoi: eoi, resched: resched, tlb: tlb}
}

func (d *Dispatch) sendVector(cpu uint32, vector uint8) bool {
	apicID, ok := d.resolver.APICIDFor(cpu)
	if !ok {
		return false
	}
	d.sender.SendIPI(apicID, vector)
	return true
}

// SendReschedule implements sched.IPISender so a *Dispatch can be handed
// directly to sched.NewScheduler.
func (d *Dispatch) SendReschedule(cpu uint32) { d.sendVector(cpu, apic.VectorReschedule) }

// SendTLBFlush sends the TLB-flush IPI to cpu.
func (d *Dispatch) SendTLBFlush(cpu uint32) { d.sendVector(cpu, apic.VectorTLBFlush) }

// SendStop sends the stop IPI to cpu, used during shutdown/panic fanout.
func (d *Dispatch) SendStop(cpu uint32) { d.sendVector(cpu, apic.VectorStop) }

// SendToAll sends vector to every CPU in cpus except self.
func (d *Dispatch) SendToAll(self uint32, cpus []uint32, vector uint8) {
	for _, cpu := range cpus {
		if cpu == self {
			continue
		}
		d.sendVector(cpu, vector)
	}
}

// HandleReschedule is the Reschedule ISR body: it sets the reschedule
// flag and returns; preemption-enable on ISR exit performs the switch,
// so the handler does no scheduling itself.
func (d *Dispatch) HandleReschedule(cpu uint32) {
	d.resched.RequestReschedule(cpu)
	d.sendEOI()
}

// HandleTLBFlush is the TLBFlush ISR body.
func (d *Dispatch) HandleTLBFlush() {
	d.tlb.FlushTLB()
	d.sendEOI()
}

// HandleStop is the Stop ISR body, the entry to a final halt. It only
// marks the dispatcher stopped; actually halting the CPU is architecture
// glue out of this module's scope.
func (d *Dispatch) HandleStop() {
	d.stopped.Store(true)
	d.sendEOI()
}

// Stopped reports whether this CPU has received a Stop IPI.
func (d *Dispatch) Stopped() bool { return d.stopped.Load() }

// HandleCrossCall is the CrossCall ISR body: execute the published
// function with the published argument, then decrement the pending
// counter smp_call's waiter spins on.
func (d *Dispatch) HandleCrossCall() {
	d.callLock.Lock()
	fn, arg := d.callFn, d.callArg
	d.callLock.Unlock()

	if fn != nil {
		fn(arg)
	}
	d.pending.Dec()
	d.sendEOI()
}

func (d *Dispatch) sendEOI() {
	if d.eoi != nil {
		d.eoi.Write(apic.RegEOI, 0)
	}
}

// Call publishes fn/arg under the global cross-call lock, sends CrossCall
// to every other online CPU, runs fn locally, and - if wait is set -
// spins until every remote CPU has decremented pending to zero. Grounded
// on smp_call_function.
func (d *Dispatch) Call(self uint32, others []uint32, fn CallFunc, arg interface{}, wait bool) {
	d.callLock.Lock()
	d.callFn = fn
	d.callArg = arg
	d.pending.Store(int32(len(others)))
	d.callLock.Unlock()

	d.SendToAll(self, others, apic.VectorCrossCall)

	if fn != nil {
		fn(arg)
	}

	if wait {
		for d.pending.Load() > 0 {
			katomic.Pause()
		}
	}
}
