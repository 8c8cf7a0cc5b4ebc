package ipi

import (
	"testing"

	"github.com/osfree-project/smpcore/internal/apic"
)

type recordingSender struct {
	sent []struct{ dest uint32; vector uint8 }
}

func (r *recordingSender) SendIPI(dest uint32, vector uint8) {
	r.sent = append(r.sent, struct{ dest uint32; vector uint8 }{dest, vector})
}

type staticResolver map[uint32]uint32

func (s staticResolver) APICIDFor(cpu uint32) (uint32, bool) {
	id, ok := s[cpu]
	return id, ok
}

type recordingResched struct {
	requested []uint32
}

func (r *recordingResched) RequestReschedule(cpu uint32) { r.requested = append(r.requested, cpu) }

type countingTLB struct{ flushes int }

func (c *countingTLB) FlushTLB() { c.flushes++ }

func newTestDispatch() (*Dispatch, *recordingSender, *recordingResched, *countingTLB) {
	sender := &recordingSender{}
	resolver := staticResolver{0: 100, 1: 101, 2: 102}
	resched := &recordingResched{}
	tlb := &countingTLB{}
	eoi := apic.NewXAPICRegisters(apic.NewFakeMMIO())
	d := NewDispatch(sender, resolver, eoi, resched, tlb)
	return d, sender, resched, tlb
}

func TestSendRescheduleResolvesAPICID(t *testing.T) {
	d, sender, _, _ := newTestDispatch()
	d.SendReschedule(1)
	if len(sender.sent) != 1 || sender.sent[0].dest != 101 || sender.sent[0].vector != apic.VectorReschedule {
		t.Fatalf("sent = %v, want one IPI to APIC 101 vector %#x", sender.sent, apic.VectorReschedule)
	}
}

func TestHandleRescheduleCallsReschedulerAndEOIs(t *testing.T) {
	d, _, resched, _ := newTestDispatch()
	d.eoi.Write(apic.RegEOI, 0xdead)
	d.HandleReschedule(2)
	if len(resched.requested) != 1 || resched.requested[0] != 2 {
		t.Fatalf("resched.requested = %v, want [2]", resched.requested)
	}
	if got := d.eoi.Read(apic.RegEOI); got != 0 {
		t.Fatalf("EOI register = %#x, want 0 written by the handler", got)
	}
}

func TestHandleTLBFlushInvokesFlusher(t *testing.T) {
	d, _, _, tlb := newTestDispatch()
	d.HandleTLBFlush()
	if tlb.flushes != 1 {
		t.Fatalf("flushes = %d, want 1", tlb.flushes)
	}
}

func TestHandleStopMarksStopped(t *testing.T) {
	d, _, _, _ := newTestDispatch()
	if d.Stopped() {
		t.Fatal("Stopped() true before any Stop IPI")
	}
	d.HandleStop()
	if !d.Stopped() {
		t.Fatal("Stopped() false after HandleStop")
	}
}

func TestCallRunsOnAllAndLocally(t *testing.T) {
	d, sender, _, _ := newTestDispatch()
	var mu int
	fn := func(arg interface{}) { mu += arg.(int) }

	d.Call(0, []uint32{1, 2}, fn, 5, false)

	if len(sender.sent) != 2 {
		t.Fatalf("sent %d IPIs, want 2", len(sender.sent))
	}
	if mu != 5 {
		t.Fatalf("local call ran %d times worth of effect, want 5", mu)
	}

	d.HandleCrossCall()
	d.HandleCrossCall()
	if d.pending.Load() != 0 {
		t.Fatalf("pending = %d, want 0 after all remotes handled", d.pending.Load())
	}
}
