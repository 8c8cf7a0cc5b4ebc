package apic

import "testing"

func TestLocalAPICInitBSPCalibratesAndArmsTimer(t *testing.T) {
	mmio := NewFakeMMIO()
	regs := NewXAPICRegisters(mmio)
	lapic := NewLocalAPIC(regs)
	clock := &FakeClock{}

	lapic.InitBSP(clock)

	if len(clock.Waits) != 1 || clock.Waits[0] != TimerCalibrationMS {
		t.Fatalf("calibration waits = %v, want one wait of %d", clock.Waits, TimerCalibrationMS)
	}
	ticks, ok := lapic.TicksPerMS()
	if !ok {
		t.Fatal("TicksPerMS not calibrated after InitBSP")
	}

	svr := mmio.ReadAt(RegSVR)
	if svr&uint32(VectorSpurious) == 0 {
		t.Fatalf("SVR = %#x, spurious vector bits not set", svr)
	}

	if lvt := mmio.ReadAt(RegLVTTimer); lvt&0xff != VectorTimer || lvt&(1<<17) == 0 {
		t.Fatalf("LVT timer = %#x, want periodic mode with vector %#x", lvt, VectorTimer)
	}
	if got, want := mmio.ReadAt(RegInitCount), ticks*uint32(1000/SchedulerTickHz); got != want {
		t.Fatalf("timer initial count = %d, want %d", got, want)
	}
}

func TestLocalAPICInitAPReusesCalibration(t *testing.T) {
	mmio := NewFakeMMIO()
	regs := NewXAPICRegisters(mmio)
	lapic := NewLocalAPIC(regs)

	lapic.InitAP(42)

	got, ok := lapic.TicksPerMS()
	if !ok || got != 42 {
		t.Fatalf("TicksPerMS() = (%d, %v), want (42, true)", got, ok)
	}
}

func TestSendIPIWritesDestAndVectorViaICR(t *testing.T) {
	mmio := NewFakeMMIO()
	regs := NewXAPICRegisters(mmio)
	lapic := NewLocalAPIC(regs)

	lapic.SendIPI(7, VectorReschedule)

	high := mmio.ReadAt(RegICRHigh)
	low := mmio.ReadAt(RegICRLow)
	if high != 7<<24 {
		t.Fatalf("ICR high = %#x, want dest 7 in top byte", high)
	}
	if low&0xff != VectorReschedule {
		t.Fatalf("ICR low vector = %#x, want %#x", low&0xff, VectorReschedule)
	}
}

func TestNewIOAPICMasksAllPinsOnInit(t *testing.T) {
	win := NewFakeIOAPICWindow(24)
	io := NewIOAPIC(1, win)

	if io.Pins() != 24 {
		t.Fatalf("Pins() = %d, want 24", io.Pins())
	}
	for pin := uint32(0); pin < io.Pins(); pin++ {
		v := win.ReadReg(ioRedirBase + pin*2)
		if v&ioRedirMaskBit == 0 {
			t.Fatalf("pin %d not masked after init: %#x", pin, v)
		}
	}
}

func TestIOAPICRouteUnmasksWithVectorAndDest(t *testing.T) {
	win := NewFakeIOAPICWindow(24)
	io := NewIOAPIC(1, win)

	io.Route(5, VectorTimer, 3, true, true)

	low := win.ReadReg(ioRedirBase + 5*2)
	high := win.ReadReg(ioRedirBase + 5*2 + 1)
	if low&0xff != VectorTimer {
		t.Fatalf("vector = %#x, want %#x", low&0xff, VectorTimer)
	}
	if low&ioRedirMaskBit != 0 {
		t.Fatal("pin still masked after Route")
	}
	if low&ioRedirActiveLowBit == 0 || low&ioRedirLevelBit == 0 {
		t.Fatal("polarity/trigger bits not set")
	}
	if high != 3<<24 {
		t.Fatalf("dest = %#x, want 3<<24", high)
	}
}
