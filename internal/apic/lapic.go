package apic

import "github.com/osfree-project/smpcore/internal/kerrors"

// ReferenceClock stands in for the PIT/HPET tick source the local APIC
// timer is calibrated against. Production wiring would back this with
// the platform timer; this module only needs something that can wait a
// fixed interval.
type ReferenceClock interface {
	WaitMS(ms uint32)
}

// DeliveryMode is the ICR delivery-mode field: Fixed for ordinary
// vectored IPIs, Init/Startup for AP bring-up.
type DeliveryMode uint8

const (
	DeliveryFixed   DeliveryMode = deliveryModeFixed
	DeliveryInit    DeliveryMode = deliveryModeInit
	DeliveryStartup DeliveryMode = deliveryModeStartup
)

// LocalAPIC drives one CPU's local APIC: boot-time programming, timer
// calibration and arming, EOI, and IPI send.
type LocalAPIC struct {
	regs Registers

	ticksPerMS uint32
	calibrated bool
}

// NewLocalAPIC wraps a Registers implementation (xAPIC MMIO or x2APIC
// MSR, chosen by the caller from the CPUID x2APIC feature bit).
func NewLocalAPIC(regs Registers) *LocalAPIC {
	return &LocalAPIC{regs: regs}
}

// InitBSP performs the boot-time local-APIC program sequence on the BSP,
// including timer calibration.
func (l *LocalAPIC) InitBSP(clock ReferenceClock) {
	l.enableCommon()
	l.calibrate(clock)
	l.armPeriodicTimer()
}

// InitAP performs the same register-level enable an AP needs, reusing
// the BSP's calibration value rather than recalibrating.
func (l *LocalAPIC) InitAP(ticksPerMS uint32) {
	l.enableCommon()
	l.ticksPerMS = ticksPerMS
	l.calibrated = true
	l.armPeriodicTimer()
}

func (l *LocalAPIC) enableCommon() {
	l.regs.Write(RegLVTLINT0, lvtMaskBit)
	l.regs.Write(RegLVTLINT1, lvtMaskBit)
	l.regs.Write(RegLVTError, VectorError)

	l.regs.Write(RegESR, 0)
	l.regs.Write(RegESR, 0)

	l.regs.Write(RegTPR, 0)

	l.regs.Write(RegSVR, svrEnableBit|apicGlobalEnableBit|VectorSpurious)
}

// calibrate programs the timer for a one-shot max-count run, waits
// TimerCalibrationMS on the reference clock, and derives ticks_per_ms
// from how far the counter fell.
func (l *LocalAPIC) calibrate(clock ReferenceClock) {
	const divideBy16 = 0x3
	l.regs.Write(RegDivideCfg, divideBy16)
	l.regs.Write(RegInitCount, 0xFFFFFFFF)

	clock.WaitMS(TimerCalibrationMS)

	current := l.regs.Read(RegCurCount)
	elapsed := uint64(0xFFFFFFFF) - uint64(current)
	l.ticksPerMS = uint32(elapsed / TimerCalibrationMS)
	l.calibrated = true
}

// armPeriodicTimer arms the timer in periodic mode at SchedulerTickHz
// using the calibrated ticks_per_ms value.
func (l *LocalAPIC) armPeriodicTimer() {
	const periodicModeBit = 1 << 17
	const divideBy16 = 0x3

	msPerTick := uint32(1000 / SchedulerTickHz)
	count := l.ticksPerMS * msPerTick
	if count == 0 {
		count = 1
	}

	l.regs.Write(RegDivideCfg, divideBy16)
	l.regs.Write(RegLVTTimer, periodicModeBit|VectorTimer)
	l.regs.Write(RegInitCount, count)
}

// TicksPerMS returns the calibration value, for an AP that wants to reuse
// the BSP's calibration without recalibrating.
func (l *LocalAPIC) TicksPerMS() (uint32, bool) { return l.ticksPerMS, l.calibrated }

// EOI signals end-of-interrupt to the local APIC.
func (l *LocalAPIC) EOI() { l.regs.Write(RegEOI, 0) }

// SendIPI issues a fixed-vector IPI to destAPICID in physical
// destination mode, polling ICRBusy for xAPIC (x2APIC's ICRBusy always
// reports false).
func (l *LocalAPIC) SendIPI(destAPICID uint32, vector uint8) {
	l.sendRaw(destAPICID, uint32(DeliveryFixed), vector)
}

// SendInit issues the INIT IPI the AP boot sequence sends first.
func (l *LocalAPIC) SendInit(destAPICID uint32) {
	l.sendRaw(destAPICID, uint32(DeliveryInit), 0)
}

// SendStartup issues a STARTUP IPI whose vector field carries the
// trampoline page number (physical address >> 12).
func (l *LocalAPIC) SendStartup(destAPICID uint32, trampolinePage uint8) {
	l.sendRaw(destAPICID, uint32(DeliveryStartup), trampolinePage)
}

func (l *LocalAPIC) sendRaw(destAPICID uint32, deliveryMode uint32, vector uint8) {
	for l.regs.ICRBusy() {
	}
	high := destAPICID << 24
	low := deliveryMode<<8 | uint32(vector)
	l.regs.WriteICR(high, low)
}

// WaitIdle blocks (bounded by maxSpins, to avoid hanging a hosted test
// forever on a stuck fake) until the ICR delivery-status bit clears.
func (l *LocalAPIC) WaitIdle(maxSpins int) error {
	for i := 0; i < maxSpins; i++ {
		if !l.regs.ICRBusy() {
			return nil
		}
	}
	return kerrors.New(kerrors.APICTimeout, "ICR delivery status never cleared")
}
