package apic

import "github.com/osfree-project/smpcore/internal/topology"

// IOAPICWindow abstracts the select/window register pair every I/O APIC
// is programmed through (index register at offset 0x00, data window at
// offset 0x10).
type IOAPICWindow interface {
	ReadReg(reg uint32) uint32
	WriteReg(reg uint32, val uint32)
}

const (
	ioRegVersionOffset = ioRegVersion
	ioRedirBase        = 0x10
)

// IOAPIC programs one I/O APIC's redirection table: masked initialization
// at boot, then per-pin routing as IRQs are wired up.
type IOAPIC struct {
	ID   uint32
	win  IOAPICWindow
	pins uint32
}

// NewIOAPIC reads the version register to learn the pin count and masks
// every redirection entry with a placeholder vector, so nothing fires
// until a driver explicitly routes its IRQ.
func NewIOAPIC(id uint32, win IOAPICWindow) *IOAPIC {
	io := &IOAPIC{ID: id, win: win}
	version := win.ReadReg(ioRegVersionOffset)
	io.pins = ((version >> 16) & 0xff) + 1
	for pin := uint32(0); pin < io.pins; pin++ {
		io.writeRedir(pin, ioRedirMaskBit|uint32(VectorSpurious))
	}
	return io
}

func (io *IOAPIC) writeRedir(pin uint32, low uint32) {
	lowReg := ioRedirBase + pin*2
	highReg := lowReg + 1
	io.win.WriteReg(lowReg, low)
	io.win.WriteReg(highReg, 0)
}

// Route programs pin to deliver vector to destAPICID in physical,
// fixed-delivery mode with the given polarity/trigger, unmasked. The
// 64-bit redirection entry is written as two 32-bit stores, low half
// first.
func (io *IOAPIC) Route(pin uint32, vector uint8, destAPICID uint32, activeLow, levelTriggered bool) {
	low := uint32(vector)
	if levelTriggered {
		low |= ioRedirLevelBit
	}
	if activeLow {
		low |= ioRedirActiveLowBit
	}
	lowReg := ioRedirBase + pin*2
	highReg := lowReg + 1
	io.win.WriteReg(lowReg, low)
	io.win.WriteReg(highReg, destAPICID<<24)
}

// Mask disables delivery on pin without disturbing its other fields.
func (io *IOAPIC) Mask(pin uint32) {
	lowReg := ioRedirBase + pin*2
	v := io.win.ReadReg(lowReg)
	io.win.WriteReg(lowReg, v|ioRedirMaskBit)
}

// Pins reports the redirection-table size this I/O APIC advertised.
func (io *IOAPIC) Pins() uint32 { return io.pins }

// Router owns every online I/O APIC and routes legacy IRQs through the
// topology package's override-aware lookup: translate legacy IRQ to its
// global interrupt via the override table, select the I/O APIC whose
// range contains it, and program that pin.
type Router struct {
	online *topology.Online
	byID   map[uint32]*IOAPIC
}

// NewRouter binds a Router to the validated topology snapshot and the set
// of initialized I/O APIC drivers, keyed by I/O APIC id.
func NewRouter(online *topology.Online, ioapics map[uint32]*IOAPIC) *Router {
	return &Router{online: online, byID: ioapics}
}

// RouteIRQ wires legacy IRQ irq to vector, delivered to destAPICID,
// resolving the target I/O APIC and polarity/trigger from the topology
// snapshot's override table.
func (r *Router) RouteIRQ(irq uint8, vector uint8, destAPICID uint32) bool {
	gsi, activeLow, levelTriggered := r.online.RouteIRQ(irq)
	desc, ok := r.online.IOAPICFor(gsi)
	if !ok {
		return false
	}
	io, ok := r.byID[desc.ID]
	if !ok {
		return false
	}
	pin := gsi - desc.GlobalIntBase
	io.Route(pin, vector, destAPICID, activeLow, levelTriggered)
	return true
}
