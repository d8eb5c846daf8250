// Package pic models the cascaded 8259A programmable interrupt controllers
// as the external collaborator spec.md §6 assumes is "correctly initialized"
// by the time the scheduler runs. Adapted from the teacher's dual-8259
// emulation (internal/devices/amd64/chipset/pic.go): the register-level
// command/data/ICW state machine is kept, but port I/O is replaced with a
// direct Go API since this kernel talks to its own interrupt controller
// rather than being virtualized from the outside.
package pic

import (
	"fmt"
	"math/bits"
	"sync"
)

const (
	chainIRQ    = 2
	irqMask     = 0x7
	spuriousIRQ = 7
)

// DualPIC is a pair of cascaded 8259As: primary handles IRQ 0-7, secondary
// IRQ 8-15 chained through IRQ 2 of the primary.
type DualPIC struct {
	mu   sync.Mutex
	pics [2]*pic8259
}

// New constructs an initialized, masked-by-default DualPIC.
func New() *DualPIC {
	return &DualPIC{pics: [2]*pic8259{newPIC(true), newPIC(false)}}
}

// SetIRQ raises or lowers an IRQ line (0-15).
func (d *DualPIC) SetIRQ(line uint8, level bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if line >= 16 {
		return
	}
	if line >= 8 {
		d.pics[1].setIRQ(line-8, level)
	} else {
		d.pics[0].setIRQ(line, level)
	}
	d.syncCascadeLocked()
}

func (d *DualPIC) syncCascadeLocked() {
	d.pics[0].setIRQ(chainIRQ, d.pics[1].interruptPending())
}

// Acknowledge returns whether an interrupt is pending and, if so, its
// vector — the value the dispatcher's timer/keyboard entry stubs use to
// pick an ISR.
func (d *DualPIC) Acknowledge() (requested bool, vector uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()

	requested, vector = d.pics[0].acknowledge()
	if requested && vector&irqMask == chainIRQ {
		secRequested, secVector := d.pics[1].acknowledge()
		if !secRequested {
			return true, d.pics[0].icw2 | spuriousIRQ
		}
		vector = secVector
	}
	d.syncCascadeLocked()
	return requested, vector
}

// EOI signals end-of-interrupt for the given line.
func (d *DualPIC) EOI(line uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if line >= 8 {
		d.pics[1].eoi(line - 8)
	} else {
		d.pics[0].eoi(line)
	}
}

// SetMask enables (false) or masks (true) the given IRQ line.
func (d *DualPIC) SetMask(line uint8, masked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var target *pic8259
	var bit uint8
	if line >= 8 {
		target, bit = d.pics[1], line-8
	} else {
		target, bit = d.pics[0], line
	}
	if masked {
		target.imr |= 1 << bit
	} else {
		target.imr &^= 1 << bit
	}
}

func (d *DualPIC) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("PIC(primary=%#02x secondary=%#02x)", d.pics[0].imr, d.pics[1].imr)
}

type pic8259 struct {
	primary bool
	icw2    byte
	imr     byte
	isr     byte
	irr     byte
}

func newPIC(primary bool) *pic8259 {
	icw2 := byte(0)
	if !primary {
		icw2 = 8
	}
	return &pic8259{primary: primary, icw2: icw2}
}

func (p *pic8259) setIRQ(line uint8, high bool) {
	bit := byte(1 << line)
	if high {
		p.irr |= bit
	} else {
		p.irr &^= bit
	}
}

func (p *pic8259) readyVector() byte {
	highestISR := lowestSetBit(p.isr)
	higherNotISR := highestISR - 1
	return (p.irr &^ p.imr) & higherNotISR
}

func (p *pic8259) interruptPending() bool {
	return p.readyVector() != 0
}

func (p *pic8259) acknowledge() (bool, uint8) {
	vec := p.readyVector()
	if vec == 0 {
		return false, p.icw2 | spuriousIRQ
	}
	line := byte(bits.TrailingZeros8(vec))
	p.isr |= 1 << line
	return true, p.icw2 | line
}

func (p *pic8259) eoi(line uint8) {
	p.isr &^= 1 << line
}

func lowestSetBit(b byte) byte {
	return b & byte(-int8(b))
}
