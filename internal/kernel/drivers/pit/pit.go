// Package pit models the 8254 timer collaborator spec.md §6 requires:
// a 100 Hz interrupt on IRQ 0, exposing GetTicks() to readers. Adapted from
// the teacher's 8254 channel-0 rate generator
// (internal/devices/amd64/chipset/pit.go), keeping its options pattern
// (WithClock/WithTimerFactory for deterministic tests) and periodic-timer
// arming, but dropping the full read-back/latch register model the real
// chip needs — this kernel only ever programs channel 0 in rate-generator
// mode and never reads the countdown back over a port.
package pit

import (
	"sync"
	"time"
)

// DefaultFrequency is the 100 Hz tick rate spec.md §6 specifies.
const DefaultFrequency = 100

// IRQLine receives edge-triggered IRQ0 pulses.
type IRQLine interface {
	SetIRQ(line uint8, level bool)
}

// TimerFactory abstracts periodic timer creation so tests can inject a
// synchronous fake instead of real wall-clock timers.
type TimerFactory func(period time.Duration, fn func()) TimerHandle

// TimerHandle stops a periodic timer started by a TimerFactory.
type TimerHandle interface {
	Stop()
}

func defaultTimerFactory(period time.Duration, fn func()) TimerHandle {
	t := time.NewTicker(period)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				fn()
			case <-stop:
				t.Stop()
				return
			}
		}
	}()
	return stopFunc(func() { close(stop) })
}

type stopFunc func()

func (f stopFunc) Stop() { f() }

// PIT generates a periodic IRQ 0 pulse and counts elapsed ticks.
type PIT struct {
	mu      sync.Mutex
	ticks   uint64
	irq     IRQLine
	handle  TimerHandle
	factory TimerFactory
	period  time.Duration
}

// Option customizes a PIT, mainly for tests.
type Option func(*PIT)

// WithFrequency overrides the tick rate (default 100 Hz).
func WithFrequency(hz int) Option {
	return func(p *PIT) {
		if hz > 0 {
			p.period = time.Second / time.Duration(hz)
		}
	}
}

// WithTimerFactory injects a deterministic timer source for tests.
func WithTimerFactory(factory TimerFactory) Option {
	return func(p *PIT) {
		if factory != nil {
			p.factory = factory
		}
	}
}

// New builds a PIT wired to irq, started via Start.
func New(irq IRQLine, opts ...Option) *PIT {
	p := &PIT{
		irq:     irq,
		factory: defaultTimerFactory,
		period:  time.Second / DefaultFrequency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start arms channel 0 in rate-generator mode, pulsing IRQ 0 every period.
func (p *PIT) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle != nil {
		return
	}
	p.handle = p.factory(p.period, p.fire)
}

// Stop disarms the timer.
func (p *PIT) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle != nil {
		p.handle.Stop()
		p.handle = nil
	}
}

func (p *PIT) fire() {
	p.mu.Lock()
	p.ticks++
	p.mu.Unlock()
	if p.irq != nil {
		p.irq.SetIRQ(0, true)
		p.irq.SetIRQ(0, false)
	}
}

// GetTicks returns the number of timer interrupts delivered so far — the
// collaborator interface spec.md §6 names.
func (p *PIT) GetTicks() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}
