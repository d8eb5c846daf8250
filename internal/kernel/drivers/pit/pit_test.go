package pit

import (
	"testing"
	"time"
)

type fakeIRQ struct {
	pulses int
}

func (f *fakeIRQ) SetIRQ(line uint8, level bool) {
	if level {
		f.pulses++
	}
}

// fakeTimer lets the test fire ticks synchronously instead of waiting on a
// real wall-clock ticker.
type fakeTimer struct {
	fn func()
}

func (fakeTimer) Stop() {}

func TestStartFiresIRQ0OnEachSimulatedTick(t *testing.T) {
	irq := &fakeIRQ{}
	var handle *fakeTimer
	p := New(irq, WithTimerFactory(func(period time.Duration, fn func()) TimerHandle {
		handle = &fakeTimer{fn: fn}
		return handle
	}))

	p.Start()
	handle.fn()
	handle.fn()
	handle.fn()

	if got := p.GetTicks(); got != 3 {
		t.Fatalf("expected 3 ticks, got %d", got)
	}
	if irq.pulses != 3 {
		t.Fatalf("expected 3 IRQ0 pulses, got %d", irq.pulses)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	factoryCalls := 0
	p := New(nil, WithTimerFactory(func(period time.Duration, fn func()) TimerHandle {
		factoryCalls++
		return fakeTimer{}
	}))

	p.Start()
	p.Start()
	if factoryCalls != 1 {
		t.Fatalf("expected Start to arm the timer once, got %d factory calls", factoryCalls)
	}
}

func TestStopAllowsRestart(t *testing.T) {
	factoryCalls := 0
	p := New(nil, WithTimerFactory(func(period time.Duration, fn func()) TimerHandle {
		factoryCalls++
		return fakeTimer{}
	}))

	p.Start()
	p.Stop()
	p.Start()
	if factoryCalls != 2 {
		t.Fatalf("expected a second Start after Stop to rearm, got %d factory calls", factoryCalls)
	}
}

func TestWithFrequencySetsThePeriod(t *testing.T) {
	p := New(nil, WithFrequency(50))
	if p.period != time.Second/50 {
		t.Fatalf("expected a 50Hz period, got %v", p.period)
	}
}
