package kpanic

import (
	"strings"
	"testing"
)

func TestRaisePanicsWithAFault(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected Raise to panic")
		}
		f, ok := r.(*Fault)
		if !ok {
			t.Fatalf("expected a *Fault, got %T", r)
		}
		if f.Category != BadPID {
			t.Fatalf("expected category %q, got %q", BadPID, f.Category)
		}
		if !strings.Contains(f.Error(), "bad_pid") || !strings.Contains(f.Error(), "pid 7") {
			t.Fatalf("unexpected error string: %s", f.Error())
		}
	}()

	Raise(nil, BadPID, "pid %d is out of range", 7)
}

func TestRaiseWithNilLoggerDoesNotPanicBeforeTheFault(t *testing.T) {
	defer func() { recover() }()
	Raise(nil, UnknownIRQVector, "vector %d", 99)
	t.Fatal("expected Raise to panic")
}
