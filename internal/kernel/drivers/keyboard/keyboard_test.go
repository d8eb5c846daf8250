package keyboard

import "testing"

func TestGetCharIsFIFO(t *testing.T) {
	k := New()
	k.PushKey('a')
	k.PushKey('b')
	k.PushKey('c')

	for _, want := range []byte{'a', 'b', 'c'} {
		if got := k.GetChar(); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
	if k.HasKey() {
		t.Fatal("expected the buffer to be empty")
	}
}

func TestGetCharReturnsZeroWhenEmpty(t *testing.T) {
	k := New()
	if got := k.GetChar(); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestPushKeyDropsWhenDisabled(t *testing.T) {
	k := New()
	k.Disable()
	k.PushKey('x')
	if k.HasKey() {
		t.Fatal("expected a disabled keyboard to drop input")
	}

	k.Enable()
	k.PushKey('y')
	if !k.HasKey() {
		t.Fatal("expected input to be accepted once re-enabled")
	}
}

func TestPushKeyDropsOnFullBuffer(t *testing.T) {
	k := New()
	for i := 0; i < bufferSize+4; i++ {
		k.PushKey(byte('a' + i%26))
	}

	n := 0
	for k.HasKey() {
		k.GetChar()
		n++
	}
	if n != bufferSize {
		t.Fatalf("expected the buffer to cap at %d, drained %d", bufferSize, n)
	}
}
