package console

import (
	"bytes"
	"testing"
)

func TestPutCharNormalizesCRLF(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)

	for _, b := range []byte("a\r\nb\rc\n") {
		c.PutChar(b)
	}

	if got, want := buf.String(), "a\nb\nc\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestBytesWrittenCountsEveryPutChar(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)

	for i := 0; i < 5; i++ {
		c.PutChar('x')
	}
	if c.BytesWritten() != 5 {
		t.Fatalf("expected 5, got %d", c.BytesWritten())
	}
}

func TestWriteDrivesPutCharPerByte(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)

	n, err := c.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected n=5, got %d", n)
	}
	if buf.String() != "hello" {
		t.Fatalf("got %q", buf.String())
	}
}
