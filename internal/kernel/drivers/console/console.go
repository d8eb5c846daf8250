// Package console models the VGA text console collaborator spec.md §6
// requires: a single PutChar(byte) primitive that the write syscall drains
// a user buffer into. Adapted from the teacher's 16550 UART
// (internal/devices/amd64/serial/serial.go): kept is the carriage-return/
// line-feed normalization and an io.Writer-backed sink so tests can capture
// output without a real display; dropped is the register/FIFO/IRQ model a
// real UART needs, since a memory-mapped VGA text buffer has no interrupt
// or handshaking surface to emulate.
package console

import (
	"io"
	"sync"
)

// Console is the kernel's sole text output sink.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	skipLF bool
	count  uint64
}

// New wraps out (typically os.Stdout, or a bytes.Buffer in tests) as the
// kernel console.
func New(out io.Writer) *Console {
	return &Console{out: out}
}

// PutChar writes a single byte to the console, normalizing a bare '\r'
// into '\n' and swallowing the '\n' that follows a '\r' — the same
// transmit-path normalization the teacher's UART applies.
func (c *Console) PutChar(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch b {
	case '\r':
		_, _ = c.out.Write([]byte{'\n'})
		c.skipLF = true
	case '\n':
		if c.skipLF {
			c.skipLF = false
			break
		}
		_, _ = c.out.Write([]byte{'\n'})
	default:
		c.skipLF = false
		_, _ = c.out.Write([]byte{b})
	}
	c.count++
}

// Write implements io.Writer by calling PutChar for every byte, which is
// exactly how the write syscall handler drives this collaborator
// (spec.md §6, "write(stdout|stderr) iterates bytes of the user buffer").
func (c *Console) Write(p []byte) (int, error) {
	for _, b := range p {
		c.PutChar(b)
	}
	return len(p), nil
}

// BytesWritten reports how many bytes have passed through the console,
// for diagnostics and the kernel monitor.
func (c *Console) BytesWritten() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
