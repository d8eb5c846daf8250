// Package trace records scheduling events (context switches, syscalls) to
// a binary log for post-mortem debugging, directly adapted from the
// teacher's profiling-duration format (internal/timeslice/timeslice.go):
// the magic+version header, a background writer goroutine draining a
// channel into a buffered writer, and a fixed little-endian record layout
// are kept; what changes is the payload — a scheduling event kind and the
// PID involved, rather than a duration.
package trace

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	magic   uint32 = 0x43484e58 // "CHNX"
	version uint32 = 1
)

// EventKind distinguishes the scheduling events worth recording.
type EventKind uint8

const (
	EventContextSwitch EventKind = iota
	EventSyscallEnter
	EventSyscallExit
	EventPreempt
	EventSleep
	EventWake
	EventExit
)

type header struct {
	Magic   uint32
	Version uint32
}

// Record is one traced scheduling event.
type Record struct {
	Tick uint64
	PID  uint32
	Kind EventKind
	Arg  int64
}

var recordSize = binary.Size(Record{})

// Recorder writes records to an underlying io.Writer via a background
// goroutine, mirroring the teacher's writer/writerChan pattern so a busy
// scheduler never blocks on trace I/O.
type Recorder struct {
	ch   chan Record
	done chan error
}

// Open writes the trace header and starts the background writer.
func Open(w io.Writer) (*Recorder, error) {
	if err := binary.Write(w, binary.LittleEndian, header{Magic: magic, Version: version}); err != nil {
		return nil, fmt.Errorf("trace: write header: %w", err)
	}

	r := &Recorder{ch: make(chan Record, 1024), done: make(chan error, 1)}
	go r.run(w)
	return r, nil
}

func (r *Recorder) run(w io.Writer) {
	for rec := range r.ch {
		if err := binary.Write(w, binary.LittleEndian, rec); err != nil {
			r.done <- fmt.Errorf("trace: write record: %w", err)
			return
		}
	}
	r.done <- nil
}

// Record enqueues an event; it never blocks the scheduler on I/O because
// the channel is buffered and drained asynchronously.
func (r *Recorder) Record(rec Record) {
	select {
	case r.ch <- rec:
	default:
		// Buffer full: drop the event rather than stall the scheduler.
	}
}

// Close stops the writer goroutine and returns any write error.
func (r *Recorder) Close() error {
	close(r.ch)
	return <-r.done
}

// ReadAll decodes every record in a trace produced by Open/Record, calling
// fn for each one in order.
func ReadAll(r io.Reader, fn func(Record) error) error {
	var hdr header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("trace: read header: %w", err)
	}
	if hdr.Magic != magic {
		return fmt.Errorf("trace: bad magic %#x", hdr.Magic)
	}
	if hdr.Version != version {
		return fmt.Errorf("trace: unsupported version %d", hdr.Version)
	}

	for {
		var rec Record
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("trace: read record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
