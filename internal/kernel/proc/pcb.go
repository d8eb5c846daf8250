// Package proc implements the process control block and the fixed-capacity
// process table described in spec.md §§3–4.1.
package proc

import (
	"fmt"

	"github.com/chanux-os/chanux/internal/kernel/ctxswitch"
)

// State is one of the five PCB lifecycle states (spec.md §3).
type State int

const (
	New State = iota
	Ready
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Blocked:
		return "BLOCKED"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Flags describes process capabilities fixed at creation.
type Flags uint8

const (
	// FlagUser marks a process with a Ring-3 address space, user stack and
	// entry point (spec.md §3, user_stack_base/user_stack_top/user_entry).
	FlagUser Flags = 1 << iota
)

// MaxNameLen bounds PCB.Name to 31 bytes plus a terminator, per spec.md §3.
const MaxNameLen = 31

// PID is a non-zero process identifier, monotonically increasing within a
// boot. PID 0 is reserved for the idle process.
type PID uint32

// IdlePID is the reserved identifier of the idle process.
const IdlePID PID = 0

// PCB is the per-process control block. Fields mirror spec.md §3 exactly;
// it is the arena element referenced by index (PID) rather than by pointer
// from the ready queue, per the Design Notes (§9) cyclic-reference guidance.
type PCB struct {
	PID   PID
	Name  string
	Flags Flags
	State State

	// AddressSpace is an opaque handle, shared with the address-space
	// manager; see internal/kernel/addrspace.
	AddressSpace AddressSpaceHandle

	// SavedContext is valid only while State is Ready or Blocked.
	SavedContext ctxswitch.SavedContext

	UserStackBase uintptr
	UserStackTop  uintptr
	UserEntry     uintptr
	UserImageSize uintptr

	TimeSliceRemaining int64
	WakeTick           uint64
	CPUTicks           uint64

	ParentPID PID
	ExitCode  int32
}

// AddressSpaceHandle is the opaque handle type the address-space manager
// issues and the process table stores; kept abstract here so proc does not
// import addrspace and create a cycle (mirrors the ISR/driver indirection
// in the teacher's interrupt table, internal/vm/intr.go).
type AddressSpaceHandle interface {
	fmt.Stringer
}

// IsUser reports whether the process owns a Ring-3 address space.
func (p *PCB) IsUser() bool {
	return p.Flags&FlagUser != 0
}

func (p *PCB) String() string {
	return fmt.Sprintf("PCB{pid=%d name=%q state=%s}", p.PID, p.Name, p.State)
}

// validTransitions enumerates the lifecycle edges spec.md §3 allows.
var validTransitions = map[State]map[State]bool{
	New:        {Ready: true},
	Ready:      {Running: true, Terminated: true},
	Running:    {Ready: true, Blocked: true, Terminated: true},
	Blocked:    {Ready: true, Terminated: true},
	Terminated: {},
}

// Transition moves the PCB to next, or panics on an invariant violation —
// an illegal state transition is a programming fault per spec.md §7.2.
func (p *PCB) Transition(next State) {
	if !validTransitions[p.State][next] {
		panic(fmt.Sprintf("proc: illegal transition %s -> %s for %s", p.State, next, p))
	}
	p.State = next
}
