package proc

import (
	"fmt"
	"log/slog"
)

// MaxProcesses bounds the process table, per spec.md §4.4 "exceeding
// MAX_PROCESSES" being a kernel invariant violation. A teaching kernel's
// table is small and fixed at compile time; 64 leaves ample headroom for
// every scenario in spec.md §8 while keeping the sleep-queue table scan
// (§4.4 step 2) unconditionally cheap.
const MaxProcesses = 64

// ErrNoSlot is returned by Allocate when the table is full.
var ErrNoSlot = fmt.Errorf("proc: no free process slot")

// StackReleaser releases a PCB's owned kernel stack (and, for user
// processes, its user stack and address space) back to their collaborator
// allocators. The process table only orchestrates the release; it does not
// own stack or page-frame memory itself (those are PMM/VMM collaborator
// responsibilities, out of scope per spec.md §1).
type StackReleaser interface {
	ReleaseKernelStack(pcb *PCB)
	ReleaseUserResources(pcb *PCB)
}

// Table is the fixed-capacity PID -> PCB registry (spec.md §3, §4.1). Slot 0
// always holds the idle PCB.
type Table struct {
	slots    [MaxProcesses]*PCB
	nextPID  PID
	log      *slog.Logger
	releaser StackReleaser
}

// NewTable constructs an empty process table.
func NewTable(log *slog.Logger, releaser StackReleaser) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{nextPID: 1, log: log, releaser: releaser}
}

// Allocate binds a PCB to a free slot with a fresh PID. Flags are recorded
// on the PCB; the caller is responsible for populating the rest (stacks,
// address space, entry point) before transitioning out of NEW.
func (t *Table) Allocate(name string, flags Flags) (*PCB, error) {
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}

	slot := -1
	for i, s := range t.slots {
		if s == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		return nil, ErrNoSlot
	}

	pid := t.nextPID
	t.nextPID++

	pcb := &PCB{
		PID:   pid,
		Name:  name,
		Flags: flags,
		State: New,
	}
	t.slots[slot] = pcb

	t.log.Debug("proc: allocated", "pid", pid, "name", name, "slot", slot)

	return pcb, nil
}

// AllocateIdle is used once, by the scheduler's Init, to seed PID 0 directly
// (spec.md §4.4 init: "creates the idle PCB (PID 0, ...)"). It bypasses
// nextPID because PID 0 is reserved and never issued by Allocate, and always
// binds slot 0 regardless of occupancy — Init is only ever called once,
// before any other process exists.
func (t *Table) AllocateIdle(name string) *PCB {
	pcb := &PCB{PID: IdlePID, Name: name, State: New}
	t.slots[0] = pcb
	return pcb
}

// Lookup returns the PCB for pid, or nil if no such process exists.
func (t *Table) Lookup(pid PID) *PCB {
	for _, s := range t.slots {
		if s != nil && s.PID == pid {
			return s
		}
	}
	return nil
}

// Release frees pcb's slot and its owned resources. pcb must already be
// TERMINATED; releasing any other state is a programming fault.
func (t *Table) Release(pcb *PCB) {
	if pcb.State != Terminated {
		panic(fmt.Sprintf("proc: release of non-terminated %s", pcb))
	}

	for i, s := range t.slots {
		if s == pcb {
			t.slots[i] = nil
			break
		}
	}

	if t.releaser != nil {
		t.releaser.ReleaseKernelStack(pcb)
		if pcb.IsUser() {
			t.releaser.ReleaseUserResources(pcb)
		}
	}

	t.log.Debug("proc: released", "pid", pcb.PID, "name", pcb.Name)
}

// Each calls fn for every live PCB in slot order — the fixed iteration
// order the sleep-queue scan (spec.md §4.4 step 2) and scheduling-fairness
// property (spec.md §8) both rely on.
func (t *Table) Each(fn func(*PCB)) {
	for _, s := range t.slots {
		if s != nil {
			fn(s)
		}
	}
}

// Count returns the number of live PCBs, for diagnostics and tests.
func (t *Table) Count() int {
	n := 0
	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}
	return n
}
