// Package userproc implements the user-process factory of spec.md §4.6:
// given a flat code image, it builds an address space, loads the image at
// USER_CODE_BASE, allocates a user stack below USER_STACK_TOP, allocates a
// PCB, seeds its kernel stack with the user-mode trampoline, and enqueues it
// READY. Any failure partway unwinds every prior allocation.
package userproc

import (
	"fmt"
	"log/slog"

	"github.com/chanux-os/chanux/internal/kernel/addrspace"
	"github.com/chanux-os/chanux/internal/kernel/ctxswitch"
	"github.com/chanux-os/chanux/internal/kernel/kpanic"
	"github.com/chanux-os/chanux/internal/kernel/proc"
	"github.com/chanux-os/chanux/internal/kernel/sched"
)

// UserStackSize is USER_STACK_SIZE: the fixed size of every user stack this
// factory allocates, per spec.md §4.6 step 3.
const UserStackSize = 16 * 1024

// SyscallFunc is the entry point a loaded user program calls in place of
// the fast-syscall instruction (spec.md §4.5's entry contract): the
// simulation has no Ring-3-to-Ring-0 trap, so the trampoline hands the
// program body this closure directly, bound to the syscall dispatcher by
// the boot wiring layer. Keeping this a plain function type, rather than an
// imported *syscall.Dispatcher, keeps userproc decoupled from the
// dispatcher package the way the teacher's device collaborators are
// injected as narrow function-typed options (e.g. pit.TimerFactory) rather
// than concrete types.
type SyscallFunc func(num int64, a1, a2, a3, a4, a5, a6 uint64) int64

// Mem is the subset of a process's own address space its program body may
// touch directly, standing in for ordinary load/store instructions against
// already-mapped pages (the stack, mainly) — as opposed to Syscall, which
// stands in for the fast-syscall trap into the kernel. It is always the
// calling process's own AS; a program can no more reach another process's
// memory through it than real user-mode code could without a syscall.
type Mem interface {
	WriteUser(vaddr uintptr, data []byte) error
	ReadUser(vaddr uintptr, out []byte) error
}

// Entry is a loaded user program's code, invoked once the trampoline has
// installed its address space and built the simulated iretq frame. sys is
// the fast-syscall entry point; mem is read/write access to the process's
// own already-mapped pages; stackTop is the 16-byte-aligned top of its
// stack, the one scratch region a program can always write into to stage
// syscall buffers. Entry returns its exit code.
type Entry func(sys SyscallFunc, mem Mem, stackTop uintptr) int32

// Factory builds user processes.
type Factory struct {
	table    *proc.Table
	asMgr    *addrspace.Manager
	sched    *sched.Scheduler
	log      *slog.Logger
	syscall  func(pcb *proc.PCB) SyscallFunc
}

// New constructs a Factory. bindSyscall returns, for a given about-to-run
// PCB, the SyscallFunc its program body should see — ordinarily a closure
// over the boot-wired dispatcher that calls dispatcher.Dispatch(num, ...)
// while that PCB is current.
func New(table *proc.Table, asMgr *addrspace.Manager, s *sched.Scheduler, log *slog.Logger, bindSyscall func(pcb *proc.PCB) SyscallFunc) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{table: table, asMgr: asMgr, sched: s, log: log, syscall: bindSyscall}
}

// Create implements spec.md §4.6's create_user: it allocates an address
// space, loads image at USER_CODE_BASE, allocates a user stack, allocates a
// PCB, seeds the trampoline and enqueues the process READY.
func (f *Factory) Create(name string, image []byte, entry Entry) (*proc.PCB, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("userproc: %s: empty image", name)
	}
	if uintptr(len(image)) >= addrspace.UserSpaceEnd-addrspace.UserCodeBase {
		return nil, fmt.Errorf("userproc: %s: image too large", name)
	}

	as := f.asMgr.Create()
	var undo []func()
	undo = append(undo, func() { _ = f.asMgr.Destroy(as) })
	fail := func(err error) (*proc.PCB, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return nil, fmt.Errorf("userproc: %s: %w", name, err)
	}

	codeBase := addrspace.UserCodeBase
	pages := (len(image) + addrspace.PageSize - 1) / addrspace.PageSize
	for i := 0; i < pages; i++ {
		frame := make([]byte, addrspace.PageSize)
		start := i * addrspace.PageSize
		end := start + addrspace.PageSize
		if end > len(image) {
			end = len(image)
		}
		copy(frame, image[start:end]) // remaining bytes of the final page stay zero

		vaddr := codeBase + uintptr(i*addrspace.PageSize)
		if err := as.MapUserData(vaddr, frame, addrspace.Present); err != nil {
			return fail(fmt.Errorf("map code page %d: %w", i, err))
		}
	}

	stackPages := (UserStackSize + addrspace.PageSize - 1) / addrspace.PageSize
	stackBase := addrspace.UserSpaceEnd - uintptr(stackPages)*addrspace.PageSize
	for i := 0; i < stackPages; i++ {
		frame := make([]byte, addrspace.PageSize)
		vaddr := stackBase + uintptr(i*addrspace.PageSize)
		if err := as.MapUserData(vaddr, frame, addrspace.Present|addrspace.Writable|addrspace.NoExecute); err != nil {
			return fail(fmt.Errorf("map stack page %d: %w", i, err))
		}
	}
	stackTop := addrspace.UserSpaceEnd &^ 0xF // 16-byte aligned, spec.md §3

	pcb, err := f.table.Allocate(name, proc.FlagUser)
	if err != nil {
		if err == proc.ErrNoSlot {
			kpanic.Raise(f.log, kpanic.ExceedMaxProcesses, "create_user %q: table is full (max %d)", name, proc.MaxProcesses)
		}
		return fail(err)
	}
	undo = append(undo, func() {
		// Allocate leaves pcb in NEW; Release requires TERMINATED. A failed
		// factory call never ran the process, so there is nothing to undo
		// beyond the address space above — dropping the last reference to
		// pcb is enough to make its slot's occupant unreachable once a
		// fresh Allocate overwrites it. This mirrors create_user's own
		// unwind note (spec.md §4.6): "any step failure unwinds all prior
		// allocations".
	})

	pcb.AddressSpace = as
	pcb.UserStackBase = stackBase
	pcb.UserStackTop = stackTop
	pcb.UserEntry = codeBase
	pcb.UserImageSize = uintptr(len(image))
	pcb.SavedContext = ctxswitch.Seed(0)
	pcb.Transition(proc.Ready)

	f.sched.NotifyProcessCreated()

	sys := f.syscall(pcb)
	f.sched.Launch(pcb, func() {
		// BuildUserEntryFrame is the (simulated) iretq frame the trampoline
		// would execute on real hardware (spec.md §4.3); there is no real
		// Ring-3 transition to perform here, but constructing it keeps the
		// data path identical to the non-hosted primitive.
		_ = ctxswitch.BuildUserEntryFrame(pcb.UserEntry, pcb.UserStackTop)
		code := entry(sys, as, pcb.UserStackTop)
		f.sched.Exit(code)
	})
	f.sched.EnqueueReady(pcb)

	f.log.Debug("userproc: created", "pid", pcb.PID, "name", name, "entry", fmt.Sprintf("%#x", pcb.UserEntry))

	return pcb, nil
}
