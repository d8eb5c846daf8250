// Package syscall implements the syscall dispatcher and the individual
// syscall handlers of spec.md §4.5: argument marshalling, table lookup,
// user-pointer validation and the six stable syscall numbers (exit, write,
// read, yield, getpid, sleep).
package syscall

import (
	"log/slog"

	"github.com/chanux-os/chanux/internal/kernel/addrspace"
	"github.com/chanux-os/chanux/internal/kernel/drivers/console"
	"github.com/chanux-os/chanux/internal/kernel/drivers/keyboard"
	"github.com/chanux-os/chanux/internal/kernel/errno"
	"github.com/chanux-os/chanux/internal/kernel/proc"
	"github.com/chanux-os/chanux/internal/kernel/sched"
	"github.com/chanux-os/chanux/internal/kernel/trace"
)

// Numbers are the stable wire values of spec.md §4.5's syscall table.
const (
	SysExit   = 0
	SysWrite  = 1
	SysRead   = 2
	SysYield  = 3
	SysGetpid = 4
	SysSleep  = 5

	// MaxSyscall bounds the dispatch table; dispatch(num >= MaxSyscall) is
	// -ENOSYS per spec.md §4.5.
	MaxSyscall = 6
)

// Standard stdio file descriptors, per spec.md §4.5's write/read semantics.
const (
	FDStdin  = 0
	FDStdout = 1
	FDStderr = 2
)

// handler is the signature every syscall table slot holds: the current PCB
// plus the six argument registers, returning the raw i64 ABI value.
type handler func(d *Dispatcher, cur *proc.PCB, a1, a2, a3, a4, a5, a6 uint64) int64

// Dispatcher is dispatch(num, a1..a6) -> i64 from spec.md §4.5, plus the
// fixed handler table it looks up into.
type Dispatcher struct {
	sched    *sched.Scheduler
	console  *console.Console
	keyboard *keyboard.Keyboard
	trace    *trace.Recorder
	log      *slog.Logger

	table [MaxSyscall]handler
}

// New constructs a Dispatcher wired to the given scheduler and I/O
// collaborators (spec.md §6).
func New(s *sched.Scheduler, con *console.Console, kb *keyboard.Keyboard, tr *trace.Recorder, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{sched: s, console: con, keyboard: kb, trace: tr, log: log}
	d.table[SysExit] = sysExit
	d.table[SysWrite] = sysWrite
	d.table[SysRead] = sysRead
	d.table[SysYield] = sysYield
	d.table[SysGetpid] = sysGetpid
	d.table[SysSleep] = sysSleep
	return d
}

// Dispatch is the single entry point the (simulated) fast-syscall trap
// calls into. num outside [0, MaxSyscall) or a null table slot returns
// -ENOSYS without touching the current process; a negative return is always
// an error, a non-negative return is always success (spec.md §4.5).
func (d *Dispatcher) Dispatch(num int, a1, a2, a3, a4, a5, a6 uint64) int64 {
	if num < 0 || num >= MaxSyscall || d.table[num] == nil {
		return int64(errno.ENOSYS)
	}

	cur := d.sched.Current()
	if d.trace != nil {
		d.trace.Record(trace.Record{Tick: d.sched.Ticks(), PID: uint32(cur.PID), Kind: trace.EventSyscallEnter, Arg: int64(num)})
	}

	ret := d.table[num](d, cur, a1, a2, a3, a4, a5, a6)

	// Exit never returns to its own caller's goroutine (Scheduler.Exit
	// hands the token away for good), so tracing its exit here would
	// record a syscall boundary on a goroutine that has already moved on
	// to the next process — skip it for that one handler.
	if num != SysExit && d.trace != nil {
		d.trace.Record(trace.Record{Tick: d.sched.Ticks(), PID: uint32(cur.PID), Kind: trace.EventSyscallExit, Arg: ret})
	}

	return ret
}

// userAddressSpace narrows cur's opaque AddressSpace handle to the concrete
// type the validation and copy helpers below need. Kernel-mode PCBs share
// the kernel AS, which has no user mappings, so a kernel process issuing a
// user-pointer syscall simply faults like any other unmapped access would.
func userAddressSpace(cur *proc.PCB) (*addrspace.AS, bool) {
	as, ok := cur.AddressSpace.(*addrspace.AS)
	return as, ok
}

// validateUserRange implements spec.md §4.5's four unconditional pointer
// checks: null, at-or-past USER_SPACE_END, or a length that wraps or pushes
// the end past USER_SPACE_END. Mapping and USER-bit presence are verified
// separately, by the address-space ReadUser/WriteUser calls that actually
// move the bytes.
func validateUserRange(p uintptr, n uintptr) errno.Errno {
	if p == 0 {
		return errno.EFAULT
	}
	if p >= addrspace.UserSpaceEnd {
		return errno.EFAULT
	}
	end := p + n
	if end < p { // wrapped
		return errno.EFAULT
	}
	if end > addrspace.UserSpaceEnd {
		return errno.EFAULT
	}
	return 0
}

func sysExit(d *Dispatcher, cur *proc.PCB, a1, _, _, _, _, _ uint64) int64 {
	d.sched.Exit(int32(a1))
	return 0 // unreachable: Exit never returns
}

func sysWrite(d *Dispatcher, cur *proc.PCB, a1, a2, a3, _, _, _ uint64) int64 {
	fd := int32(a1)
	buf := uintptr(a2)
	length := uintptr(a3)

	if fd != FDStdout && fd != FDStderr {
		return int64(errno.EBADF)
	}
	if e := validateUserRange(buf, length); e != 0 {
		return int64(e)
	}
	if length == 0 {
		return 0
	}

	as, ok := userAddressSpace(cur)
	if !ok {
		return int64(errno.EFAULT)
	}

	// The entire buffer is staged before any byte reaches the console, so
	// a fault partway through never emits a partial write (spec.md §7).
	data := make([]byte, length)
	if err := as.ReadUser(buf, data); err != nil {
		return int64(errno.EFAULT)
	}
	for _, b := range data {
		d.console.PutChar(b)
	}
	return int64(length)
}

func sysRead(d *Dispatcher, cur *proc.PCB, a1, a2, a3, _, _, _ uint64) int64 {
	fd := int32(a1)
	buf := uintptr(a2)
	length := uintptr(a3)

	if fd != FDStdin {
		return int64(errno.EBADF)
	}
	if e := validateUserRange(buf, length); e != 0 {
		return int64(e)
	}
	if length == 0 {
		return 0
	}

	as, ok := userAddressSpace(cur)
	if !ok {
		return int64(errno.EFAULT)
	}

	// read(stdin) is non-blocking per spec.md §9 Open Question (a): drain
	// whatever is already buffered, up to length, and return immediately —
	// 0 is a valid "nothing available" result, not an error.
	data := make([]byte, 0, length)
	for uintptr(len(data)) < length && d.keyboard.HasKey() {
		data = append(data, d.keyboard.GetChar())
	}
	if len(data) == 0 {
		return 0
	}
	if err := as.WriteUser(buf, data); err != nil {
		return int64(errno.EFAULT)
	}
	return int64(len(data))
}

func sysYield(d *Dispatcher, cur *proc.PCB, _, _, _, _, _, _ uint64) int64 {
	d.sched.Yield()
	return 0
}

func sysGetpid(d *Dispatcher, cur *proc.PCB, _, _, _, _, _, _ uint64) int64 {
	return int64(cur.PID)
}

func sysSleep(d *Dispatcher, cur *proc.PCB, a1, _, _, _, _, _ uint64) int64 {
	d.sched.Sleep(a1)
	return 0
}
