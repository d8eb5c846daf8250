// Package boot wires every kernel collaborator together into a runnable
// simulation: the process table, address-space manager, scheduler, syscall
// dispatcher, user-process factory and the PIC/PIT/console/keyboard
// drivers. It is the package cmd/chanux's main calls into, and the one this
// repository's end-to-end tests exercise directly instead of a real
// multiboot-loaded binary.
package boot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chanux-os/chanux/internal/kernel/addrspace"
	"github.com/chanux-os/chanux/internal/kernel/bootcfg"
	"github.com/chanux-os/chanux/internal/kernel/drivers/console"
	"github.com/chanux-os/chanux/internal/kernel/drivers/keyboard"
	"github.com/chanux-os/chanux/internal/kernel/drivers/pic"
	"github.com/chanux-os/chanux/internal/kernel/drivers/pit"
	"github.com/chanux-os/chanux/internal/kernel/kpanic"
	"github.com/chanux-os/chanux/internal/kernel/proc"
	"github.com/chanux-os/chanux/internal/kernel/sched"
	"github.com/chanux-os/chanux/internal/kernel/syscall"
	"github.com/chanux-os/chanux/internal/kernel/trace"
	"github.com/chanux-os/chanux/internal/kernel/userproc"
)

// irqTimer and irqKeyboard are the two vectors this kernel's PIC routes;
// anything else acknowledged off the wire is an unknown IRQ vector, a
// kernel-fatal fault per spec.md §7.2.
const (
	irqTimer    = 0
	irqKeyboard = 1
)

// Kernel is a fully wired, running simulation. Its fields are the
// component-to-package map of SPEC_FULL §5, held together in one place the
// way the teacher's top-level VM struct holds its device graph.
type Kernel struct {
	Log       *slog.Logger
	Table     *proc.Table
	AddrSpace *addrspace.Manager
	Sched     *sched.Scheduler
	Dispatch  *syscall.Dispatcher
	Factory   *userproc.Factory
	Console   *console.Console
	Keyboard  *keyboard.Keyboard
	PIC       *pic.DualPIC
	PIT       *pit.PIT
	Trace     *trace.Recorder

	cfg      bootcfg.Config
	stopPump chan struct{}
}

// releaser adapts addrspace.Manager to the proc.Table.StackReleaser
// interface Table.Release calls on termination. Freeing an installed
// address space is one of spec.md §7.2's enumerated kernel faults:
// addrspace.Manager.Destroy reports it as a plain error so that package
// stays independently testable, and this policy layer is where that error
// is escalated to a panic, per the two-tier split SPEC_FULL §2 describes.
type releaser struct {
	asMgr *addrspace.Manager
	log   *slog.Logger
}

func (r *releaser) ReleaseKernelStack(pcb *proc.PCB) {
	// The hosted simulation backs each PCB's "kernel stack" with a Go
	// goroutine stack rather than a fixed memory region (spec.md §1's PMM
	// collaborator is out of scope); there is nothing to free here beyond
	// letting that goroutine's own return, already underway by the time
	// Release runs, reclaim it.
}

func (r *releaser) ReleaseUserResources(pcb *proc.PCB) {
	as, ok := pcb.AddressSpace.(*addrspace.AS)
	if !ok || as == nil {
		return
	}
	if err := r.asMgr.Destroy(as); err != nil {
		kpanic.Raise(r.log, kpanic.FreeInstalledAS, "release of %s: %v", pcb, err)
	}
}

// New wires every collaborator per cfg, optionally recording scheduling
// events to tr (pass nil to disable tracing). It does not start the timer
// or boot any processes — call Boot for that.
func New(cfg bootcfg.Config, out io.Writer, tr *trace.Recorder, log *slog.Logger) *Kernel {
	if log == nil {
		log = slog.Default()
	}

	k := &Kernel{Log: log, cfg: cfg, Trace: tr}
	k.AddrSpace = addrspace.NewManager()
	k.Table = proc.NewTable(log, &releaser{asMgr: k.AddrSpace, log: log})

	k.Console = console.New(out)
	k.Keyboard = keyboard.New()
	k.PIC = pic.New()

	k.Sched = sched.New(k.Table, k.AddrSpace, log, sched.WithTimeSlice(int64(cfg.TimeSliceTicks)), sched.WithTrace(tr))
	k.Dispatch = syscall.New(k.Sched, k.Console, k.Keyboard, tr, log)
	k.Factory = userproc.New(k.Table, k.AddrSpace, k.Sched, log, func(pcb *proc.PCB) userproc.SyscallFunc {
		return func(num int64, a1, a2, a3, a4, a5, a6 uint64) int64 {
			return k.Dispatch.Dispatch(int(num), a1, a2, a3, a4, a5, a6)
		}
	})

	k.PIT = pit.New(k.PIC, pit.WithFrequency(cfg.PITFrequencyHz))

	return k
}

// InitCollaborators brings up the PIC, PIT and console/keyboard drivers
// concurrently — independent initialization fanned out and joined with
// errgroup, the same pattern the teacher uses to bring up unrelated VM
// devices in parallel before the guest starts running.
func (k *Kernel) InitCollaborators(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		k.PIC.SetMask(irqTimer, false)
		return nil
	})
	g.Go(func() error {
		k.PIC.SetMask(irqKeyboard, false)
		k.Keyboard.Enable()
		return nil
	})
	g.Go(func() error {
		_ = k.Console.BytesWritten() // touch the console to confirm it is live
		return nil
	})

	return g.Wait()
}

// AcknowledgeIRQ routes one pending interrupt off the PIC to its handler,
// the boot-level analogue of the assembly ISR stubs spec.md §9 keeps to a
// fixed minimal set. Any vector outside {irqTimer, irqKeyboard} is a kernel
// fault (spec.md §7.2's "unknown IRQ vector"), except the documented
// spurious IRQ7/15 case, which this kernel never raises since it has no
// secondary-PIC devices wired.
func (k *Kernel) AcknowledgeIRQ() {
	requested, vector := k.PIC.Acknowledge()
	if !requested {
		return
	}
	switch vector {
	case irqTimer:
		k.Sched.Tick()
		k.PIC.EOI(irqTimer)
	case irqKeyboard:
		k.PIC.EOI(irqKeyboard)
	default:
		kpanic.Raise(k.Log, kpanic.UnknownIRQVector, "unexpected vector %d", vector)
	}
}

// Boot starts the idle process, runs the PIT, and creates every process
// named in the boot manifest. It matches spec.md §4.4's init() plus
// SPEC_FULL §4's declarative boot sequence.
func (k *Kernel) Boot() error {
	k.Sched.Init()
	k.PIT.Start()
	k.startIRQPump()

	for _, entry := range k.cfg.Processes {
		if err := k.bootProcess(entry); err != nil {
			return fmt.Errorf("boot: %s: %w", entry.Name, err)
		}
	}
	return nil
}

// startIRQPump launches the goroutine that stands in for a real CPU trapping
// to an ISR: the PIT's own goroutine only raises and lowers the IRQ0 line on
// the PIC (see pit.PIT.fire), it never drains it. Something has to poll
// Acknowledge and route whatever it finds, the way AcknowledgeIRQ's assembly
// stub analogue would on a real interrupt (spec.md §9) — this is that
// something, for the hosted simulation.
func (k *Kernel) startIRQPump() {
	k.stopPump = make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-k.stopPump:
				return
			case <-ticker.C:
				k.AcknowledgeIRQ()
			}
		}
	}()
}

// Shutdown stops the IRQ pump and the timer and, if attached, closes the
// trace recorder.
func (k *Kernel) Shutdown() error {
	if k.stopPump != nil {
		close(k.stopPump)
		k.stopPump = nil
	}
	k.PIT.Stop()
	if k.Trace != nil {
		return k.Trace.Close()
	}
	return nil
}

func (k *Kernel) bootProcess(entry bootcfg.ProcessEntry) error {
	switch entry.Kind {
	case bootcfg.KindKernel:
		_, err := k.Sched.SpawnKernel(entry.Name, defaultKernelBody)
		return err
	case bootcfg.KindUser:
		image, err := os.ReadFile(entry.Image)
		if err != nil {
			return fmt.Errorf("read image %s: %w", entry.Image, err)
		}
		_, err = k.Factory.Create(entry.Name, image, defaultUserBody(entry.Name))
		return err
	default:
		return fmt.Errorf("unknown process kind %q", entry.Kind)
	}
}

// defaultKernelBody is the boot manifest's stand-in for a kernel process
// whose real workload is defined in code rather than in YAML (spawned
// directly with sched.SpawnKernel instead). It does a token amount of
// simulated work and exits cleanly, exercising the spawn-to-exit path for
// any manifest entry that names a kernel process with nothing else to do.
func defaultKernelBody(r *sched.Runner) int32 {
	r.Spend(4)
	return 0
}

// defaultUserBody is the demo program every manifest-declared user process
// runs: the hosted simulation loads the manifest's image bytes faithfully
// (userproc.Factory.Create maps and copies them exactly per spec.md §4.6),
// but cannot execute arbitrary machine code from them — there is no real
// CPU underneath. Instead every such process writes its own name to stdout
// through the real syscall path, using its own stack as scratch space to
// stage the buffer, then exits 0.
func defaultUserBody(name string) userproc.Entry {
	return func(sys userproc.SyscallFunc, mem userproc.Mem, stackTop uintptr) int32 {
		msg := []byte(name + ": hello from user space\n")
		bufAddr := stackTop - uintptr(len(msg))
		if err := mem.WriteUser(bufAddr, msg); err != nil {
			return 1
		}
		sys(int64(syscall.SysWrite), uint64(syscall.FDStdout), uint64(bufAddr), uint64(len(msg)), 0, 0, 0)
		return 0
	}
}
