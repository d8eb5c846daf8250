package userproc

import (
	"testing"
	"time"

	"github.com/chanux-os/chanux/internal/kernel/addrspace"
	"github.com/chanux-os/chanux/internal/kernel/kpanic"
	"github.com/chanux-os/chanux/internal/kernel/proc"
	"github.com/chanux-os/chanux/internal/kernel/sched"
)

type testReleaser struct{ asMgr *addrspace.Manager }

func (testReleaser) ReleaseKernelStack(pcb *proc.PCB) {}
func (r testReleaser) ReleaseUserResources(pcb *proc.PCB) {
	if as, ok := pcb.AddressSpace.(*addrspace.AS); ok && as != nil {
		_ = r.asMgr.Destroy(as)
	}
}

func newTestFactory(t *testing.T) (*Factory, *sched.Scheduler) {
	t.Helper()
	asMgr := addrspace.NewManager()
	table := proc.NewTable(nil, testReleaser{asMgr})
	s := sched.New(table, asMgr, nil)
	s.Init()

	f := New(table, asMgr, s, nil, func(pcb *proc.PCB) SyscallFunc {
		return func(num int64, a1, a2, a3, a4, a5, a6 uint64) int64 { return 0 }
	})
	return f, s
}

func TestCreateRejectsEmptyImage(t *testing.T) {
	f, _ := newTestFactory(t)
	if _, err := f.Create("empty", nil, nil); err == nil {
		t.Fatal("expected an error for an empty image")
	}
}

func TestCreateRejectsOversizedImage(t *testing.T) {
	f, _ := newTestFactory(t)
	huge := make([]byte, addrspace.UserSpaceEnd-addrspace.UserCodeBase)
	if _, err := f.Create("huge", huge, nil); err == nil {
		t.Fatal("expected an error for an image that does not fit the user half")
	}
}

func TestCreateLoadsImageAndMapsStack(t *testing.T) {
	f, s := newTestFactory(t)

	image := []byte{0x90, 0x90, 0x90} // content is irrelevant to the factory
	exited := make(chan int32, 1)

	pcb, err := f.Create("prog", image, func(sys SyscallFunc, mem Mem, stackTop uintptr) int32 {
		exited <- 0
		return 0
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if pcb.UserEntry != addrspace.UserCodeBase {
		t.Fatalf("expected entry at UserCodeBase, got %#x", pcb.UserEntry)
	}
	if pcb.UserStackTop == 0 || pcb.UserStackTop > addrspace.UserSpaceEnd {
		t.Fatalf("expected a stack top below UserSpaceEnd, got %#x", pcb.UserStackTop)
	}
	if pcb.UserImageSize != uintptr(len(image)) {
		t.Fatalf("expected image size %d, got %d", len(image), pcb.UserImageSize)
	}

	as, ok := pcb.AddressSpace.(*addrspace.AS)
	if !ok {
		t.Fatal("expected a concrete *addrspace.AS")
	}
	flags, ok := as.Flags(pcb.UserStackBase)
	if !ok {
		t.Fatal("expected the stack base to be mapped")
	}
	if flags&addrspace.Writable == 0 || flags&addrspace.NoExecute == 0 {
		t.Fatalf("expected the stack mapping to be writable and non-executable, got %s", flags)
	}

	codeFlags, ok := as.Flags(addrspace.UserCodeBase)
	if !ok {
		t.Fatal("expected the code base to be mapped")
	}
	if codeFlags&addrspace.Writable != 0 {
		t.Fatal("expected the code mapping to be read-only")
	}

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the program body to run")
	}
	for i := 0; i < 5 && s.Stats().ProcessesTerminated == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Stats().ProcessesTerminated == 0 {
		t.Fatal("expected the process to exit after its body returned")
	}
}

func TestCreateFaultsWhenProcessTableIsFull(t *testing.T) {
	f, _ := newTestFactory(t)

	// Exhaust the process table so the PCB allocation step fails after the
	// address space and image/stack mappings have already been built.
	// Exceeding MAX_PROCESSES is a kernel invariant violation (spec.md
	// §7.2), so Create escalates it to a kernel fault rather than returning
	// an error to unwind from.
	for i := 0; i < proc.MaxProcesses; i++ {
		if _, err := f.table.Allocate("filler", 0); err != nil {
			t.Fatalf("filler allocate %d: %v", i, err)
		}
	}

	before := f.asMgr.Installed()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected Create to raise a kernel fault once the process table is full")
		}
		fault, ok := r.(*kpanic.Fault)
		if !ok {
			t.Fatalf("expected a *kpanic.Fault, got %T", r)
		}
		if fault.Category != kpanic.ExceedMaxProcesses {
			t.Fatalf("expected category %q, got %q", kpanic.ExceedMaxProcesses, fault.Category)
		}
		if f.asMgr.Installed() != before {
			t.Fatal("expected the installed address space to be unaffected by a faulted Create")
		}
	}()
	f.Create("prog", []byte{0x90}, nil)
}
