package ctxswitch

import "testing"

func TestSwitchContextSavesAndRestoresIdentity(t *testing.T) {
	cpu := &CPU{Live: CalleeSaved{RBX: 1, RBP: 2, R12: 3, R13: 4, R14: 5, R15: 6}}

	prev := &SavedContext{}
	next := &SavedContext{Regs: CalleeSaved{RBX: 10, RBP: 20, R12: 30, R13: 40, R14: 50, R15: 60}, StackPointer: 0x1000}

	SwitchContext(cpu, prev, next)

	if prev.Regs != (CalleeSaved{RBX: 1, RBP: 2, R12: 3, R13: 4, R14: 5, R15: 6}) {
		t.Fatalf("expected prev to capture the CPU's live registers, got %+v", prev.Regs)
	}
	if cpu.Live != next.Regs {
		t.Fatalf("expected cpu.Live to become next's saved registers, got %+v", cpu.Live)
	}

	// Switching back to prev must restore exactly what was saved —
	// the context-switch identity property spec.md §8 names.
	SwitchContext(cpu, next, prev)
	if cpu.Live != (CalleeSaved{RBX: 1, RBP: 2, R12: 3, R13: 4, R14: 5, R15: 6}) {
		t.Fatalf("expected switching back to restore the original registers, got %+v", cpu.Live)
	}
}

func TestSeedPointsBothStackFieldsAtTheSameTop(t *testing.T) {
	sc := Seed(0xABCD)
	if sc.StackPointer != 0xABCD || sc.KernelStackTop != 0xABCD {
		t.Fatalf("expected both stack fields to equal the seed value, got sp=%#x top=%#x", sc.StackPointer, sc.KernelStackTop)
	}
}

func TestBuildUserEntryFrameSetsInterruptsEnabled(t *testing.T) {
	f := BuildUserEntryFrame(0x400000, 0x7FFFFFFFF000)

	if f.RIP != 0x400000 {
		t.Fatalf("expected RIP to be the entry point, got %#x", f.RIP)
	}
	if f.RSP != 0x7FFFFFFFF000 {
		t.Fatalf("expected RSP to be the stack top, got %#x", f.RSP)
	}
	if f.RFLAGS&FlagsInterruptEnable == 0 {
		t.Fatal("expected the interrupt-enable bit to be set")
	}
	if f.CS != UserCodeSelector || f.SS != UserDataSelector {
		t.Fatalf("expected ring-3 selectors, got cs=%#x ss=%#x", f.CS, f.SS)
	}
}
