package proc

import "testing"

func TestTransitionAllowsLifecycleEdges(t *testing.T) {
	p := &PCB{PID: 1, State: New}

	steps := []State{Ready, Running, Blocked, Ready, Running, Terminated}
	for _, next := range steps {
		p.Transition(next)
		if p.State != next {
			t.Fatalf("expected state %s, got %s", next, p.State)
		}
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	p := &PCB{PID: 1, State: New}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on illegal transition")
		}
	}()
	p.Transition(Running) // NEW can only go to READY
}

func TestTransitionFromTerminatedAlwaysFails(t *testing.T) {
	p := &PCB{PID: 1, State: Terminated}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic transitioning out of TERMINATED")
		}
	}()
	p.Transition(Ready)
}

func TestIsUser(t *testing.T) {
	kernelProc := &PCB{Flags: 0}
	if kernelProc.IsUser() {
		t.Fatal("expected kernel process to report IsUser() == false")
	}

	userProc := &PCB{Flags: FlagUser}
	if !userProc.IsUser() {
		t.Fatal("expected FlagUser process to report IsUser() == true")
	}
}
