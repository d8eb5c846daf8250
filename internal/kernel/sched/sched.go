// Package sched implements the scheduler described in spec.md §4.4: the
// ready queue, sleep-tick bookkeeping, time-slice accounting, idle fallback
// and the timer-tick preemption hook. It is the sole owner of the "current
// process" pointer, the ready queue and the global tick counter — the
// global mutable state spec.md §9 requires be "encapsulated behind the
// scheduler module" and mutated only inside an interrupts-masked critical
// region, modeled here with a single mutex (spec.md §5).
//
// Because this is a hosted simulation rather than real hardware (SPEC_FULL
// §6), each process is backed by a goroutine and "context switch" is
// realized by handing a single-slot channel token between them: exactly one
// goroutine holds the token at a time, reproducing the at-most-one-running
// invariant without pinning real OS threads to one core. A kernel-interrupt
// driven preemption (the timer firing on its own goroutine) cannot forcibly
// suspend a busy Go goroutine mid-loop, so slice-exhaustion is recorded by
// Tick and consumed by the current process's own goroutine the next time it
// calls Spend — the one simulation-specific seam SPEC_FULL §6 documents.
package sched

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/chanux-os/chanux/internal/kernel/addrspace"
	"github.com/chanux-os/chanux/internal/kernel/ctxswitch"
	"github.com/chanux-os/chanux/internal/kernel/kpanic"
	"github.com/chanux-os/chanux/internal/kernel/proc"
	"github.com/chanux-os/chanux/internal/kernel/trace"
)

// DefaultTimeSliceTicks is TIME_SLICE_TICKS, spec.md §4.4: "5 ticks = 50 ms
// at 100 Hz".
const DefaultTimeSliceTicks = 5

// Stats are the scheduler counters SPEC_FULL §4 adds to satisfy the
// end-to-end scenarios of spec.md §8 item 2.
type Stats struct {
	ContextSwitches     uint64
	ProcessesCreated    uint64
	ProcessesTerminated uint64
}

// Scheduler is the single scheduler instance for the simulated CPU.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	table *proc.Table
	asMgr *addrspace.Manager
	log   *slog.Logger
	trace *trace.Recorder

	cpu ctxswitch.CPU

	timeSliceTicks int64
	ticks          uint64

	idle    *proc.PCB
	current *proc.PCB
	ready   []*proc.PCB

	tokens map[proc.PID]chan struct{}

	preemptPending bool
	running        bool

	stats Stats
}

// Option customizes a Scheduler at construction.
type Option func(*Scheduler)

// WithTimeSlice overrides DefaultTimeSliceTicks.
func WithTimeSlice(ticks int64) Option {
	return func(s *Scheduler) {
		if ticks > 0 {
			s.timeSliceTicks = ticks
		}
	}
}

// WithTrace attaches a trace.Recorder; every context switch and syscall
// boundary is logged to it when non-nil.
func WithTrace(r *trace.Recorder) Option {
	return func(s *Scheduler) { s.trace = r }
}

// New constructs a Scheduler bound to table and asMgr. Call Init before any
// other method.
func New(table *proc.Table, asMgr *addrspace.Manager, log *slog.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		table:          table,
		asMgr:          asMgr,
		log:            log,
		timeSliceTicks: DefaultTimeSliceTicks,
		tokens:         make(map[proc.PID]chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the idle PCB (PID 0, state RUNNING) and installs it as
// current, per spec.md §4.4. It must be called exactly once, before any
// other scheduler method.
func (s *Scheduler) Init() *proc.PCB {
	s.mu.Lock()
	defer s.mu.Unlock()

	idle := s.table.AllocateIdle("idle")
	idle.State = proc.Running
	idle.AddressSpace = s.asMgr.KernelAS()
	idle.SavedContext = ctxswitch.Seed(0)

	s.idle = idle
	s.current = idle
	s.tokens[idle.PID] = make(chan struct{})
	s.running = true

	go s.idleLoop(idle)

	s.log.Info("sched: initialized", "idle_pid", idle.PID)
	return idle
}

// idleLoop is idle's own goroutine: the baton has to live somewhere between
// handoffs, and idle is the only PCB Init installs without going through
// Launch. It blocks on the ready-queue condition rather than spinning, so
// idle sits untouched (still RUNNING, still current) until a real process is
// actually enqueued; only then does it yield, which hands that process the
// token via the normal switchTo/handoff path.
func (s *Scheduler) idleLoop(idle *proc.PCB) {
	for {
		s.mu.Lock()
		for len(s.ready) == 0 {
			s.cond.Wait()
		}
		s.mu.Unlock()
		s.Yield()
	}
}

// Current returns the currently running PCB.
func (s *Scheduler) Current() *proc.PCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Ticks returns the global tick counter.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Stats returns a snapshot of the scheduler's diagnostic counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Idle returns the idle PCB.
func (s *Scheduler) Idle() *proc.PCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// EnqueueReady appends pcb to the tail of the ready queue. pcb must already
// be in state READY and must not be the currently running process — spec.md
// §4.4: "asserts state = READY and appends to the tail; forbidden on the
// currently running PCB without first transitioning its state."
func (s *Scheduler) EnqueueReady(pcb *proc.PCB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueReadyLocked(pcb)
}

func (s *Scheduler) enqueueReadyLocked(pcb *proc.PCB) {
	if pcb.State != proc.Ready {
		kpanic.Raise(s.log, kpanic.IllegalStateTransition, "enqueue_ready of non-READY %s", pcb)
	}
	if pcb == s.current {
		kpanic.Raise(s.log, kpanic.IllegalStateTransition, "enqueue_ready of the currently running %s", pcb)
	}
	s.ready = append(s.ready, pcb)
	s.cond.Broadcast()
}

// PickNext removes and returns the head of the ready queue, or the idle PCB
// if the queue is empty (spec.md §4.4).
func (s *Scheduler) PickNext() *proc.PCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popReadyLocked()
}

func (s *Scheduler) popReadyLocked() *proc.PCB {
	if len(s.ready) == 0 {
		return s.idle
	}
	next := s.ready[0]
	s.ready = s.ready[1:]
	return next
}

// setRunningLocked transitions pcb to RUNNING. Idle is exempted from the
// PCB lifecycle's validated transition table: spec.md §3 fixes idle's state
// at RUNNING for the boot's duration whether or not it currently holds the
// token, so "picking idle again" is not a state transition at all.
func (s *Scheduler) setRunningLocked(pcb *proc.PCB) {
	if pcb.PID == proc.IdlePID {
		pcb.State = proc.Running
		return
	}
	if pcb.State == proc.Terminated {
		kpanic.Raise(s.log, kpanic.SwitchToTerminated, "attempted to schedule terminated %s", pcb)
	}
	pcb.Transition(proc.Running)
}

func (s *Scheduler) tokenFor(pid proc.PID) chan struct{} {
	tok, ok := s.tokens[pid]
	if !ok {
		kpanic.Raise(s.log, kpanic.BadPID, "no resume token for pid %d", pid)
	}
	return tok
}

// handoff performs the context switch primitive (spec.md §4.3) and the
// goroutine baton transfer it stands in for in this hosted simulation. It
// must be called with the scheduler mutex UNLOCKED — the whole point of the
// baton is that the previous process's goroutine blocks here, and blocking
// while holding the lock would deadlock every other subsystem.
func (s *Scheduler) handoff(prev, next *proc.PCB, terminating bool) {
	ctxswitch.SwitchContext(&s.cpu, &prev.SavedContext, &next.SavedContext)

	if as, ok := next.AddressSpace.(*addrspace.AS); ok && as != nil {
		s.asMgr.Switch(as)
	}

	if s.trace != nil {
		s.trace.Record(trace.Record{Tick: s.Ticks(), PID: uint32(next.PID), Kind: trace.EventContextSwitch})
	}

	nextTok := s.tokenFor(next.PID)
	nextTok <- struct{}{}

	if !terminating {
		prevTok := s.tokenFor(prev.PID)
		<-prevTok
	}
}

// switchTo decides between the self-reschedule fast path (next == prev: no
// goroutine handoff needed, just a state/slice reset) and a real handoff,
// updating current and the context-switch counter under the lock before
// releasing it for the handoff itself. preemptPending is always cleared
// here: it is raised against whichever PCB is current at the time Tick
// notices slice exhaustion, and prev is that PCB on every path that reaches
// switchTo, so the flag must not survive past the switch away from it —
// otherwise it leaks onto whatever process is picked next, with a freshly
// reset slice of its own.
func (s *Scheduler) switchTo(prev *proc.PCB, terminating bool) {
	next := s.popReadyLocked()
	s.preemptPending = false
	if next == prev && !terminating {
		s.setRunningLocked(prev)
		prev.TimeSliceRemaining = s.timeSliceTicks
		s.mu.Unlock()
		return
	}

	s.setRunningLocked(next)
	next.TimeSliceRemaining = s.timeSliceTicks
	s.current = next
	s.stats.ContextSwitches++
	s.mu.Unlock()

	s.handoff(prev, next, terminating)
}

// Yield transitions the running PCB to READY, enqueues it, and picks next
// (spec.md §4.4). If the ready queue was otherwise empty, next may be prev
// itself, in which case no goroutine handoff occurs.
func (s *Scheduler) Yield() {
	s.mu.Lock()
	prev := s.current
	prev.Transition(proc.Ready)
	s.enqueueReadyLocked(prev)
	s.switchTo(prev, false)
}

// Block transitions the running PCB to BLOCKED and picks next. The caller
// is responsible for any sleep/wait bookkeeping (e.g. setting WakeTick)
// before calling Block, per spec.md §4.4.
func (s *Scheduler) Block() {
	s.mu.Lock()
	prev := s.current
	prev.Transition(proc.Blocked)
	s.switchTo(prev, false)
}

// Unblock transitions pcb from BLOCKED to READY and enqueues it. It does
// not switch (spec.md §4.4).
func (s *Scheduler) Unblock(pcb *proc.PCB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pcb.State != proc.Blocked {
		kpanic.Raise(s.log, kpanic.IllegalStateTransition, "unblock of non-BLOCKED %s", pcb)
	}
	pcb.Transition(proc.Ready)
	s.ready = append(s.ready, pcb)
	s.cond.Broadcast()
}

// Sleep blocks the current process until the global tick counter reaches at
// least now + ceil(ms/10), per spec.md §4.5's sleep syscall semantics.
// ms == 0 degrades to a plain Yield, the canonical contract spec.md §4.5
// fixes for the sleep(0) edge case.
func (s *Scheduler) Sleep(ms uint64) {
	waitTicks := (ms + 9) / 10
	if waitTicks == 0 {
		s.Yield()
		return
	}

	s.mu.Lock()
	prev := s.current
	prev.WakeTick = s.ticks + waitTicks
	prev.Transition(proc.Blocked)
	if s.trace != nil {
		s.trace.Record(trace.Record{Tick: s.ticks, PID: uint32(prev.PID), Kind: trace.EventSleep, Arg: int64(waitTicks)})
	}
	s.switchTo(prev, false)
}

// Exit marks the current process TERMINATED, stores its exit code, releases
// its owned resources and picks next. Exit never returns to its caller: the
// calling goroutine's workload function is expected to return immediately
// afterward.
func (s *Scheduler) Exit(code int32) {
	s.mu.Lock()
	prev := s.current
	prev.Transition(proc.Terminated)
	prev.ExitCode = code
	s.stats.ProcessesTerminated++
	s.preemptPending = false

	next := s.popReadyLocked()
	s.setRunningLocked(next)
	next.TimeSliceRemaining = s.timeSliceTicks
	s.current = next
	s.stats.ContextSwitches++

	if s.trace != nil {
		s.trace.Record(trace.Record{Tick: s.ticks, PID: uint32(prev.PID), Kind: trace.EventExit, Arg: int64(code)})
	}
	s.mu.Unlock()

	// The handoff installs next's address space before prev's own AS is
	// destroyed below, satisfying addrspace.Manager.Destroy's "must not be
	// installed" invariant without prev ever observing next's state.
	s.handoff(prev, next, true)

	s.table.Release(prev)

	s.mu.Lock()
	delete(s.tokens, prev.PID)
	s.mu.Unlock()
}

// Tick is called from the timer interrupt handler (spec.md §4.4): it
// advances the global tick counter, wakes any sleepers whose deadline has
// passed, and charges the current process's CPU-tick accounting. If the
// current process's slice is exhausted it is marked preempt-pending rather
// than switched immediately — see the package doc for why a real switch
// cannot happen on the timer's own goroutine in this simulation.
func (s *Scheduler) Tick() {
	s.mu.Lock()

	s.ticks++
	now := s.ticks

	var woken []*proc.PCB
	s.table.Each(func(p *proc.PCB) {
		if p.State == proc.Blocked && p.WakeTick > 0 && p.WakeTick <= now {
			p.WakeTick = 0
			woken = append(woken, p)
		}
	})
	for _, p := range woken {
		p.Transition(proc.Ready)
		s.ready = append(s.ready, p)
		if s.trace != nil {
			s.trace.Record(trace.Record{Tick: now, PID: uint32(p.PID), Kind: trace.EventWake})
		}
	}
	if len(woken) > 0 {
		s.cond.Broadcast()
	}

	if s.current == nil {
		s.mu.Unlock()
		return
	}

	cur := s.current
	cur.CPUTicks++
	if cur.TimeSliceRemaining > 0 {
		cur.TimeSliceRemaining--
	}
	if cur.PID != proc.IdlePID && cur.TimeSliceRemaining == 0 {
		s.preemptPending = true
		if s.trace != nil {
			s.trace.Record(trace.Record{Tick: now, PID: uint32(cur.PID), Kind: trace.EventPreempt})
		}
	}

	s.mu.Unlock()
}

// Spend charges n ticks of simulated CPU work to the calling process and
// cooperatively yields the token away if Tick marked a preemption pending
// during that work — the seam SPEC_FULL §6 documents in place of a real
// timer forcibly suspending a busy goroutine. Workload functions that
// "busy-loop" call Spend periodically to remain preemptible.
func (s *Scheduler) Spend(n int) {
	for i := 0; i < n; i++ {
		s.mu.Lock()
		if !s.preemptPending || s.current == nil || s.current.PID == proc.IdlePID {
			s.mu.Unlock()
			continue
		}
		s.preemptPending = false
		prev := s.current
		prev.Transition(proc.Ready)
		s.enqueueReadyLocked(prev)
		s.switchTo(prev, false)
	}
}

// Launch registers a resume token for pcb and starts body on its own
// goroutine, parked until the first handoff — the goroutine equivalent of
// the seed rule in spec.md §4.3: a never-run PCB's first "return" enters a
// trampoline that then runs the process body.
func (s *Scheduler) Launch(pcb *proc.PCB, body func()) {
	tok := make(chan struct{})
	s.mu.Lock()
	s.tokens[pcb.PID] = tok
	s.mu.Unlock()

	go func() {
		<-tok
		body()
	}()
}

// NotifyProcessCreated increments the processes_created counter (SPEC_FULL
// §4). PCB allocation itself (proc.Table.Allocate) has no scheduler
// visibility, so callers that create a runnable process — SpawnKernel below
// and internal/kernel/userproc — report it here explicitly.
func (s *Scheduler) NotifyProcessCreated() {
	s.mu.Lock()
	s.stats.ProcessesCreated++
	s.mu.Unlock()
}

// Runner is a kernel-mode process's view of itself: the handle its own
// workload function uses to spend CPU ticks, yield, sleep or read its own
// PID, without reaching back into the scheduler's internals.
type Runner struct {
	pcb   *proc.PCB
	sched *Scheduler
}

// PID returns the runner's own process ID.
func (r *Runner) PID() proc.PID { return r.pcb.PID }

// Spend charges n ticks of simulated CPU work, per Scheduler.Spend.
func (r *Runner) Spend(n int) { r.sched.Spend(n) }

// Yield voluntarily relinquishes the CPU, per Scheduler.Yield.
func (r *Runner) Yield() { r.sched.Yield() }

// Sleep blocks until at least ceil(ms/10) ticks have elapsed.
func (r *Runner) Sleep(ms uint64) { r.sched.Sleep(ms) }

// SpawnKernel allocates a kernel-mode PCB (address space = the shared
// kernel AS), seeds it, and launches body on its own goroutine once
// enqueued — the scheduler-level analogue of the user-process factory for
// processes that never leave Ring 0. body runs until it returns; its return
// value becomes the process's exit code, reported through Scheduler.Exit
// exactly as a syscall-driven exit would.
func (s *Scheduler) SpawnKernel(name string, body func(r *Runner) int32) (*proc.PCB, error) {
	pcb, err := s.table.Allocate(name, 0)
	if err != nil {
		if err == proc.ErrNoSlot {
			kpanic.Raise(s.log, kpanic.ExceedMaxProcesses, "spawn_kernel %q: table is full (max %d)", name, proc.MaxProcesses)
		}
		return nil, err
	}
	pcb.AddressSpace = s.asMgr.KernelAS()
	pcb.SavedContext = ctxswitch.Seed(0)
	pcb.Transition(proc.Ready)

	s.NotifyProcessCreated()

	runner := &Runner{pcb: pcb, sched: s}
	s.Launch(pcb, func() {
		code := body(runner)
		s.Exit(code)
	})
	s.EnqueueReady(pcb)

	return pcb, nil
}

func (s *Scheduler) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("Scheduler{ticks=%d current=%s ready=%d}", s.ticks, s.current, len(s.ready))
}
