// Package kpanic implements the fatal half of the two-tier error model in
// spec.md §7.2: kernel invariant violations are never returned to a caller,
// they halt the simulated kernel. The low-level components (proc, addrspace,
// sched) mostly return plain errors so they stay independently testable; the
// policy layer that wires them together escalates the specific violations
// spec.md §7.2 enumerates to a logged panic here, the same "sentinel error,
// escalated to panic for the fatal class" split the teacher uses between its
// recoverable hv errors (internal/hv/common.go) and its fatal boot failures.
package kpanic

import (
	"fmt"
	"log/slog"
)

// Category names one of the enumerated fatal fault classes from spec.md
// §7.2.
type Category string

const (
	BadPID                 Category = "bad_pid"
	SwitchToTerminated     Category = "switch_to_terminated"
	FreeInstalledAS        Category = "free_installed_address_space"
	ExceedMaxProcesses     Category = "exceed_max_processes"
	UnknownIRQVector       Category = "unknown_irq_vector"
	IllegalStateTransition Category = "illegal_state_transition"
)

// Fault is the payload every kernel-fatal panic carries.
type Fault struct {
	Category Category
	Detail   string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("kpanic: %s: %s", f.Category, f.Detail)
}

// Raise logs the fault at error level, the way a real panic trampoline
// prints a diagnostic before halting (spec.md §7.2), then panics with it.
// Raise never returns.
func Raise(log *slog.Logger, category Category, format string, args ...any) {
	f := &Fault{Category: category, Detail: fmt.Sprintf(format, args...)}
	if log != nil {
		log.Error("kernel fault", "category", string(category), "detail", f.Detail)
	}
	panic(f)
}
