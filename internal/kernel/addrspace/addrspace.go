// Package addrspace implements the address-space manager described in
// spec.md §4.2: per-process root page-table handles, user mapping
// primitives, and the switch that installs a new translation. The manager
// shape — a mutex-protected struct tracking regions and handing back
// opaque handles — is adapted from the teacher's physical MMIO allocator
// (internal/hv/address_space.go); the WHAT changes from host-physical MMIO
// regions to per-process virtual-to-physical user mappings plus the
// kernel/user half invariants spec.md §3/§4.2 require.
package addrspace

import (
	"fmt"
	"sync"
)

// Flags enumerates the mapping attributes spec.md §4.2 names.
type Flags uint8

const (
	Present Flags = 1 << iota
	Writable
	User
	NoExecute
)

func (f Flags) String() string {
	s := ""
	if f&Present != 0 {
		s += "P"
	}
	if f&Writable != 0 {
		s += "W"
	}
	if f&User != 0 {
		s += "U"
	}
	if f&NoExecute != 0 {
		s += "X"
	}
	if s == "" {
		return "-"
	}
	return s
}

// PageSize is the 4 KiB mapping granularity spec.md §4.2 fixes.
const PageSize = 4096

// Memory layout split between kernel and user halves. A real x86-64 kernel
// places these at the canonical higher/lower half boundary; a teaching
// kernel's simulated layout need only preserve the ordering invariant
// user addresses < KernelBase.
const (
	UserCodeBase uintptr = 0x0000_0000_0040_0000
	UserSpaceEnd uintptr = 0x0000_7FFF_FFFF_F000
	KernelBase   uintptr = 0xFFFF_8000_0000_0000
)

// ErrKernelHalf is returned when a caller attempts to map or unmap an
// address in the kernel half of the address space through the user-facing
// API, per spec.md §4.2 "map_user refuses kernel-half addresses".
var ErrKernelHalf = fmt.Errorf("addrspace: address is in the kernel half")

// ErrInstalled is returned by Destroy when called on the currently
// installed address space (spec.md §4.2 invariant).
var ErrInstalled = fmt.Errorf("addrspace: cannot destroy an installed address space")

type mapping struct {
	paddr uintptr
	flags Flags
	data  []byte
}

// AS is a root page-table handle. The zero value is not valid; use
// Manager.Create. Kernel higher-half mappings are implicitly present in
// every AS and are not represented individually — the manager enforces
// "identically mapped in every address space" (spec.md §3) by construction
// rather than by per-AS copies of kernel PTEs.
type AS struct {
	mu       sync.Mutex
	id       uint64
	mappings map[uintptr]mapping
}

func (a *AS) String() string {
	return fmt.Sprintf("AS#%d", a.id)
}

// Manager owns every address space created during a boot and tracks which
// one is currently installed, mirroring the teacher's single
// allocator-of-record pattern (internal/hv/address_space.go) adapted to
// per-process virtual memory instead of host physical MMIO.
type Manager struct {
	mu        sync.Mutex
	nextID    uint64
	installed *AS
	kernelAS  *AS
}

// NewManager creates the manager and its kernel address space, which is
// shared (read-only identity) across every PCB per spec.md §5.
func NewManager() *Manager {
	m := &Manager{nextID: 1}
	m.kernelAS = &AS{id: 0, mappings: map[uintptr]mapping{}}
	m.installed = m.kernelAS
	return m
}

// KernelAS returns the address space shared by kernel-only processes.
func (m *Manager) KernelAS() *AS {
	return m.kernelAS
}

// Create allocates a fresh address space. The kernel higher-half is
// implicitly visible (see AS doc); user mappings start empty.
func (m *Manager) Create() *AS {
	m.mu.Lock()
	defer m.mu.Unlock()

	as := &AS{id: m.nextID, mappings: map[uintptr]mapping{}}
	m.nextID++
	return as
}

// Destroy frees all user-space mappings and the root itself. It is a
// programming fault to destroy the installed address space.
func (m *Manager) Destroy(as *AS) error {
	m.mu.Lock()
	installed := m.installed == as
	m.mu.Unlock()

	if installed {
		return ErrInstalled
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	as.mappings = nil
	return nil
}

// Switch installs as into the CPU's paging base register. This is a
// serialization point: any TLB entries cached for the previously installed
// address space are implicitly invalidated by the write (spec.md §4.2).
func (m *Manager) Switch(as *AS) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installed = as
}

// Installed returns the currently installed address space.
func (m *Manager) Installed() *AS {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installed
}

// MapUser creates a 4 KiB user mapping. It refuses kernel-half addresses
// and enforces the code-read-only/stack-read-write-non-executable
// invariant is the caller's responsibility to request via flags; MapUser
// itself only enforces the USER bit and address-range invariants spec.md
// §4.2 states explicitly.
func (as *AS) MapUser(vaddr, paddr uintptr, flags Flags) error {
	if vaddr%PageSize != 0 {
		return fmt.Errorf("addrspace: vaddr %#x is not page-aligned", vaddr)
	}
	if vaddr >= KernelBase || vaddr >= UserSpaceEnd {
		return ErrKernelHalf
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	as.mappings[vaddr] = mapping{paddr: paddr, flags: flags | User | Present}
	return nil
}

// ErrUnmapped is returned by ReadUser/WriteUser when no mapping covers the
// requested range — the address-space-level signal the syscall layer turns
// into EFAULT at the ABI boundary (spec.md §4.5).
var ErrUnmapped = fmt.Errorf("addrspace: address is unmapped")

// ErrReadOnly is returned by WriteUser against a mapping lacking the
// Writable flag, e.g. a process's own code pages.
var ErrReadOnly = fmt.Errorf("addrspace: mapping is not writable")

// MapUserData is MapUser plus a backing store: the simulated physical frame
// content a syscall handler's ReadUser/WriteUser copies to and from. A real
// kernel's map_user only installs page-table entries pointing at frames the
// PMM collaborator (out of scope, spec.md §1) already owns; the hosted
// simulation has no separate physical memory to walk, so the frame's bytes
// travel with the mapping itself.
func (as *AS) MapUserData(vaddr uintptr, data []byte, flags Flags) error {
	if vaddr%PageSize != 0 {
		return fmt.Errorf("addrspace: vaddr %#x is not page-aligned", vaddr)
	}
	if vaddr >= KernelBase || vaddr >= UserSpaceEnd {
		return ErrKernelHalf
	}
	if len(data) != PageSize {
		return fmt.Errorf("addrspace: frame must be exactly %d bytes, got %d", PageSize, len(data))
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	as.mappings[vaddr] = mapping{flags: flags | User | Present, data: data}
	return nil
}

// ReadUser copies len(out) bytes starting at vaddr into out, walking page
// mappings and enforcing Present+User on each one touched. It never reads
// past the first unmapped page, and returns before copying anything if any
// page in range is unmapped — partial reads across a fault boundary would
// violate the "no partial side effects across an error path" rule spec.md
// §7 states for the write path; the same discipline applies symmetrically
// here for callers that, like write's user-buffer source, must not observe
// a half-copied result.
func (as *AS) ReadUser(vaddr uintptr, out []byte) error {
	return as.copyUser(vaddr, out, false)
}

// WriteUser copies len(in) bytes from in into the address space starting at
// vaddr, enforcing Present+User+Writable on every page touched.
func (as *AS) WriteUser(vaddr uintptr, in []byte) error {
	return as.copyUser(vaddr, in, true)
}

func (as *AS) copyUser(vaddr uintptr, buf []byte, write bool) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	// First pass validates every page the range touches, so a fault on the
	// last page never leaves bytes from the first page already copied.
	remaining := len(buf)
	cursor := vaddr
	for remaining > 0 {
		pageBase := cursor &^ (PageSize - 1)
		m, found := as.mappings[pageBase]
		if !found || m.flags&(Present|User) != Present|User {
			return ErrUnmapped
		}
		if write && m.flags&Writable == 0 {
			return ErrReadOnly
		}
		pageOff := cursor - pageBase
		n := PageSize - int(pageOff)
		if n > remaining {
			n = remaining
		}
		cursor += uintptr(n)
		remaining -= n
	}

	remaining = len(buf)
	cursor = vaddr
	off := 0
	for remaining > 0 {
		pageBase := cursor &^ (PageSize - 1)
		m := as.mappings[pageBase]
		pageOff := cursor - pageBase
		n := PageSize - int(pageOff)
		if n > remaining {
			n = remaining
		}

		if write {
			copy(m.data[pageOff:pageOff+uintptr(n)], buf[off:off+n])
		} else {
			copy(buf[off:off+n], m.data[pageOff:pageOff+uintptr(n)])
		}

		cursor += uintptr(n)
		off += n
		remaining -= n
	}
	return nil
}

// Translate walks the address space read-only, returning the physical
// address mapped at vaddr, or ok=false if unmapped.
func (as *AS) Translate(vaddr uintptr) (paddr uintptr, ok bool) {
	pageBase := vaddr &^ (PageSize - 1)
	offset := vaddr - pageBase

	as.mu.Lock()
	defer as.mu.Unlock()

	m, found := as.mappings[pageBase]
	if !found {
		return 0, false
	}
	return m.paddr + offset, true
}

// Flags returns the mapping flags at vaddr, or ok=false if unmapped.
func (as *AS) Flags(vaddr uintptr) (flags Flags, ok bool) {
	pageBase := vaddr &^ (PageSize - 1)

	as.mu.Lock()
	defer as.mu.Unlock()

	m, found := as.mappings[pageBase]
	if !found {
		return 0, false
	}
	return m.flags, true
}
