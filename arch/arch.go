// Package arch defines the capability interface the rest of the kernel
// core asks an architecture adapter to provide, and nothing more. All
// MMU/interrupt/timer/serial detail specific to a real CPU lives behind
// this interface, never leaking into pfa, paging, vm, or sched.
package arch

import (
	"time"

	"cascadeos/pfa"
)

// Protection describes the access permissions of a mapped page.
type Protection int

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

// PageTableHandle is an opaque per-architecture reference to a page table
// root, typically the physical frame backing its top level.
type PageTableHandle uintptr

// Arch is the single capability interface an architecture adapter provides.
// Exactly one implementation is active per build; its callers are
// paging.Table (the page-table methods), klog (WriteSerial, Name, Halt)
// and boot (BindExecutor, Name).
type Arch interface {
	// Name identifies the adapter for log lines and panic dumps.
	Name() string

	// DisableInterrupts masks interrupts on the calling executor and
	// reports whether they were enabled beforehand. RestoreInterrupts
	// undoes exactly one DisableInterrupts call.
	DisableInterrupts() bool
	RestoreInterrupts(wasEnabled bool)
	InterruptsEnabled() bool

	// SpinHint is a cheap busy-wait hint (PAUSE on x86-64); Halt parks the
	// executor until the next interrupt.
	SpinHint()
	Halt()

	// NewPageTable allocates a fresh, empty top-level table backed by
	// phys. DestroyPageTable releases it (but not phys itself — the
	// caller owns that frame's lifetime via pfa).
	NewPageTable(phys pfa.FrameNumber) PageTableHandle
	DestroyPageTable(h PageTableHandle)
	// CopyKernelTop copies the kernel's top-level entries from src into
	// dst, the step every fresh user address space needs so the kernel
	// stays mapped identically across every process.
	CopyKernelTop(dst, src PageTableHandle)
	// MapPage and UnmapPage install or remove a single-page mapping.
	// UnmapPage invalidates the TLB on the local executor only; a caller
	// that needs the mapping gone on every executor must shoot down the
	// others itself.
	MapPage(h PageTableHandle, virt uintptr, phys pfa.FrameNumber, prot Protection) error
	UnmapPage(h PageTableHandle, virt uintptr) error
	LoadPageTable(h PageTableHandle)

	// BindExecutor associates the calling OS thread with executor id;
	// CurrentExecutor reads it back. A real adapter stores id in a
	// per-CPU register (e.g. GS base); the hosted adapters use a
	// goroutine-local lookup instead.
	BindExecutor(id uint32)
	CurrentExecutor() uint32

	// StartTimer arms a periodic timer that invokes fn roughly every
	// interval. sched.Executor does not call it; it runs its own ticker.
	StartTimer(interval time.Duration, fn func())

	// WriteSerial writes raw bytes to the architecture's debug console.
	WriteSerial(p []byte) (int, error)

	// Disassemble renders code as a best-effort human-readable listing.
	// No code in this module calls it outside the adapters' own tests.
	Disassemble(code []byte) string
}
