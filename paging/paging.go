// Package paging is the architecture-independent page-table facade:
// create/destroy a table from a physical frame, copy the kernel's
// top-level entries into a fresh table, map/unmap a single page, load a
// table into the MMU. Every other detail of page-table format is the
// arch.Arch implementation's problem, not this package's.
package paging

import (
	"cascadeos/arch"
	"cascadeos/kerrors"
	"cascadeos/pfa"
)

// Table is one page table, backed by a physical frame owned by the Table
// for its lifetime.
type Table struct {
	a     arch.Arch
	alloc *pfa.Allocator

	handle arch.PageTableHandle
	frame  *pfa.Frame
}

// NewTable allocates a frame from alloc to back a fresh, empty table.
func NewTable(a arch.Arch, alloc *pfa.Allocator) (*Table, error) {
	f, err := alloc.Allocate()
	if err != nil {
		return nil, kerrors.Wrap("paging.NewTable", kerrors.OutOfMemory, err)
	}
	return &Table{
		a:      a,
		alloc:  alloc,
		handle: a.NewPageTable(f.Number),
		frame:  f,
	}, nil
}

// Destroy releases the table and returns its backing frame to alloc. The
// caller must have already unmapped (or otherwise accounted for) every
// page this table maps; Destroy itself does not walk them.
func (t *Table) Destroy() {
	t.a.DestroyPageTable(t.handle)
	t.alloc.Deallocate(t.frame)
}

// CopyKernelTop copies kernel's top-level entries into t, the step every
// fresh address space needs so the kernel stays mapped identically across
// every process.
func (t *Table) CopyKernelTop(kernel *Table) {
	t.a.CopyKernelTop(t.handle, kernel.handle)
}

// Map installs a single-page mapping. virt must be page-aligned.
func (t *Table) Map(virt uintptr, phys pfa.FrameNumber, prot arch.Protection) error {
	if virt%pfa.PageSize != 0 {
		return kerrors.New("paging.Map", kerrors.BadArgument)
	}
	return t.a.MapPage(t.handle, virt, phys, prot)
}

// Unmap removes a single-page mapping. This invalidates the TLB on the
// local executor only; cross-executor invalidation is the caller's
// responsibility.
func (t *Table) Unmap(virt uintptr) error {
	if virt%pfa.PageSize != 0 {
		return kerrors.New("paging.Unmap", kerrors.BadArgument)
	}
	return t.a.UnmapPage(t.handle, virt)
}

// Load installs t as the active table on the calling executor.
func (t *Table) Load() {
	t.a.LoadPageTable(t.handle)
}

// Handle returns the opaque per-architecture reference to t's root, for
// callers (vm.AddressSpace) that need to hand it back to arch.Arch
// directly — e.g. a fault handler walking the table outside this facade's
// single-page Map/Unmap.
func (t *Table) Handle() arch.PageTableHandle { return t.handle }

// Frame returns the physical frame backing t's root.
func (t *Table) Frame() *pfa.Frame { return t.frame }
