package vm

import (
	"github.com/google/btree"

	"cascadeos/arch"
	"cascadeos/kerrors"
	"cascadeos/ksync"
	"cascadeos/paging"
	"cascadeos/pfa"
)

// AddressSpace is the ordered, non-overlapping set of Entries for a single
// address space.
type AddressSpace struct {
	Name   string
	Kernel bool

	lock    ksync.RWMutex
	entries *btree.BTreeG[*Entry]
	table   *paging.Table
	alloc   *pfa.Allocator
}

// NewAddressSpace allocates a fresh page table and returns an empty
// AddressSpace backed by it. If kernelTable is non-nil its top-level
// entries are copied forward, the step every fresh user address space
// needs so the kernel stays mapped identically across every process.
func NewAddressSpace(name string, a arch.Arch, alloc *pfa.Allocator, kernelTable *paging.Table) (*AddressSpace, error) {
	tbl, err := paging.NewTable(a, alloc)
	if err != nil {
		return nil, kerrors.Wrap("vm.NewAddressSpace", kerrors.OutOfMemory, err)
	}
	if kernelTable != nil {
		tbl.CopyKernelTop(kernelTable)
	}
	return &AddressSpace{
		Name:    name,
		entries: btree.NewG[*Entry](32, lessEntry),
		table:   tbl,
		alloc:   alloc,
	}, nil
}

// Table returns the paging facade backing as, for callers (the fault
// handler trampoline, Process teardown) that need it directly.
func (as *AddressSpace) Table() *paging.Table { return as.table }

// predecessor returns the Entry immediately before e in address order, or
// nil. e must already be present in as.entries.
func (as *AddressSpace) predecessor(e *Entry) *Entry {
	var prev *Entry
	first := true
	as.entries.DescendLessOrEqual(e, func(p *Entry) bool {
		if first {
			first = false
			return true
		}
		prev = p
		return false
	})
	return prev
}

// successor returns the Entry immediately after e in address order, or
// nil. e must already be present in as.entries.
func (as *AddressSpace) successor(e *Entry) *Entry {
	var next *Entry
	first := true
	as.entries.AscendGreaterOrEqual(e, func(n *Entry) bool {
		if first {
			first = false
			return true
		}
		next = n
		return false
	})
	return next
}

// overlaps reports whether e (not yet inserted) would overlap an existing
// Entry.
func (as *AddressSpace) overlaps(e *Entry) bool {
	bad := false
	as.entries.DescendLessOrEqual(&Entry{Base: e.Base}, func(prev *Entry) bool {
		bad = prev.End() > e.Base
		return false
	})
	if bad {
		return true
	}
	as.entries.AscendGreaterOrEqual(&Entry{Base: e.Base}, func(next *Entry) bool {
		bad = next.Base < e.End()
		return false
	})
	return bad
}

// lookup performs an address-ordered search, returning the Entry covering
// addr, or nil.
func (as *AddressSpace) lookup(addr uintptr) *Entry {
	var hit *Entry
	as.entries.DescendLessOrEqual(&Entry{Base: addr}, func(e *Entry) bool {
		hit = e
		return false
	})
	if hit == nil || hit.End() <= addr {
		return nil
	}
	return hit
}

// mergeNeighbors attempts a pairwise merge: three-way merging both
// neighbors at once is not attempted, so this merges with the predecessor
// first and then re-checks the (possibly now absorbed) Entry against its
// successor.
// mergeNeighbors returns the Entry e ended up as, after any merge — the
// caller must use this value, not e itself, since a predecessor merge
// deletes e from the tree and folds it into its neighbor.
func (as *AddressSpace) mergeNeighbors(e *Entry) *Entry {
	if prev := as.predecessor(e); prev != nil && mergeable(prev, e) {
		as.entries.Delete(e)
		prev.Pages += e.Pages
		e = prev
	}
	if next := as.successor(e); next != nil && mergeable(e, next) {
		as.entries.Delete(next)
		e.Pages += next.Pages
	}
	return e
}

// Map inserts a new Entry covering [base, base+pages*PageSize). Exactly one
// of anon/obj should be non-nil (or neither, for a reserved-but-unbacked
// range); anonOffset/objOffset are in pages from the start of the
// referenced AnonMap/Object.
func (as *AddressSpace) Map(base uintptr, pages uint64, prot arch.Protection, cow bool, anon *AnonMap, anonOffset uint64, obj *Object, objOffset uint64) (*Entry, error) {
	if pages == 0 || base%pfa.PageSize != 0 {
		return nil, kerrors.New("vm.Map", kerrors.BadArgument)
	}

	as.lock.Lock()
	defer as.lock.Unlock()

	e := &Entry{
		Base: base, Pages: pages, Prot: prot, COW: cow,
		anon: anon, anonOffset: anonOffset,
		obj: obj, objOffset: objOffset,
	}
	if anon != nil {
		e.NeedsCopy = anon.Refcount() > 1
	}

	if as.overlaps(e) {
		return nil, kerrors.New("vm.Map", kerrors.AlreadyMapped)
	}
	as.entries.ReplaceOrInsert(e)
	e = as.mergeNeighbors(e)
	return e, nil
}

// splitAt ensures no Entry straddles edge: if the Entry containing edge
// doesn't already begin there, it is split into two Entries sharing its
// anon/obj references (each bumping the corresponding refcount). A no-op
// if no Entry covers edge, or one already begins exactly there.
func (as *AddressSpace) splitAt(edge uintptr) {
	var hit *Entry
	as.entries.DescendLessOrEqual(&Entry{Base: edge}, func(e *Entry) bool {
		hit = e
		return false
	})
	if hit == nil || hit.Base == edge || hit.End() <= edge {
		return
	}

	delta := uint64(edge-hit.Base) / pfa.PageSize
	tail := &Entry{
		Base: edge, Pages: hit.Pages - delta, Prot: hit.Prot,
		COW: hit.COW, NeedsCopy: hit.NeedsCopy, Wired: hit.Wired,
		anon: hit.anon, anonOffset: hit.anonOffset + delta,
		obj: hit.obj, objOffset: hit.objOffset + delta,
	}
	if hit.anon != nil {
		hit.anon.Ref()
	}
	if hit.obj != nil {
		hit.obj.Ref()
	}
	hit.Pages = delta
	as.entries.ReplaceOrInsert(tail)
}

// entriesOverlapping returns every Entry overlapping [base, end), assuming
// splitAt(base) and splitAt(end) have already run so no returned Entry
// straddles either boundary.
func (as *AddressSpace) entriesOverlapping(base, end uintptr) []*Entry {
	var out []*Entry
	as.entries.AscendGreaterOrEqual(&Entry{Base: base}, func(e *Entry) bool {
		if e.Base >= end {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}

// releaseEntryRef drops e's hold on its anon/obj references, tearing each
// down once its refcount reaches zero. Called when e is permanently
// removed (full unmap, address-space teardown).
func (as *AddressSpace) releaseEntryRef(e *Entry) {
	if e.anon != nil {
		if e.anon.Unref() == 0 {
			e.anon.destroy(as.alloc)
		}
	}
	if e.obj != nil {
		if e.obj.Unref() == 0 {
			e.obj.destroy(as.alloc)
		}
	}
}

// releasePage drops the Anonymous Page (if any) backing va within e, the
// per-page bookkeeping unmap requires: decrement references on any
// Anonymous Page / Object page it held.
func (as *AddressSpace) releasePage(e *Entry, va uintptr) {
	if e.anon == nil {
		return
	}
	idx := e.anonOffset + uint64(va-e.Base)/pfa.PageSize
	e.anon.mu.Lock()
	pg, ok := e.anon.pages[idx]
	if ok {
		delete(e.anon.pages, idx)
	}
	e.anon.mu.Unlock()
	if ok {
		pg.unref(as.alloc)
	}
}

// entryResidentFrame reports the physical frame currently resolved for va
// within e, if any, without touching as.lock — the caller must already
// hold it.
func (as *AddressSpace) entryResidentFrame(e *Entry, va uintptr) (pfa.FrameNumber, bool) {
	switch {
	case e.anon != nil:
		idx := e.anonOffset + uint64(va-e.Base)/pfa.PageSize
		e.anon.mu.Lock()
		pg, ok := e.anon.pages[idx]
		e.anon.mu.Unlock()
		if !ok {
			return 0, false
		}
		return pg.frame.Number, true
	case e.obj != nil:
		idx := e.objOffset + uint64(va-e.Base)/pfa.PageSize
		e.obj.mu.Lock()
		c, ok := e.obj.chunks.Get(&objChunk{offset: idx})
		e.obj.mu.Unlock()
		if !ok {
			return 0, false
		}
		return c.frame.Number, true
	default:
		return 0, false
	}
}

// Unmap removes or trims every Entry covering [base, base+pages*PageSize).
func (as *AddressSpace) Unmap(base uintptr, pages uint64) error {
	if pages == 0 || base%pfa.PageSize != 0 {
		return kerrors.New("vm.Unmap", kerrors.BadArgument)
	}

	as.lock.Lock()
	defer as.lock.Unlock()

	end := base + uintptr(pages)*pfa.PageSize
	as.splitAt(base)
	as.splitAt(end)

	for _, e := range as.entriesOverlapping(base, end) {
		for va := e.Base; va < e.End(); va += pfa.PageSize {
			as.releasePage(e, va)
			_ = as.table.Unmap(va) // best-effort: a never-faulted-in page simply isn't mapped
		}
		as.entries.Delete(e)
		as.releaseEntryRef(e)
	}
	return nil
}

// Protect adjusts the protection of every Entry covering
// [base, base+pages*PageSize), splitting Entries at the range's boundaries
// as needed.
func (as *AddressSpace) Protect(base uintptr, pages uint64, prot arch.Protection) error {
	if pages == 0 || base%pfa.PageSize != 0 {
		return kerrors.New("vm.Protect", kerrors.BadArgument)
	}

	as.lock.Lock()
	defer as.lock.Unlock()

	end := base + uintptr(pages)*pfa.PageSize
	as.splitAt(base)
	as.splitAt(end)

	for _, e := range as.entriesOverlapping(base, end) {
		e.Prot = prot
		for va := e.Base; va < e.End(); va += pfa.PageSize {
			frame, ok := as.entryResidentFrame(e, va)
			if !ok {
				continue // not yet faulted in; the next fault resolves at the new protection
			}
			writable := prot&arch.ProtWrite != 0 && !e.COW
			_ = as.remapPage(va, frame, prot, writable)
		}
	}
	return nil
}

// mapPage installs va -> frame at e's protection, downgraded to read-only
// unless writable is set.
func (as *AddressSpace) mapPage(va uintptr, frame pfa.FrameNumber, prot arch.Protection, writable bool) error {
	if !writable {
		prot &^= arch.ProtWrite
	}
	return as.table.Map(va, frame, prot)
}

// remapPage replaces whatever mapping va currently has (if any) with
// frame, used when copy-on-write or an object fault resolves to a
// different physical frame than was there before.
func (as *AddressSpace) remapPage(va uintptr, frame pfa.FrameNumber, prot arch.Protection, writable bool) error {
	_ = as.table.Unmap(va) // best-effort: may not have been mapped yet
	return as.mapPage(va, frame, prot, writable)
}

// Fault resolves a single page fault at addr: zero-fill, copy-on-write, or
// object-read, returning ok, segfault, or internal_error. Invoked from the
// architecture fault-handler trampoline (out of scope here).
func (as *AddressSpace) Fault(addr uintptr, access AccessKind) FaultResult {
	va := addr &^ (pfa.PageSize - 1)

	as.lock.Lock()
	defer as.lock.Unlock()

	e := as.lookup(va)
	if e == nil || e.Prot == 0 {
		return FaultSegfault
	}
	if access == AccessWrite && e.Prot&arch.ProtWrite == 0 && !e.COW {
		return FaultSegfault
	}
	if access == AccessExecute && e.Prot&arch.ProtExec == 0 {
		return FaultSegfault
	}

	switch {
	case e.anon != nil:
		return as.resolveAnon(e, va, access)
	case e.obj != nil:
		return as.resolveObject(e, va, access)
	default:
		return FaultSegfault
	}
}

// resolveAnon implements the copy-on-write and zero-fill algorithms for an
// anonymous-backed Entry.
func (as *AddressSpace) resolveAnon(e *Entry, va uintptr, access AccessKind) FaultResult {
	if access == AccessWrite && e.COW {
		if e.NeedsCopy {
			old := e.anon
			e.anon = old.clone()
			e.NeedsCopy = false
			if old.Unref() == 0 {
				old.destroy(as.alloc)
			}
		}
	}

	idx := e.anonOffset + uint64(va-e.Base)/pfa.PageSize

	e.anon.mu.Lock()
	pg, ok := e.anon.pages[idx]
	e.anon.mu.Unlock()

	if !ok {
		f, err := as.alloc.Allocate()
		if err != nil {
			return FaultInternalError
		}
		zeroBytes(as.alloc.FrameBytes(f.Number))
		pg = newAnonPage(f)

		e.anon.mu.Lock()
		e.anon.pages[idx] = pg
		e.anon.mu.Unlock()

		writable := e.Prot&arch.ProtWrite != 0 && (!e.COW || access == AccessWrite)
		if err := as.mapPage(va, f.Number, e.Prot, writable); err != nil {
			return FaultInternalError
		}
		return FaultOK
	}

	if access == AccessWrite && e.COW {
		pg.mu.Lock()
		if pg.Refcount() > 1 {
			nf, err := as.alloc.Allocate()
			if err != nil {
				pg.mu.Unlock()
				return FaultInternalError
			}
			copy(as.alloc.FrameBytes(nf.Number), as.alloc.FrameBytes(pg.frame.Number))
			pg.unref(as.alloc)
			pg.mu.Unlock()

			npg := newAnonPage(nf)
			e.anon.mu.Lock()
			e.anon.pages[idx] = npg
			e.anon.mu.Unlock()

			if err := as.remapPage(va, nf.Number, e.Prot, true); err != nil {
				return FaultInternalError
			}
			return FaultOK
		}
		pg.mu.Unlock()
		if err := as.remapPage(va, pg.frame.Number, e.Prot, true); err != nil {
			return FaultInternalError
		}
		return FaultOK
	}

	writable := e.Prot&arch.ProtWrite != 0 && !e.COW
	if err := as.mapPage(va, pg.frame.Number, e.Prot, writable); err != nil {
		return FaultInternalError
	}
	return FaultOK
}

// resolveObject implements the object-read algorithm.
func (as *AddressSpace) resolveObject(e *Entry, va uintptr, access AccessKind) FaultResult {
	idx := e.objOffset + uint64(va-e.Base)/pfa.PageSize
	f, err := e.obj.Page(idx)
	if err != nil {
		return FaultInternalError
	}
	// "read-write if the mapping is private and already copied" — a
	// shared (non-COW) Entry maps the cached page at its real protection
	// directly. A private (COW) Entry never copies object pages out of
	// the shared cache in this build, so it is always resolved read-only
	// here; a write to it instead takes the copy-on-write path through
	// resolveAnon once the private copy has been materialized into an
	// AnonMap (out of scope for a pure object-backed Entry today).
	writable := e.Prot&arch.ProtWrite != 0 && !e.COW
	if err := as.remapPage(va, f.Number, e.Prot, writable); err != nil {
		return FaultInternalError
	}
	return FaultOK
}

// ReinitializeAndUnmapAll removes every Entry and releases every
// reference it held, then destroys the backing page table. Used at
// Process teardown.
func (as *AddressSpace) ReinitializeAndUnmapAll() {
	as.lock.Lock()
	defer as.lock.Unlock()

	as.entries.Ascend(func(e *Entry) bool {
		for va := e.Base; va < e.End(); va += pfa.PageSize {
			as.releasePage(e, va)
			_ = as.table.Unmap(va)
		}
		as.releaseEntryRef(e)
		return true
	})
	as.entries.Clear(false)
	as.table.Destroy()
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
