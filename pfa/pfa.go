// Package pfa implements the kernel's physical frame allocator: a pool of
// fixed-size physical pages served and reclaimed with O(1) amortized cost
// and no fragmentation.
package pfa

import (
	"sync/atomic"
	"unsafe"

	"cascadeos/kerrors"
	"cascadeos/ksync"
)

// PageSize is the architecture's standard page size. CascadeOS targets
// commodity 64-bit hardware only, so a single compiled-in constant is
// sufficient; a future architecture with a different native page size
// would make this a per-arch value instead.
const PageSize = 4096

// poisonByte fills a freshly allocated frame on debug builds so that a use
// of stale, zeroed-looking memory is more likely to crash loudly than
// silently compute with garbage.
const poisonByte = 0xAA

// FrameNumber identifies a physical frame by its index (physical address /
// PageSize), not by address directly.
type FrameNumber uint64

// RegionKind classifies a range of the bootloader memory map: free,
// in_use, reserved, reclaimable, or unusable.
type RegionKind int

const (
	RegionFree RegionKind = iota
	RegionInUse
	RegionReserved
	RegionReclaimable
	RegionUnusable
)

func (k RegionKind) String() string {
	switch k {
	case RegionFree:
		return "free"
	case RegionInUse:
		return "in_use"
	case RegionReserved:
		return "reserved"
	case RegionReclaimable:
		return "reclaimable"
	case RegionUnusable:
		return "unusable"
	default:
		return "unknown"
	}
}

// Region is one contiguous run of frames sharing a RegionKind, as reported
// by the bootloader memory map.
type Region struct {
	Kind  RegionKind
	Base  FrameNumber
	Count uint64
}

// MemoryMap is the bootloader-reported physical layout Init walks exactly
// once.
type MemoryMap struct {
	Regions []Region
}

// Frame is one physical page's metadata. A Free Frame's only payload is
// its intrusive ListNode, stored in its direct-mapped virtual image; an
// allocated Frame's ownership (page table, Anonymous Page, Object chunk)
// is tracked by its owner, not by pfa itself.
type Frame struct {
	ksync.ListNode
	Number FrameNumber

	kind  RegionKind // region this frame was classified into at Init; updated by Reclaim
	state uint32      // atomic: 0 = on free list (or never allocated), 1 = allocated out
}

// Kind reports the frame's most recent region classification.
func (f *Frame) Kind() RegionKind { return f.kind }

// Base returns the frame's physical base address.
func (f *Frame) Base() uintptr { return uintptr(f.Number) * PageSize }

func frameOf(n *ksync.ListNode) *Frame {
	return (*Frame)(unsafe.Pointer(n))
}

// Stats is a point-in-time snapshot of the allocator's observability
// counters: total, free, reserved, reclaimable, and unavailable.
type Stats struct {
	Total       uint64
	Free        uint64
	Reserved    uint64
	Reclaimable uint64
	Unavailable uint64
}

// Allocator is the pool of fixed-size physical pages. The free list is a
// lock-free CAS LIFO; no lock guards Allocate or Deallocate.
type Allocator struct {
	base   FrameNumber
	frames []Frame

	// backing simulates the frames' physical bytes for debug-build
	// poisoning and for vm's direct-map reads in this hosted build; a real
	// arch adapter would instead poison through its own direct map and
	// backing would stay nil.
	backing []byte

	free ksync.AtomicLIFO

	total       atomic.Uint64
	freeCount   atomic.Uint64
	reserved    atomic.Uint64
	reclaimable atomic.Uint64
	unavailable atomic.Uint64

	// Poison toggles the debug-build poisoning behavior of Allocate. On by
	// default; tests that assert exact frame contents turn it off.
	Poison bool
}

// New constructs an Allocator with no frames. Callers must call Init
// before Allocate/Deallocate are meaningful.
func New() *Allocator {
	return &Allocator{Poison: true}
}

// Init classifies every region of mm and chains every page of every free
// region onto the allocator's LIFO. Called exactly once, during stage1
// boot.
func (a *Allocator) Init(mm MemoryMap) {
	if len(mm.Regions) == 0 {
		return
	}

	lo, hi := mm.Regions[0].Base, mm.Regions[0].Base+FrameNumber(mm.Regions[0].Count)
	for _, r := range mm.Regions[1:] {
		if r.Base < lo {
			lo = r.Base
		}
		if end := r.Base + FrameNumber(r.Count); end > hi {
			hi = end
		}
	}
	a.base = lo
	a.frames = make([]Frame, uint64(hi-lo))
	a.backing = make([]byte, uint64(hi-lo)*PageSize)

	for _, r := range mm.Regions {
		for n := r.Base; n < r.Base+FrameNumber(r.Count); n++ {
			f := &a.frames[n-a.base]
			f.Number = n
			f.kind = r.Kind
		}
		a.total.Add(r.Count)
		switch r.Kind {
		case RegionFree:
			a.freeCount.Add(r.Count)
			for n := r.Base; n < r.Base+FrameNumber(r.Count); n++ {
				a.free.Push(&a.frames[n-a.base].ListNode)
			}
		case RegionReserved:
			a.reserved.Add(r.Count)
		case RegionReclaimable:
			a.reclaimable.Add(r.Count)
		case RegionUnusable:
			a.unavailable.Add(r.Count)
		case RegionInUse:
			// counted in total only; never touches the free list.
		}
	}
}

// Allocate pops a frame from the free list, or fails with OutOfMemory if
// none remain. No retry is attempted inside the allocator; callers
// propagate the failure upward.
func (a *Allocator) Allocate() (*Frame, error) {
	n := a.free.Pop()
	if n == nil {
		return nil, kerrors.New("pfa.Allocate", kerrors.OutOfMemory)
	}
	f := frameOf(n)
	if !atomic.CompareAndSwapUint32(&f.state, 0, 1) {
		kerrors.Raisef("pfa: frame %d popped from free list while already marked allocated", f.Number)
	}
	a.freeCount.Add(^uint64(0)) // -1

	if a.Poison {
		if b := a.FrameBytes(f.Number); b != nil {
			for i := range b {
				b[i] = poisonByte
			}
		}
	}
	return f, nil
}

// Deallocate returns f to the free list. f must have come from this
// Allocator's Allocate; a double-free (or freeing a frame that was never
// allocated) is a fatal bug and raises a Fault rather than returning an
// error.
func (a *Allocator) Deallocate(f *Frame) {
	if f == nil {
		kerrors.Raise("pfa.Deallocate: nil frame")
	}
	idx := f.Number - a.base
	if idx >= FrameNumber(len(a.frames)) || &a.frames[idx] != f {
		kerrors.Raise("pfa.Deallocate: frame not owned by this allocator")
	}
	if !atomic.CompareAndSwapUint32(&f.state, 1, 0) {
		kerrors.Raisef("pfa.Deallocate: frame %d was not currently allocated (double free)", f.Number)
	}
	a.free.Push(&f.ListNode)
	a.freeCount.Add(1)
}

// FrameBytes returns the simulated backing bytes for frame n, or nil if
// this Allocator was built without backing storage. Used by Allocate's
// poisoning and by vm to read/write page contents in the hosted build.
func (a *Allocator) FrameBytes(n FrameNumber) []byte {
	if a.backing == nil {
		return nil
	}
	off := uint64(n-a.base) * PageSize
	return a.backing[off : off+PageSize]
}

// Reclaim moves every frame still classified as kind (RegionReclaimable or
// RegionUnusable) onto the free list, and returns how many frames moved.
// Nothing in stage boot calls it yet, so today a Reclaimable or Unusable
// frame simply stays unavailable for the life of the kernel. Not safe to
// call concurrently with another Reclaim of the same kind.
func (a *Allocator) Reclaim(kind RegionKind) int {
	if kind != RegionReclaimable && kind != RegionUnusable {
		return 0
	}
	n := 0
	for i := range a.frames {
		f := &a.frames[i]
		if f.kind != kind {
			continue
		}
		f.kind = RegionFree
		a.free.Push(&f.ListNode)
		n++
	}
	if n == 0 {
		return 0
	}
	switch kind {
	case RegionReclaimable:
		a.reclaimable.Add(^uint64(uint64(n) - 1))
	case RegionUnusable:
		a.unavailable.Add(^uint64(uint64(n) - 1))
	}
	a.freeCount.Add(uint64(n))
	return n
}

// Stats returns a point-in-time snapshot of the allocator's observability
// counters. Go's atomic loads already give sequential consistency, so no
// extra fence is needed here.
func (a *Allocator) Stats() Stats {
	return Stats{
		Total:       a.total.Load(),
		Free:        a.freeCount.Load(),
		Reserved:    a.reserved.Load(),
		Reclaimable: a.reclaimable.Load(),
		Unavailable: a.unavailable.Load(),
	}
}
