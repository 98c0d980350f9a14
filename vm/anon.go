package vm

import (
	"sync/atomic"

	"cascadeos/ksync"
	"cascadeos/pfa"
)

// AnonPage is a single zero-filled-on-demand physical page. Shared across
// AnonMaps during copy-on-write; destroyed (its frame returned to the PFA)
// when its refcount reaches zero.
type AnonPage struct {
	// mu serializes resolveAnon's copy-on-write refcount check and copy of
	// this page; UserBuf reads and writes the bytes without taking it. Slot
	// installation/removal in the owning AnonMap is itself serialized by
	// that AnonMap's lock, one tier up (address-space -> anon-map ->
	// anon-page).
	mu       ksync.Mutex
	refcount atomic.Int32
	frame    *pfa.Frame
}

func newAnonPage(f *pfa.Frame) *AnonPage {
	p := &AnonPage{frame: f}
	p.refcount.Store(1)
	return p
}

// Refcount reports the page's current reference count.
func (p *AnonPage) Refcount() int32 { return p.refcount.Load() }

// ref increments the page's refcount, for a second AnonMap slot (or clone)
// coming to share it.
func (p *AnonPage) ref() { p.refcount.Add(1) }

// unref decrements the page's refcount and, if it reaches zero, returns its
// frame to alloc.
func (p *AnonPage) unref(alloc *pfa.Allocator) {
	if p.refcount.Add(-1) == 0 {
		alloc.Deallocate(p.frame)
		p.frame = nil
	}
}

// AnonMap is a sparse, zero-filled-on-demand, process-private address
// range. A map with refcount>1 is shared between Entries (typically across
// a fork-like duplication) and any write through it must resolve
// copy-on-write first.
type AnonMap struct {
	mu       ksync.Mutex
	refcount atomic.Int32
	pages    map[uint64]*AnonPage
}

// NewAnonMap returns an empty AnonMap with refcount 1.
func NewAnonMap() *AnonMap {
	m := &AnonMap{pages: make(map[uint64]*AnonPage)}
	m.refcount.Store(1)
	return m
}

// Ref increments m's refcount, for an Entry coming to share m.
func (m *AnonMap) Ref() { m.refcount.Add(1) }

// Unref decrements m's refcount and returns the new value; the caller tears
// m down (releasing every page it still holds) when this reaches zero.
func (m *AnonMap) Unref() int32 { return m.refcount.Add(-1) }

// Refcount reports m's current reference count.
func (m *AnonMap) Refcount() int32 { return m.refcount.Load() }

// clone builds a fresh AnonMap (refcount 1) sharing every page m currently
// holds, bumping each shared page's refcount. This is the "clone the
// referenced Anonymous Map" step of the copy-on-write algorithm; the
// caller is responsible for decrementing m's own refcount afterward.
func (m *AnonMap) clone() *AnonMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := NewAnonMap()
	for idx, pg := range m.pages {
		pg.ref()
		n.pages[idx] = pg
	}
	return n
}

// destroy releases every page m still holds back to alloc. Called once m's
// refcount has reached zero; m must not be touched afterward.
func (m *AnonMap) destroy(alloc *pfa.Allocator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, pg := range m.pages {
		pg.unref(alloc)
		delete(m.pages, idx)
	}
}
