// Package vm implements the Address Space Manager: the ordered,
// non-overlapping set of Entries backing a single Address Space, fault
// resolution, and copy-on-write.
package vm

import (
	"cascadeos/arch"
	"cascadeos/pfa"
)

// AccessKind describes the kind of access that triggered a fault.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

// FaultResult is the outcome of resolving a single page fault: ok,
// segfault, or internal_error.
type FaultResult int

const (
	FaultOK FaultResult = iota
	FaultSegfault
	FaultInternalError
)

func (r FaultResult) String() string {
	switch r {
	case FaultOK:
		return "ok"
	case FaultSegfault:
		return "segfault"
	case FaultInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Entry is one contiguous, uniformly-backed virtual range inside an
// AddressSpace. Entries never overlap and are ordered by Base.
type Entry struct {
	Base  uintptr
	Pages uint64
	Prot  arch.Protection

	COW       bool
	NeedsCopy bool
	Wired     uint32

	anon       *AnonMap
	anonOffset uint64 // in pages, from the start of anon

	obj       *Object
	objOffset uint64 // in pages, from the start of obj
}

// End returns the address one past the last byte Entry covers.
func (e *Entry) End() uintptr { return e.Base + uintptr(e.Pages)*pfa.PageSize }

// lessEntry orders Entries by Base; AddressSpace.entries is a btree keyed
// by this function.
func lessEntry(a, b *Entry) bool { return a.Base < b.Base }

// mergeable reports whether a and b satisfy the Entry merging rule:
// address-adjacent, identical (protection, cow, needs_copy, wired_count),
// and consistent backing-offset arithmetic for whichever of Object/AnonMap
// they reference.
func mergeable(a, b *Entry) bool {
	if a.End() != b.Base {
		return false
	}
	if a.Prot != b.Prot || a.COW != b.COW || a.NeedsCopy != b.NeedsCopy || a.Wired != b.Wired {
		return false
	}
	if (a.obj == nil) != (b.obj == nil) {
		return false
	}
	if a.obj != nil {
		if a.obj != b.obj || b.objOffset != a.objOffset+a.Pages {
			return false
		}
	}
	if (a.anon == nil) != (b.anon == nil) {
		return false
	}
	if a.anon != nil {
		if a.anon != b.anon {
			return false
		}
		// "if an Anonymous Map is involved, it is not shared (refcount == 1)"
		if a.anon.refcount.Load() != 1 {
			return false
		}
		if b.anonOffset != a.anonOffset+a.Pages {
			return false
		}
	}
	return true
}
