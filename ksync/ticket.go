package ksync

import (
	"sync/atomic"
)

// Ticket is a FIFO ticket spinlock. Callers must disable interrupts and
// preemption before spinning (Lock does this for them via ksync.Current);
// it never blocks the calling goroutine on anything but a busy loop.
type Ticket struct {
	nowServing     uint64
	nextTicket     uint64
	holder         uint64 // Holder.ID() of the current owner, 0 if unheld
	poisoned       uint32
	heldInterrupts bool // touched only by the current holder, between Lock and Unlock
}

// Lock acquires the spinlock, disabling interrupts and incrementing the
// calling Holder's spinlocks_held counter for the duration of the hold.
func (t *Ticket) Lock() {
	h := Current()
	if atomic.LoadUint32(&t.poisoned) != 0 {
		panic("ksync: acquire of poisoned ticket spinlock")
	}
	wasEnabled := h.DisableInterrupts()
	if h.ID() != 0 && atomic.LoadUint64(&t.holder) == h.ID() {
		// Spinning below would self-deadlock; debug-assert instead.
		h.RestoreInterrupts(wasEnabled)
		panic("ksync: recursive ticket spinlock acquisition")
	}
	my := atomic.AddUint64(&t.nextTicket, 1) - 1
	for atomic.LoadUint64(&t.nowServing) != my {
		// busy-wait: spinlocks never block (table: "Blocks? No").
	}
	atomic.StoreUint64(&t.holder, h.ID())
	h.IncSpinlocksHeld()
	t.heldInterrupts = wasEnabled
}

// Unlock releases the spinlock. It must be called by the same Holder that
// locked it; releasing a lock you do not hold is a structural-integrity
// violation and panics rather than returning an error.
func (t *Ticket) Unlock() {
	h := Current()
	if atomic.LoadUint64(&t.holder) != h.ID() {
		panic("ksync: spinlock released by non-holder")
	}
	wasEnabled := t.heldInterrupts
	atomic.StoreUint64(&t.holder, 0)
	h.DecSpinlocksHeld()
	atomic.AddUint64(&t.nowServing, 1)
	h.RestoreInterrupts(wasEnabled)
}

// Held reports whether the calling Holder currently owns the lock. Used by
// AssertHeld and by code that wants to avoid re-acquiring its own lock.
func (t *Ticket) Held() bool {
	return atomic.LoadUint64(&t.holder) == Current().ID() && Current().ID() != 0
}

// AssertHeld panics if the calling Holder does not hold the lock.
func (t *Ticket) AssertHeld() {
	if !t.Held() {
		panic("ksync: lock must be held")
	}
}

// Poison marks the lock so that all future Lock calls panic. Used when the
// structure it protects has been torn down.
func (t *Ticket) Poison() {
	atomic.StoreUint32(&t.poisoned, 1)
}
