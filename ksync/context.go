// Package ksync implements the kernel's synchronization primitives: ticket
// spinlocks, reader/writer locks, mutexes, wait queues, parkers, and
// intrusive atomic lists.
//
// ksync never imports sched: sched registers its Task type against the
// Holder interface below at package init, a single current-context hook
// that lets synchronization primitives enforce the preemption discipline
// without a cyclic import.
package ksync

import "sync"

// Holder is the capability every lock primitive needs from "whoever is
// currently running": per-holder interrupt/preemption-disable counters,
// incremented on primitive acquisition and decremented on release, and an
// identity used by wait-queue FIFO ordering and cancellation-by-pointer.
type Holder interface {
	// ID uniquely identifies the holder for the lifetime of the process.
	ID() uint64
	// DisableInterrupts increments interrupt_disable_count and returns
	// whether interrupts were enabled beforehand.
	DisableInterrupts() bool
	// RestoreInterrupts decrements interrupt_disable_count and restores
	// the prior enabled/disabled state.
	RestoreInterrupts(wasEnabled bool)
	// IncSpinlocksHeld increments the holder's spinlocks_held counter.
	IncSpinlocksHeld()
	// DecSpinlocksHeld decrements the holder's spinlocks_held counter.
	DecSpinlocksHeld()
	// DisablePreemption increments preemption_disable_count.
	DisablePreemption()
	// EnablePreemption decrements preemption_disable_count and, if it
	// reaches zero with preemption_skipped set, must perform the
	// deferred preemption check.
	EnablePreemption()
	// Park suspends the calling goroutine until Wake is called with a
	// matching token. It must be called with no spinlock held by the
	// caller (the caller releases its spinlock first, per the wait
	// protocol).
	Park(reason string)
	// Wake moves a blocked Holder back to ready. Implementations must be
	// safe to call before the target has reached Park (see WaitQueue).
	Wake()
}

// current is supplied by sched's package init via SetCurrentFunc. It mirrors the
// "current_task() inline hook" design note: kernel code below sched calls
// Current() without knowing how the executing context is identified.
var current func() Holder

// SetCurrentFunc installs the accessor used by Current. Called exactly
// once, by sched's package init, wiring the scheduler's Task type into
// every lock primitive in this package.
func SetCurrentFunc(f func() Holder) { current = f }

// Current returns the Holder representing whatever is running on the
// calling goroutine. Outside of a wired-up kernel (e.g. a unit test that
// exercises ksync in isolation) it returns a harmless stand-in so locks
// remain usable without a scheduler.
func Current() Holder {
	if current == nil {
		return standaloneHolder{gid: GoroutineID()}
	}
	return current()
}

// standaloneHolder lets ksync's own tests acquire locks, block, and wake
// without sched wired up. Identity is fixed to the goroutine id captured
// when Current() constructed it (see goroutineid.go); Wake is typically
// called by a different goroutine than the one that parked, so gid must be
// carried as a field rather than recomputed in Park/Wake. Park/Wake
// rendezvous on a per-goroutine channel kept in parkTokens so concurrent
// tests get real blocking, not a busy spin.
type standaloneHolder struct{ gid uint64 }

var parkTokens sync.Map // goroutine id (uint64) -> chan struct{}

func parkToken(id uint64) chan struct{} {
	if v, ok := parkTokens.Load(id); ok {
		return v.(chan struct{})
	}
	ch := make(chan struct{}, 1)
	v, _ := parkTokens.LoadOrStore(id, ch)
	return v.(chan struct{})
}

func (h standaloneHolder) ID() uint64            { return h.gid }
func (standaloneHolder) DisableInterrupts() bool { return true }
func (standaloneHolder) RestoreInterrupts(bool)  {}
func (standaloneHolder) IncSpinlocksHeld()       {}
func (standaloneHolder) DecSpinlocksHeld()       {}
func (standaloneHolder) DisablePreemption()      {}
func (standaloneHolder) EnablePreemption()       {}

func (h standaloneHolder) Park(reason string) {
	<-parkToken(h.gid)
}

func (h standaloneHolder) Wake() {
	select {
	case parkToken(h.gid) <- struct{}{}:
	default:
	}
}
