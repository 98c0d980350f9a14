// Package accnt tracks per-task CPU time accounting: nanosecond user/system
// counters that survive concurrent snapshotting.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt accumulates the nanoseconds of user and system time a single Task
// has consumed. Nothing in sched updates it; the counters change only
// through Utadd, Systadd and Add.
type Accnt struct {
	userns int64
	sysns  int64
	mu     sync.Mutex // serializes Add calls on a; Snapshot does not take it
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt) Utadd(delta time.Duration) {
	atomic.AddInt64(&a.userns, int64(delta))
}

// Systadd adds delta nanoseconds to the system-time counter. delta may be
// negative, to back out time already charged to system while a Task was
// blocked.
func (a *Accnt) Systadd(delta time.Duration) {
	atomic.AddInt64(&a.sysns, int64(delta))
}

// Snapshot is a point-in-time copy of a Task's accounted usage.
type Snapshot struct {
	User time.Duration
	Sys  time.Duration
}

// Snapshot returns the current counters. Safe to call concurrently with
// Utadd/Systadd/Add; the individual fields are read atomically, though
// two fields read in quick succession are not a single atomic unit.
func (a *Accnt) Snapshot() Snapshot {
	return Snapshot{
		User: time.Duration(atomic.LoadInt64(&a.userns)),
		Sys:  time.Duration(atomic.LoadInt64(&a.sysns)),
	}
}

// Add merges n's counters into a, for rolling up a dropped Task's usage
// into its owning Process's cumulative accounting.
func (a *Accnt) Add(n *Accnt) {
	ns := n.Snapshot()
	a.mu.Lock()
	atomic.AddInt64(&a.userns, int64(ns.User))
	atomic.AddInt64(&a.sysns, int64(ns.Sys))
	a.mu.Unlock()
}
