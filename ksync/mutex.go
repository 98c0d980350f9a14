package ksync

// Mutex is a sleeping, FIFO-fair lock built from this package's own
// Ticket and WaitQueue. Unlike Ticket it may block the calling goroutine,
// and it disables preemption for the calling Holder while held.
type Mutex struct {
	guard ksyncMutexState
}

type ksyncMutexState struct {
	lock  Ticket
	held  bool
	owner uint64
	wq    WaitQueue
}

// Lock blocks until the mutex is acquired.
func (m *Mutex) Lock() {
	h := Current()
	m.guard.lock.Lock()
	for m.guard.held {
		// Wait releases guard.lock and parks; it re-acquires nothing on
		// our behalf, so we must re-take it ourselves after waking to
		// re-check the condition (classic mesa-semantics wait loop).
		m.guard.wq.Wait(&m.guard.lock)
		m.guard.lock.Lock()
	}
	m.guard.held = true
	m.guard.owner = h.ID()
	m.guard.lock.Unlock()
	// Preemption is disabled only once the mutex is actually held, not
	// while contending for it.
	h.DisablePreemption()
}

// Unlock releases the mutex and wakes the earliest waiter, if any.
func (m *Mutex) Unlock() {
	h := Current()
	m.guard.lock.Lock()
	if !m.guard.held || m.guard.owner != h.ID() {
		m.guard.lock.Unlock()
		panic("ksync: mutex unlocked by non-owner")
	}
	m.guard.held = false
	m.guard.owner = 0
	m.guard.wq.WakeOne()
	m.guard.lock.Unlock()
	h.EnablePreemption()
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	h := Current()
	m.guard.lock.Lock()
	if m.guard.held {
		m.guard.lock.Unlock()
		return false
	}
	m.guard.held = true
	m.guard.owner = h.ID()
	m.guard.lock.Unlock()
	h.DisablePreemption()
	return true
}

