package ksync

import "sync"

// waiter is one Holder's position on a WaitQueue.
type waiter struct {
	id   uint64
	h    Holder
	next *waiter
}

// WaitQueue is the FIFO blocking primitive used by the sleeping locks in
// this package. It does not carry its own spinlock: callers already hold
// the spinlock that guards whatever condition they are waiting on (the
// "owning spinlock"), and must pass it to Wait so the release can be
// sequenced after registration. This is the same lock Wake's caller must
// hold when popping a waiter, which is what makes the protocol race-free
// without a lost-wakeup window.
type WaitQueue struct {
	mu   sync.Mutex // protects head/tail bookkeeping only; held only briefly
	head *waiter
	tail *waiter
}

// Wait registers the calling Holder on the queue, releases owner, and
// blocks until a corresponding Wake call resumes it. owner must be held on
// entry; it is not held on return.
func (wq *WaitQueue) Wait(owner *Ticket) {
	h := Current()
	w := &waiter{id: h.ID(), h: h}

	wq.mu.Lock()
	if wq.tail == nil {
		wq.head, wq.tail = w, w
	} else {
		wq.tail.next = w
		wq.tail = w
	}
	wq.mu.Unlock()

	// Release the owning spinlock only after the waiter is visible on
	// the queue: any waker that now acquires owner will find w.
	owner.Unlock()

	h.Park("waitqueue")
}

// WakeOne pops the earliest-registered waiter, if any, and wakes it.
// Returns true if a waiter was woken. Caller must hold the same spinlock
// the waiter held when it called Wait.
func (wq *WaitQueue) WakeOne() bool {
	wq.mu.Lock()
	w := wq.head
	if w != nil {
		wq.head = w.next
		if wq.head == nil {
			wq.tail = nil
		}
	}
	wq.mu.Unlock()
	if w == nil {
		return false
	}
	w.h.Wake()
	return true
}

// WakeAll wakes every currently-registered waiter, in FIFO order.
func (wq *WaitQueue) WakeAll() int {
	n := 0
	for wq.WakeOne() {
		n++
	}
	return n
}

// Remove forgets a specific Holder if it is still registered, without
// waking it. Used for cancellation.
func (wq *WaitQueue) Remove(id uint64) bool {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	var prev *waiter
	for cur := wq.head; cur != nil; cur = cur.next {
		if cur.id == id {
			if prev == nil {
				wq.head = cur.next
			} else {
				prev.next = cur.next
			}
			if cur == wq.tail {
				wq.tail = prev
			}
			return true
		}
		prev = cur
	}
	return false
}

// Len reports the number of currently registered waiters.
func (wq *WaitQueue) Len() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	n := 0
	for cur := wq.head; cur != nil; cur = cur.next {
		n++
	}
	return n
}
