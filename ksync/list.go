package ksync

import "sync/atomic"

// ListNode is embedded by any type that wants to live on an AtomicLIFO.
// Embedders must not mutate next directly; it is owned by the AtomicLIFO.
type ListNode struct {
	next atomic.Pointer[ListNode]
}

// AtomicLIFO is an intrusive, lock-free, atomic LIFO (stack) of ListNode
// embedders, linked through their own ListNode field rather than a
// separately allocated wrapper. Pop order is last-in-first-out; AtomicFIFO below
// adapts it for submission order where that matters instead.
type AtomicLIFO struct {
	head atomic.Pointer[ListNode]
}

// Push links n onto the list. Safe for concurrent use, including
// concurrent Pop.
func (l *AtomicLIFO) Push(n *ListNode) {
	for {
		old := l.head.Load()
		n.next.Store(old)
		if l.head.CompareAndSwap(old, n) {
			return
		}
	}
}

// Pop unlinks and returns the most recently pushed node, or nil if the
// list is empty.
func (l *AtomicLIFO) Pop() *ListNode {
	for {
		old := l.head.Load()
		if old == nil {
			return nil
		}
		next := old.next.Load()
		if l.head.CompareAndSwap(old, next) {
			old.next.Store(nil)
			return old
		}
	}
}

// Empty reports whether the list currently has no nodes. Racy by nature
// under concurrent Push/Pop; intended for debug assertions and metrics,
// not control flow.
func (l *AtomicLIFO) Empty() bool {
	return l.head.Load() == nil
}

// AtomicFIFO is a lock-free queue built from two AtomicLIFOs: new nodes
// land on an inbound stack; Pop drains and reverses it into an outbound
// stack once the outbound side runs dry, yielding overall FIFO order with
// only two CAS points per operation (the classic two-stack/"Michael-Scott
// lite" queue shape). A full MS-queue isn't needed here since callers never
// need concurrent Pop from multiple consumers at once — wait queues
// already serialize pops under their owning spinlock.
type AtomicFIFO struct {
	in  AtomicLIFO
	out AtomicLIFO
}

// Push enqueues n.
func (f *AtomicFIFO) Push(n *ListNode) {
	f.in.Push(n)
}

// Pop dequeues the earliest-pushed node, or nil if empty.
func (f *AtomicFIFO) Pop() *ListNode {
	if n := f.out.Pop(); n != nil {
		return n
	}
	for {
		n := f.in.Pop()
		if n == nil {
			break
		}
		f.out.Push(n)
	}
	return f.out.Pop()
}
