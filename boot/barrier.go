package boot

import (
	"sync"
	"sync/atomic"
)

// barrier is a single-use rendezvous point for exactly n arrivals.
type barrier struct {
	n       int64
	arrived atomic.Int64
	done    chan struct{}
	once    sync.Once
}

func newBarrier(n int) *barrier {
	return &barrier{n: int64(n), done: make(chan struct{})}
}

// arrive records one arrival and reports whether this call was the very
// first. Once the nth arrival lands, every blocked (and future) wait call
// unblocks.
func (b *barrier) arrive() (first bool) {
	c := b.arrived.Add(1)
	first = c == 1
	if c >= b.n {
		b.once.Do(func() { close(b.done) })
	}
	return first
}

// wait blocks until the barrier's nth arrival has landed.
func (b *barrier) wait() { <-b.done }
