// Parker is built on golang.org/x/sync/semaphore rather than a
// hand-rolled channel so the "at most one outstanding wakeup" rule is
// enforced by a library, used here at weight 1. Weighted's Acquire/Release
// pair only models a resource pool correctly if every Release pairs with a
// prior Acquire, so the semaphore starts pre-acquired (empty slot) and
// pending tracks whether a token is currently deposited, guarding against
// a double Release.

package ksync

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Parker is a 1-slot binary semaphore: a single pending Unpark is
// remembered even if delivered before the matching Park call, but a
// second Unpark before the first is consumed is a no-op (the slot holds
// at most one token). Task uses one to go to sleep and be resumed without
// losing a wakeup that races the sleep.
type Parker struct {
	sem     *semaphore.Weighted
	pending uint32 // atomic: 1 once Unpark has deposited a token not yet consumed by Park
}

// NewParker returns a Parker with no pending wakeup.
func NewParker() *Parker {
	p := &Parker{sem: semaphore.NewWeighted(1)}
	// Claim the single unit so the slot starts empty: Park's Acquire will
	// block until a matching Unpark releases it.
	if !p.sem.TryAcquire(1) {
		panic("ksync: fresh semaphore.Weighted(1) could not be acquired")
	}
	return p
}

// Park blocks until a matching Unpark has been, or already was, delivered.
// ctx governs cancellation; on cancellation Park returns ctx.Err() and no
// token is consumed.
func (p *Parker) Park(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	atomic.StoreUint32(&p.pending, 0)
	return nil
}

// Unpark deposits a wakeup token if the slot is empty. It never blocks and
// is safe to call before the corresponding Park (the token is simply
// waiting when Park arrives); calling it again before the first token is
// consumed is a no-op.
func (p *Parker) Unpark() {
	if atomic.CompareAndSwapUint32(&p.pending, 0, 1) {
		p.sem.Release(1)
	}
}
