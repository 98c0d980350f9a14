package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cascadeos/ksync"
)

// CleanupItem is anything that can be queued for deferred teardown: a
// dropped Task, or (in proc) a Process whose last reference was released.
// Implementations embed a CleanupFlag to get MarkQueued/ClearQueued for
// free.
type CleanupItem interface {
	// MarkQueued CASes the item's queued flag false->true, returning
	// whether this call was the one that won — QueueForCleanup uses this
	// to make repeated calls for the same item idempotent.
	MarkQueued() bool
	// ClearQueued resets the queued flag to false, allowing a future
	// MarkQueued to succeed again. Called right before Cleanup runs, so a
	// resurrection (Cleanup returning true) can re-queue the item as if
	// fresh.
	ClearQueued()
	// Cleanup performs the teardown. It returns true if the item turned
	// out to still be referenced elsewhere (a resurrection race) and must
	// be retried later instead of being considered done.
	Cleanup() (stillLive bool)
}

// CleanupFlag gives a CleanupItem its queued_for_cleanup bit.
type CleanupFlag struct {
	queued uint32
}

func (f *CleanupFlag) MarkQueued() bool { return atomic.CompareAndSwapUint32(&f.queued, 0, 1) }
func (f *CleanupFlag) ClearQueued()     { atomic.StoreUint32(&f.queued, 0) }

// CleanupService is a singleton kernel Task that drains a queue of
// CleanupItems, retrying (with backoff) any that report themselves still
// live rather than spinning on the resurrection race.
type CleanupService struct {
	name string

	lock  ksync.Ticket
	wq    ksync.WaitQueue
	items []CleanupItem

	task *Task

	newBackOff func() backoff.BackOff
	retryMu    sync.Mutex
	retryBO    map[CleanupItem]backoff.BackOff
}

// NewCleanupService constructs a cleanup service under the given name
// (used only for debugging/log context) but does not start its Task;
// callers call Start once a Scheduler/Executor is up.
func NewCleanupService(name string) *CleanupService {
	return &CleanupService{
		name:       name,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		retryBO:    make(map[CleanupItem]backoff.BackOff),
	}
}

// QueueForCleanup enqueues item unless it is already queued. Safe to call
// from any Task or from ambient (non-Task) code.
func (cs *CleanupService) QueueForCleanup(item CleanupItem) {
	if !item.MarkQueued() {
		return
	}
	cs.lock.Lock()
	cs.items = append(cs.items, item)
	cs.lock.Unlock()
	cs.wq.WakeOne()
}

// Start spawns the service's draining Task and returns it.
func (cs *CleanupService) Start() *Task {
	cs.task = Spawn(cs.run, PriorityLow)
	return cs.task
}

func (cs *CleanupService) run(t *Task) {
	for {
		cs.lock.Lock()
		for len(cs.items) == 0 {
			cs.wq.Wait(&cs.lock)
			cs.lock.Lock()
		}
		item := cs.items[0]
		cs.items = cs.items[1:]
		cs.lock.Unlock()

		item.ClearQueued()
		if !item.Cleanup() {
			cs.forgetBackOff(item)
			continue
		}
		cs.retryLater(item)
	}
}

// retryLater schedules item to be re-queued after its backoff interval,
// rather than busy-spinning the cleanup Task on a resurrected item.
func (cs *CleanupService) retryLater(item CleanupItem) {
	cs.retryMu.Lock()
	bo, ok := cs.retryBO[item]
	if !ok {
		bo = cs.newBackOff()
		cs.retryBO[item] = bo
	}
	cs.retryMu.Unlock()

	d := bo.NextBackOff()
	if d == backoff.Stop {
		cs.forgetBackOff(item)
		d = time.Minute // give up tightening further; still retry, just slowly
	}
	time.AfterFunc(d, func() { cs.QueueForCleanup(item) })
}

func (cs *CleanupService) forgetBackOff(item CleanupItem) {
	cs.retryMu.Lock()
	delete(cs.retryBO, item)
	cs.retryMu.Unlock()
}

// Pending reports how many items are currently queued, for tests/metrics.
func (cs *CleanupService) Pending() int {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	return len(cs.items)
}

// TaskCleanup is the process-wide singleton cleanup service.
// proc.ProcessCleanup is the analogous singleton for Processes, constructed
// the same way in the proc package.
var TaskCleanup = NewCleanupService("task-cleanup")
