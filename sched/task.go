package sched

import (
	"sync/atomic"

	"cascadeos/accnt"
	"cascadeos/ksync"
)

// State is a Task's position in the scheduler's state machine.
type State uint32

const (
	Ready State = iota
	Running
	Blocked
	Dropped
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// TaskID uniquely identifies a Task for the lifetime of the kernel.
type TaskID uint64

var nextTaskID uint64

func allocTaskID() TaskID {
	return TaskID(atomic.AddUint64(&nextTaskID, 1))
}

// Task is one schedulable unit of execution, realized as its own
// persistent goroutine. An Executor hands it the baton over resumeCh and
// waits on yieldCh for it to give the baton back, so "exactly one Task
// runs per Executor at an instant" holds without any explicit mutual
// exclusion.
type Task struct {
	CleanupFlag // queued_for_cleanup bit, consumed by TaskCleanup

	id    TaskID
	fn    func(*Task)
	Accnt accnt.Accnt

	state State // mutated atomically: by the Task's own goroutine, and by Wake/Cancel via CAS

	resumeCh chan struct{} // Executor -> Task: you have the baton
	yieldCh  chan struct{} // Task -> Executor: I'm giving it back

	interruptDisableCount  int32
	preemptionDisableCount int32
	spinlocksHeld          int32
	preemptRequested       uint32 // atomic bool: Executor's timer wants this Task to yield
	preemptionSkipped      uint32 // atomic bool: a preempt request arrived while disabled

	priority Priority

	canceled uint32 // atomic bool: Cancel has been called

	// teardown, if set, is invoked by TaskCleanup once this Task reaches
	// Dropped. Its return value follows CleanupItem.Cleanup's convention:
	// true means the Task is still referenced (e.g. its owning Process
	// has not yet removed it from its thread table) and cleanup should be
	// retried later rather than treated as done.
	teardown func() bool
}

// Priority is carried per Task for a future priority-aware scheduler; the
// single ready-queue FIFO in Scheduler does not consult it yet.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityRealtime
)

// newTask constructs a Task bound to fn but does not start its goroutine
// or make it schedulable; callers use Spawn.
func newTask(fn func(*Task), prio Priority) *Task {
	return &Task{
		id:       allocTaskID(),
		fn:       fn,
		state:    Ready,
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan struct{}),
		priority: prio,
	}
}

// ID returns the Task's stable identity.
func (t *Task) ID() TaskID { return t.id }

// State returns the Task's current scheduler state.
func (t *Task) State() State { return State(atomic.LoadUint32((*uint32)(&t.state))) }

func (t *Task) setState(s State) { atomic.StoreUint32((*uint32)(&t.state), uint32(s)) }

func (t *Task) casState(from, to State) bool {
	return atomic.CompareAndSwapUint32((*uint32)(&t.state), uint32(from), uint32(to))
}

// Priority returns the Task's scheduling priority (advisory only; see
// Priority's doc comment).
func (t *Task) Priority() Priority { return t.priority }

// Cancelled reports whether Cancel has been called on this Task. Task
// bodies are expected to check this at their own safepoints (loop
// back-edges, blocking-call boundaries) and unwind, mirroring the
// cooperative-only preemption model: a goroutine actually running cannot
// be stopped out from under itself without real interrupts.
func (t *Task) Cancelled() bool { return atomic.LoadUint32(&t.canceled) != 0 }

// run is the body of the Task's dedicated goroutine. It waits for the
// first baton handoff, runs fn once (unless already cancelled before ever
// running), then marks itself Dropped and hands the baton back one last
// time so its Executor can notice and clean up.
func (t *Task) run() {
	<-t.resumeCh
	if t.State() != Dropped {
		t.setState(Running)
		t.fn(t)
	}
	t.setState(Dropped)
	unbindCurrentTask()
	TaskCleanup.QueueForCleanup(t)
	t.yieldCh <- struct{}{}
}

// SetTeardown installs the hook TaskCleanup invokes once this Task is
// Dropped. Typically set by whatever owns the Task's thread-table entry
// (proc.Process) so the entry is removed exactly once, off the critical
// path of the Task's own final Yield back to its Executor.
func (t *Task) SetTeardown(fn func() bool) { t.teardown = fn }

// Cleanup implements CleanupItem.
func (t *Task) Cleanup() bool {
	if t.teardown == nil {
		return false
	}
	return t.teardown()
}

// --- ksync.Holder ---

// holderID is the uint64 view of TaskID that taskHolder.ID hands to
// ksync.Holder.
func (t *Task) holderID() uint64 { return uint64(t.id) }

func (t *Task) DisableInterrupts() bool {
	// host-sim has no real interrupt flag to read; interrupt_disable_count
	// alone is the observable state here, so "was enabled" is just "count
	// was zero".
	wasEnabled := atomic.AddInt32(&t.interruptDisableCount, 1) == 1
	return wasEnabled
}

func (t *Task) RestoreInterrupts(wasEnabled bool) {
	atomic.AddInt32(&t.interruptDisableCount, -1)
	_ = wasEnabled // host-sim never actually gates anything on this; kept for interface parity with a real arch adapter
}

func (t *Task) IncSpinlocksHeld() { atomic.AddInt32(&t.spinlocksHeld, 1) }
func (t *Task) DecSpinlocksHeld() { atomic.AddInt32(&t.spinlocksHeld, -1) }

func (t *Task) DisablePreemption() { atomic.AddInt32(&t.preemptionDisableCount, 1) }

func (t *Task) EnablePreemption() {
	if atomic.AddInt32(&t.preemptionDisableCount, -1) != 0 {
		return
	}
	t.honorPendingPreempt()
}

// honorPendingPreempt yields if a preemption was requested, or one was
// skipped (preemptionSkipped) while preemption was disabled, clearing both
// flags. While preemption is still disabled it returns without touching
// either flag, so the request stays pending and the next
// EnablePreemption/CheckPreempt call retries.
func (t *Task) honorPendingPreempt() {
	if atomic.LoadInt32(&t.preemptionDisableCount) > 0 {
		return
	}
	requested := atomic.CompareAndSwapUint32(&t.preemptRequested, 1, 0)
	skipped := atomic.CompareAndSwapUint32(&t.preemptionSkipped, 1, 0)
	if requested || skipped {
		t.Yield()
	}
}

// CheckPreempt is a voluntary safepoint a Task body can call at a loop
// back-edge to honor a pending preemption request even when it never
// touches a Mutex/RWMutex. Genuine asynchronous preemption of a running
// goroutine is impossible without real interrupts, so a tight loop that
// never calls CheckPreempt, Yield, or releases a Mutex simply cannot be
// preempted — the same limitation a real kernel has at any code region
// between trap-safe points, just drawn in a different place.
func (t *Task) CheckPreempt() { t.honorPendingPreempt() }

// Park implements ksync.Holder: it transitions the Task to Blocked and
// hands the baton back to its Executor. The Task's goroutine does not
// resume until some later Wake call re-enqueues it and an Executor picks
// it back up — there is no separate "parked" channel distinct from the
// ordinary scheduling path, so a blocked Task is woken exactly the way a
// preempted one is resumed.
func (t *Task) Park(reason string) {
	t.setState(Blocked)
	t.yieldCh <- struct{}{}
	<-t.resumeCh
	t.setState(Running)
}

// Wake implements ksync.Holder: it moves a Blocked Task back onto the
// ready queue. A Wake that races a Park which hasn't reached Blocked yet,
// or that targets a Task that is not Blocked, is a safe no-op — the CAS
// only succeeds from exactly the state Park leaves the Task in.
func (t *Task) Wake() {
	if t.casState(Blocked, Ready) {
		globalScheduler.enqueue(t)
	}
}

// Yield voluntarily gives up the remaining scheduling quantum. Called
// directly by cooperating Task bodies, and internally by EnablePreemption
// when a deferred preemption request is finally honored.
func (t *Task) Yield() {
	t.setState(Ready)
	globalScheduler.enqueue(t)
	t.yieldCh <- struct{}{}
	<-t.resumeCh
	t.setState(Running)
}

// Cancel requests that the Task stop running. A Task that is Ready or
// Blocked is force-transitioned to Dropped and, if Blocked, force-resumed
// so its goroutine can exit; a Task that is already Running notices only
// at its own next Cancelled() check (cooperative cancellation, the same
// limitation as cooperative preemption). Cancel on an already Dropped Task
// is a no-op.
func (t *Task) Cancel() {
	atomic.StoreUint32(&t.canceled, 1)
	for {
		switch t.State() {
		case Ready:
			if t.casState(Ready, Dropped) {
				return
			}
		case Blocked:
			if t.casState(Blocked, Dropped) {
				globalScheduler.enqueue(t)
				return
			}
		case Running, Dropped:
			return
		}
	}
}

var _ ksync.Holder = (*taskHolder)(nil)

// taskHolder adapts Task's holderID (uint64) to ksync.Holder's ID method
// without colliding with the public TaskID-returning ID() above; sched's
// current-task accessor hands ksync a *taskHolder, not a *Task, so ksync
// code never needs to know about TaskID at all.
type taskHolder struct{ *Task }

func (h *taskHolder) ID() uint64 { return h.Task.holderID() }
