package sched

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTimeSlice is the periodic preemption tick interval used when
// bootcfg does not override it.
const DefaultTimeSlice = 5 * time.Millisecond

const idlePollInterval = 500 * time.Microsecond

// ExecutorID identifies one Executor (one simulated CPU).
type ExecutorID uint32

// Executor is the per-CPU record: at most one Task runs on it at a time,
// handed the baton directly over the Task's own resumeCh/yieldCh pair.
// One control loop per CPU, each picking up runnable work off the global
// ready queue and idling otherwise; golang.org/x/sys/unix.Nanosleep backs
// the idle wait instead of a busy time.Sleep poll, the closer analogue of
// "halt until the next timer tick" a real Executor's arch adapter would
// use.
type Executor struct {
	id          ExecutorID
	timeSlice   time.Duration
	current     atomic.Pointer[Task]
	stopped     atomic.Bool
	stoppedCh   chan struct{}
	idleTicks   atomic.Uint64
	preemptions atomic.Uint64
}

// NewExecutor constructs an Executor with the given id and preemption
// timer interval. It does not start running until Run is called.
func NewExecutor(id ExecutorID, timeSlice time.Duration) *Executor {
	if timeSlice <= 0 {
		timeSlice = DefaultTimeSlice
	}
	return &Executor{
		id:        id,
		timeSlice: timeSlice,
		stoppedCh: make(chan struct{}),
	}
}

// ID returns the Executor's identity.
func (e *Executor) ID() ExecutorID { return e.id }

// CurrentTask returns the Task currently bound to this Executor, or nil
// if it is idle.
func (e *Executor) CurrentTask() *Task { return e.current.Load() }

// Run drives the Executor's scheduling loop until Stop is called. It is
// meant to be called from the goroutine that represents "this CPU" — in
// host-sim that is simply the caller's own goroutine, which never itself
// becomes a Task.
func (e *Executor) Run() {
	stopTicker := make(chan struct{})
	go e.preemptionTimer(stopTicker)
	defer close(stopTicker)

	for !e.stopped.Load() {
		t := globalScheduler.pickNext()
		if t == nil {
			e.idleTicks.Add(1)
			var ts unix.Timespec
			ts.Sec = 0
			ts.Nsec = idlePollInterval.Nanoseconds()
			_ = unix.Nanosleep(&ts, nil)
			continue
		}
		e.runOne(t)
	}
	close(e.stoppedCh)
}

// runOne hands the baton to t and blocks until t yields it back, then
// dispositions t according to the state it left itself in.
func (e *Executor) runOne(t *Task) {
	e.current.Store(t)
	t.resumeCh <- struct{}{}
	<-t.yieldCh
	e.current.Store(nil)

	switch t.State() {
	case Ready:
		globalScheduler.enqueue(t)
	case Blocked:
		// Some future Wake (or a Cancel racing it) re-enqueues t; nothing
		// to do here.
	case Dropped:
		// Task body returned or was cancelled before ever running; its
		// goroutine has already exited after sending on yieldCh.
	case Running:
		// Unreachable: a Task only sends on yieldCh after setting itself
		// to Ready, Blocked, or Dropped.
		panic("sched: task yielded while still marked running")
	}
}

// Stop requests the Executor's loop to exit after its current Task (if
// any) yields. It does not block.
func (e *Executor) Stop() { e.stopped.Store(true) }

// Wait blocks until Run has returned after a Stop.
func (e *Executor) Wait() { <-e.stoppedCh }

// preemptionTimer ticks every e.timeSlice and requests preemption of
// whatever Task is currently bound.
func (e *Executor) preemptionTimer(stop <-chan struct{}) {
	ticker := time.NewTicker(e.timeSlice)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.maybePreempt()
		}
	}
}

// maybePreempt requests that the currently-running Task yield at its next
// safepoint. If preemption is currently disabled (or interrupts are
// disabled, which implies preemption must wait too) the request is
// recorded as skipped and honored later by EnablePreemption.
func (e *Executor) maybePreempt() {
	t := e.current.Load()
	if t == nil {
		return
	}
	if atomic.LoadInt32(&t.preemptionDisableCount) > 0 || atomic.LoadInt32(&t.interruptDisableCount) > 0 {
		atomic.StoreUint32(&t.preemptionSkipped, 1)
		return
	}
	if atomic.CompareAndSwapUint32(&t.preemptRequested, 0, 1) {
		e.preemptions.Add(1)
	}
}
