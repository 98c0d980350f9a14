// taskRegistry is a goroutine-affine registry keyed by ksync.GoroutineID
// rather than a register read, since a Task's dedicated goroutine is not
// pinned to any particular OS thread. This is the concrete wiring
// referenced by ksync/context.go's package comment: sched registers itself
// against ksync.Holder at init time so ksync never imports sched.

package sched

import (
	"sync"

	"cascadeos/ksync"
)

var taskRegistry sync.Map // ksync.GoroutineID() (uint64) -> *Task

// bindCurrentTask records that the calling goroutine is t's dedicated
// goroutine. Called once, when t's goroutine starts.
func bindCurrentTask(t *Task) {
	taskRegistry.Store(ksync.GoroutineID(), t)
}

// unbindCurrentTask forgets the calling goroutine's Task association.
// Called once, when a Task's run loop returns.
func unbindCurrentTask() {
	taskRegistry.Delete(ksync.GoroutineID())
}

// bootTask stands in for "whatever is running" on a goroutine with no
// bound Task: an Executor's own control loop, or a test exercising sched
// or ksync directly. It is a real, inert Task so every ksync.Holder
// method has somewhere harmless to go, rather than a special-cased nil
// check scattered through callers.
var bootTask = &Task{
	id:       0,
	state:    Running,
	resumeCh: make(chan struct{}, 1),
	yieldCh:  make(chan struct{}, 1),
}

// CurrentTask returns the Task bound to the calling goroutine, or
// bootTask if none is bound.
func CurrentTask() *Task {
	v, ok := taskRegistry.Load(ksync.GoroutineID())
	if !ok {
		return bootTask
	}
	return v.(*Task)
}

func currentHolder() ksync.Holder {
	return &taskHolder{CurrentTask()}
}

func init() {
	ksync.SetCurrentFunc(currentHolder)
}
