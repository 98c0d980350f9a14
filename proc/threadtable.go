package proc

import (
	"sync/atomic"

	"cascadeos/ksync"
	"cascadeos/sched"
)

const threadTableShards = 16

type threadElem struct {
	id   sched.TaskID
	task *sched.Task
	next atomic.Pointer[threadElem]
}

type threadBucket struct {
	mu    ksync.RWMutex
	first atomic.Pointer[threadElem]
}

// threadTable is a Process's set of live Tasks, keyed by TaskID.
type threadTable struct {
	buckets [threadTableShards]threadBucket
	count   atomic.Int32
}

func newThreadTable() *threadTable {
	return &threadTable{}
}

func (tt *threadTable) shard(id sched.TaskID) *threadBucket {
	return &tt.buckets[uint64(id)%uint64(threadTableShards)]
}

// Get looks up id without taking the bucket lock.
func (tt *threadTable) Get(id sched.TaskID) (*sched.Task, bool) {
	b := tt.shard(id)
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.id == id {
			return e.task, true
		}
	}
	return nil, false
}

// Insert adds id -> task, assuming id is not already present.
func (tt *threadTable) Insert(id sched.TaskID, task *sched.Task) {
	b := tt.shard(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	e := &threadElem{id: id, task: task}
	e.next.Store(b.first.Load())
	b.first.Store(e)
	tt.count.Add(1)
}

// Delete removes id, reporting whether it was present.
func (tt *threadTable) Delete(id sched.TaskID) bool {
	b := tt.shard(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	var prev *threadElem
	for e := b.first.Load(); e != nil; e = e.next.Load() {
		if e.id == id {
			next := e.next.Load()
			if prev == nil {
				b.first.Store(next)
			} else {
				prev.next.Store(next)
			}
			tt.count.Add(-1)
			return true
		}
		prev = e
	}
	return false
}

// Len reports the number of threads currently in the table.
func (tt *threadTable) Len() int { return int(tt.count.Load()) }

// Each invokes f for every Task currently in the table. f must not call
// back into Insert/Delete on this table.
func (tt *threadTable) Each(f func(*sched.Task)) {
	for i := range tt.buckets {
		b := &tt.buckets[i]
		b.mu.RLock()
		for e := b.first.Load(); e != nil; e = e.next.Load() {
			f(e.task)
		}
		b.mu.RUnlock()
	}
}
