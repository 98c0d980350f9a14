package proc

import (
	"sync/atomic"

	"cascadeos/arch"
	"cascadeos/kerrors"
	"cascadeos/paging"
	"cascadeos/pfa"
	"cascadeos/sched"
	"cascadeos/vm"
)

// ProcessID uniquely identifies a Process for the lifetime of the kernel.
type ProcessID uint64

var nextProcessID uint64

func allocProcessID() ProcessID {
	return ProcessID(atomic.AddUint64(&nextProcessID, 1))
}

// Process is a reference-counted container of user Tasks sharing one
// Address Space. Refcounting and the Ref/Unref/Cleanup shape mirror
// vm.AnonMap/AnonPage's own atomic.Int32 pattern; the cleanup wiring
// mirrors sched.Task's CleanupFlag/teardown pair.
type Process struct {
	sched.CleanupFlag // queued_for_cleanup bit, consumed by ProcessCleanup

	id   ProcessID
	name string

	refcount atomic.Int32

	// AS is this Process's Address Space. Nil only for a Process built by
	// NewEmpty for tests that never touch memory.
	AS *vm.AddressSpace

	threads *threadTable
}

// New creates a Process with a fresh Address Space, copying the kernel's
// top-level mapping from kernelTable; the kernel Address Space is
// process-wide and immutable in its top-level layout. The returned
// Process carries one reference, owned by the caller.
func New(name string, a arch.Arch, alloc *pfa.Allocator, kernelTable *paging.Table) (*Process, error) {
	as, err := vm.NewAddressSpace(name, a, alloc, kernelTable)
	if err != nil {
		return nil, kerrors.Wrap("proc.New", kerrors.Unexpected, err)
	}
	p := newProcess(name)
	p.AS = as
	return p, nil
}

func newProcess(name string) *Process {
	p := &Process{
		id:      allocProcessID(),
		name:    name,
		threads: newThreadTable(),
	}
	p.refcount.Store(1)
	return p
}

// ID returns the Process's stable identity.
func (p *Process) ID() ProcessID { return p.id }

// Name returns the Process's debug name.
func (p *Process) Name() string { return p.name }

// Refcount reports the Process's current reference count, for tests and
// metrics.
func (p *Process) Refcount() int32 { return p.refcount.Load() }

// ThreadCount reports how many Tasks this Process currently owns.
func (p *Process) ThreadCount() int { return p.threads.Len() }

// Thread looks up one of this Process's Tasks by id.
func (p *Process) Thread(id sched.TaskID) (*sched.Task, bool) { return p.threads.Get(id) }

// Ref adds a reference to p. Pairs with Unref.
func (p *Process) Ref() { p.refcount.Add(1) }

// Unref drops a reference. Once the count reaches zero, p is queued with
// ProcessCleanup for asynchronous teardown rather than destroyed inline —
// the same deferred-destructor shape as a dropped Task and sched.TaskCleanup.
func (p *Process) Unref() {
	if p.refcount.Add(-1) == 0 {
		ProcessCleanup.QueueForCleanup(p)
	}
}

// CreateThread spawns a new Task running fn, owned by p, and records it in
// p's thread table. It holds a reference on p for the Task's lifetime;
// once the Task reaches Dropped, sched.TaskCleanup runs its teardown, which
// removes it from the table and releases that reference.
func (p *Process) CreateThread(fn func(*sched.Task), prio sched.Priority) *sched.Task {
	p.Ref()
	t := sched.Spawn(fn, prio)
	p.threads.Insert(t.ID(), t)
	t.SetTeardown(func() bool {
		p.threads.Delete(t.ID())
		p.Unref()
		return false
	})
	return t
}

// Cleanup implements sched.CleanupItem. It tears down p's Address Space
// once the refcount has genuinely reached zero; if something re-acquired a
// reference between QueueForCleanup and this call running (a resurrection
// race), Cleanup reports p still live so ProcessCleanup retries later
// instead of destroying a live Process.
func (p *Process) Cleanup() bool {
	if p.refcount.Load() > 0 {
		return true
	}
	if p.AS != nil {
		p.AS.ReinitializeAndUnmapAll()
	}
	return false
}

// ProcessCleanup is the process-wide singleton cleanup service, the
// Process analogue of sched.TaskCleanup.
var ProcessCleanup = sched.NewCleanupService("process-cleanup")
