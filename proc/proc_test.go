package proc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cascadeos/arch"
	"cascadeos/arch/hostsim"
	"cascadeos/pfa"
	"cascadeos/sched"
	"cascadeos/vm"
)

var startCleanupOnce sync.Once

// startCleanupServices starts sched.TaskCleanup (which runs a dropped
// thread's teardown) and ProcessCleanup, once for the whole test binary.
func startCleanupServices() {
	startCleanupOnce.Do(func() {
		sched.TaskCleanup.Start()
		ProcessCleanup.Start()
	})
}

func runExecutorForTest(t *testing.T) *sched.Executor {
	t.Helper()
	e := sched.NewExecutor(1, 20*time.Millisecond)
	go e.Run()
	t.Cleanup(func() {
		e.Stop()
		e.Wait()
	})
	return e
}

func newTestProcess(t *testing.T, frames uint64) (*Process, *pfa.Allocator) {
	t.Helper()
	alloc := pfa.New()
	alloc.Init(pfa.MemoryMap{Regions: []pfa.Region{{Kind: pfa.RegionFree, Base: 0, Count: frames}}})
	hs := hostsim.New()
	p, err := New("test-process", hs, alloc, nil)
	require.NoError(t, err)
	return p, alloc
}

func TestNewProcessStartsWithOneReference(t *testing.T) {
	p, _ := newTestProcess(t, 8)
	require.EqualValues(t, 1, p.Refcount())
	require.Equal(t, 0, p.ThreadCount())
	require.NotNil(t, p.AS)
}

func TestCreateThreadRegistersInThreadTableAndBumpsRefcount(t *testing.T) {
	runExecutorForTest(t)
	p, _ := newTestProcess(t, 8)

	proceed := make(chan struct{})
	started := make(chan struct{})
	tk := p.CreateThread(func(tk *sched.Task) {
		close(started)
		<-proceed
	}, sched.PriorityNormal)

	<-started
	require.EqualValues(t, 2, p.Refcount())
	require.Equal(t, 1, p.ThreadCount())

	got, ok := p.Thread(tk.ID())
	require.True(t, ok)
	require.Equal(t, tk, got)

	close(proceed)
}

func TestThreadExitRemovesFromTableAndDropsReference(t *testing.T) {
	runExecutorForTest(t)
	startCleanupServices()
	p, _ := newTestProcess(t, 8)

	done := make(chan struct{})
	p.CreateThread(func(tk *sched.Task) {
		close(done)
	}, sched.PriorityNormal)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("thread body never ran")
	}

	require.Eventually(t, func() bool {
		return p.ThreadCount() == 0 && p.Refcount() == 1
	}, time.Second, time.Millisecond)
}

func TestUnrefLastReferenceQueuesProcessForCleanup(t *testing.T) {
	runExecutorForTest(t)
	startCleanupServices()

	p, alloc := newTestProcess(t, 8)
	_, err := p.AS.Map(0x10000, 1, arch.ProtRead|arch.ProtWrite, false, vm.NewAnonMap(), 0, nil, 0)
	require.NoError(t, err)
	require.Equal(t, vm.FaultOK, p.AS.Fault(0x10000, vm.AccessWrite))

	full := alloc.Stats().Total
	require.Less(t, alloc.Stats().Free, full)

	p.Unref()

	require.Eventually(t, func() bool {
		return alloc.Stats().Free == full
	}, time.Second, time.Millisecond)
}
