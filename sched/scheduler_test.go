package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cascadeos/ksync"
)

func runExecutorForTest(t *testing.T) *Executor {
	t.Helper()
	e := NewExecutor(1, 50*time.Millisecond)
	go e.Run()
	t.Cleanup(func() {
		e.Stop()
		select {
		case <-e.stoppedCh:
		case <-time.After(time.Second):
			t.Fatal("executor never stopped")
		}
	})
	return e
}

func TestSpawnRunsTaskBody(t *testing.T) {
	runExecutorForTest(t)
	done := make(chan struct{})
	Spawn(func(tk *Task) {
		close(done)
	}, PriorityNormal)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawned task never ran")
	}
}

func TestRoundRobinOrdering(t *testing.T) {
	runExecutorForTest(t)

	const rounds = 3
	const n = 3
	var mu sync.Mutex
	var order []int

	started := make(chan struct{}, n)
	proceed := make(chan struct{})

	for i := 0; i < n; i++ {
		i := i
		Spawn(func(tk *Task) {
			started <- struct{}{}
			// Yield instead of blocking on proceed: a Task blocked on a Go
			// channel keeps its Executor's baton, and this test runs a
			// single Executor, so the other Tasks could never start.
			for waiting := true; waiting; {
				select {
				case <-proceed:
					waiting = false
				default:
					tk.Yield()
				}
			}
			for r := 0; r < rounds; r++ {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				tk.Yield()
			}
		}, PriorityNormal)
	}

	for i := 0; i < n; i++ {
		<-started
	}
	close(proceed)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == rounds*n
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Every task must have appended exactly `rounds` times.
	counts := map[int]int{}
	for _, v := range order {
		counts[v]++
	}
	for i := 0; i < n; i++ {
		require.Equal(t, rounds, counts[i])
	}
	// Round robin: each Task appends once per turn, so the sequence
	// repeats with period n.
	for k := n; k < len(order); k++ {
		require.Equal(t, order[k-n], order[k])
	}
}

func TestContendedMutexEveryWaiterAcquires(t *testing.T) {
	runExecutorForTest(t)
	runExecutorForTest(t) // a second executor so contention is real, not serialized by a single CPU

	var m ksync.Mutex
	var order []int
	var orderMu sync.Mutex

	const n = 4
	registered := make(chan struct{}, n)
	release := make(chan struct{})

	m.Lock()
	for i := 0; i < n; i++ {
		i := i
		Spawn(func(tk *Task) {
			registered <- struct{}{}
			// Yield instead of blocking on release: a Task blocked on a Go
			// channel keeps its Executor's baton, and with n Tasks on two
			// Executors the rest could never report in.
			for waiting := true; waiting; {
				select {
				case <-release:
					waiting = false
				default:
					tk.Yield()
				}
			}
			m.Lock()
			orderMu.Lock()
			order = append(order, i)
			orderMu.Unlock()
			m.Unlock()
		}, PriorityNormal)
	}
	for i := 0; i < n; i++ {
		<-registered
	}
	close(release)
	time.Sleep(50 * time.Millisecond) // let every task queue up on m's wait queue
	m.Unlock()

	require.Eventually(t, func() bool {
		orderMu.Lock()
		defer orderMu.Unlock()
		return len(order) == n
	}, 2*time.Second, time.Millisecond)
}

func TestWaitQueueFairnessAcrossTasks(t *testing.T) {
	runExecutorForTest(t)

	var lk ksync.Ticket
	var wq ksync.WaitQueue
	woke := make(chan int, 3)

	for i := 0; i < 3; i++ {
		i := i
		Spawn(func(tk *Task) {
			lk.Lock()
			wq.Wait(&lk)
			woke <- i
		}, PriorityNormal)
		require.Eventually(t, func() bool { return wq.Len() == i+1 }, time.Second, time.Millisecond)
	}

	for want := 0; want < 3; want++ {
		require.True(t, wq.WakeOne())
		require.Equal(t, want, <-woke)
	}
}

func TestCancelBlockedTask(t *testing.T) {
	runExecutorForTest(t)

	var lk ksync.Ticket
	var wq ksync.WaitQueue
	returned := make(chan struct{})

	tk := Spawn(func(tk *Task) {
		lk.Lock()
		wq.Wait(&lk)
		close(returned)
	}, PriorityNormal)

	require.Eventually(t, func() bool { return wq.Len() == 1 }, time.Second, time.Millisecond)

	tk.Cancel()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("cancelled task never resumed")
	}
	require.True(t, tk.Cancelled())
}

func TestCancelReadyTask(t *testing.T) {
	// No executor running: task stays in the ready queue until cancelled.
	started := make(chan struct{})
	tk := Spawn(func(tk *Task) {
		close(started)
	}, PriorityNormal)

	tk.Cancel()
	require.Equal(t, Dropped, tk.State())

	select {
	case <-started:
		t.Fatal("cancelled-while-ready task body ran")
	case <-time.After(50 * time.Millisecond):
	}
}
