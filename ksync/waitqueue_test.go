package ksync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitQueueFIFOWake(t *testing.T) {
	var lk Ticket
	var wq WaitQueue
	order := make(chan int, 3)

	// Launch waiters one at a time, advancing only once the previous one
	// has actually registered on wq, so registration order is
	// deterministically 0, 1, 2 rather than left to goroutine scheduling.
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			lk.Lock()
			wq.Wait(&lk)
			order <- i
		}()
		require.Eventually(t, func() bool {
			return wq.Len() == i+1
		}, time.Second, time.Millisecond)
	}

	for want := 0; want < 3; want++ {
		require.True(t, wq.WakeOne())
		require.Equal(t, want, <-order)
	}
}

func TestWaitQueueRemoveCancelsWithoutWaking(t *testing.T) {
	var lk Ticket
	var wq WaitQueue

	registered := make(chan uint64, 1)
	woken := make(chan struct{})
	go func() {
		h := Current()
		registered <- h.ID()
		lk.Lock()
		wq.Wait(&lk)
		close(woken)
	}()

	// Wait for the goroutine above to report its id and settle onto the
	// queue; Wait releases lk once it has registered.
	id := <-registered
	time.Sleep(20 * time.Millisecond)

	require.True(t, wq.Remove(id))
	require.Equal(t, 0, wq.Len())

	select {
	case <-woken:
		t.Fatal("removed waiter should not have woken")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitQueueWakeAll(t *testing.T) {
	var lk Ticket
	var wq WaitQueue

	const n = 4
	woke := make(chan struct{}, n)
	ready := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			lk.Lock()
			ready <- struct{}{}
			wq.Wait(&lk)
			woke <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-ready
	}
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, n, wq.WakeAll())
	for i := 0; i < n; i++ {
		select {
		case <-woke:
		case <-time.After(time.Second):
			t.Fatal("not all waiters woke")
		}
	}
}
