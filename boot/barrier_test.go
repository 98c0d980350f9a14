package boot

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBarrierFirstArrivalReportedExactlyOnce(t *testing.T) {
	b := newBarrier(3)

	var firstCount int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.arrive() {
				mu.Lock()
				firstCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), firstCount)
}

func TestBarrierWaitBlocksUntilAllArrive(t *testing.T) {
	b := newBarrier(2)

	waited := make(chan struct{})
	go func() {
		b.wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("wait returned before second arrival")
	case <-time.After(20 * time.Millisecond):
	}

	b.arrive()
	b.arrive()

	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("wait never unblocked after all arrivals")
	}
}

func TestBarrierSingleArrivalIsBothFirstAndLast(t *testing.T) {
	b := newBarrier(1)
	require.True(t, b.arrive())
	b.wait() // must not block
}
