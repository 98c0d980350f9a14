package ksync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTicketMutualExclusion(t *testing.T) {
	var lk Ticket
	var counter int
	var wg sync.WaitGroup
	const goroutines = 8
	const iters = 1000
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				lk.Lock()
				counter++
				lk.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, goroutines*iters, counter)
}

func TestTicketRecursionPanics(t *testing.T) {
	var lk Ticket
	lk.Lock()
	defer lk.Unlock()
	require.Panics(t, func() { lk.Lock() })
}

func TestTicketWrongHolderUnlockPanics(t *testing.T) {
	var lk Ticket
	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		lk.Lock()
		close(locked)
		<-release
		lk.Unlock()
	}()
	<-locked
	require.Panics(t, func() { lk.Unlock() })
	close(release)
}

func TestTicketPoisonBlocksFutureAcquire(t *testing.T) {
	var lk Ticket
	lk.Poison()
	require.Panics(t, func() { lk.Lock() })
}

func TestTicketAssertHeld(t *testing.T) {
	var lk Ticket
	require.Panics(t, func() { lk.AssertHeld() })
	lk.Lock()
	require.NotPanics(t, func() { lk.AssertHeld() })
	lk.Unlock()
}
