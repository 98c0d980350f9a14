package ksync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRWMutexConcurrentReaders(t *testing.T) {
	var rw RWMutex
	rw.RLock()
	acquired := make(chan struct{})
	go func() {
		rw.RLock()
		close(acquired)
		rw.RUnlock()
	}()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second reader never acquired alongside first")
	}
	rw.RUnlock()
}

func TestRWMutexWriterExcludesReaders(t *testing.T) {
	var rw RWMutex
	rw.Lock()
	acquired := make(chan struct{})
	go func() {
		rw.RLock()
		close(acquired)
		rw.RUnlock()
	}()
	select {
	case <-acquired:
		t.Fatal("reader acquired while writer held the lock")
	case <-time.After(20 * time.Millisecond):
	}
	rw.Unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("reader never acquired after writer released")
	}
}

func TestRWMutexWriterPreferred(t *testing.T) {
	var rw RWMutex
	rw.RLock() // hold a reader so the writer below must queue

	writerDone := make(chan struct{})
	go func() {
		rw.Lock()
		close(writerDone)
		rw.Unlock()
	}()
	time.Sleep(20 * time.Millisecond) // let the writer enqueue

	readerAcquired := make(chan struct{})
	go func() {
		rw.RLock()
		close(readerAcquired)
		rw.RUnlock()
	}()

	select {
	case <-readerAcquired:
		t.Fatal("new reader overtook a waiting writer")
	case <-time.After(20 * time.Millisecond):
	}

	rw.RUnlock() // release the original reader; writer should go next

	select {
	case <-writerDone:
	case <-time.After(time.Second):
		t.Fatal("queued writer never acquired")
	}
	select {
	case <-readerAcquired:
	case <-time.After(time.Second):
		t.Fatal("reader never acquired after writer finished")
	}
}

func TestRWMutexWrongOwnerUnlockPanics(t *testing.T) {
	var rw RWMutex
	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		rw.Lock()
		close(locked)
		<-release
		rw.Unlock()
	}()
	<-locked
	require.Panics(t, func() { rw.Unlock() })
	close(release)
}

func TestRWMutexUnbalancedRUnlockPanics(t *testing.T) {
	var rw RWMutex
	require.Panics(t, func() { rw.RUnlock() })
}

func TestRWMutexStress(t *testing.T) {
	var rw RWMutex
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rw.RLock()
			_ = counter
			rw.RUnlock()
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rw.Lock()
			counter++
			rw.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 10, counter)
}
