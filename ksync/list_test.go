package ksync

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

type listItem struct {
	ListNode
	val int
}

// itemOf recovers the embedding *listItem from a *ListNode returned by
// Pop. Valid because ListNode is listItem's first field, so their
// addresses coincide.
func itemOf(n *ListNode) *listItem {
	if n == nil {
		return nil
	}
	return (*listItem)(unsafe.Pointer(n))
}

func TestListLIFOOrder(t *testing.T) {
	var l AtomicLIFO
	a := &listItem{val: 1}
	b := &listItem{val: 2}
	c := &listItem{val: 3}
	l.Push(&a.ListNode)
	l.Push(&b.ListNode)
	l.Push(&c.ListNode)

	require.Equal(t, 3, itemOf(l.Pop()).val)
	require.Equal(t, 2, itemOf(l.Pop()).val)
	require.Equal(t, 1, itemOf(l.Pop()).val)
	require.Nil(t, l.Pop())
	require.True(t, l.Empty())
}

func TestListConcurrentPushPop(t *testing.T) {
	var l AtomicLIFO
	const n = 1000
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Push(&(&listItem{val: i}).ListNode)
		}()
	}
	wg.Wait()

	seen := make(map[int]bool)
	count := 0
	for {
		node := l.Pop()
		if node == nil {
			break
		}
		it := itemOf(node)
		require.False(t, seen[it.val], "duplicate pop")
		seen[it.val] = true
		count++
	}
	require.Equal(t, n, count)
}

func TestFifoOrder(t *testing.T) {
	var f AtomicFIFO
	a := &listItem{val: 1}
	b := &listItem{val: 2}
	c := &listItem{val: 3}
	f.Push(&a.ListNode)
	f.Push(&b.ListNode)
	f.Push(&c.ListNode)

	require.Equal(t, 1, itemOf(f.Pop()).val)
	require.Equal(t, 2, itemOf(f.Pop()).val)
	require.Equal(t, 3, itemOf(f.Pop()).val)
	require.Nil(t, f.Pop())
}

func TestFifoInterleavedPushPop(t *testing.T) {
	var f AtomicFIFO
	a := &listItem{val: 1}
	f.Push(&a.ListNode)
	require.Equal(t, 1, itemOf(f.Pop()).val)

	b := &listItem{val: 2}
	c := &listItem{val: 3}
	f.Push(&b.ListNode)
	f.Push(&c.ListNode)
	require.Equal(t, 2, itemOf(f.Pop()).val)
	require.Equal(t, 3, itemOf(f.Pop()).val)
}
