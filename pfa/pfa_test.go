package pfa

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cascadeos/kerrors"
)

func threeFrameMap() MemoryMap {
	return MemoryMap{Regions: []Region{
		{Kind: RegionFree, Base: 0, Count: 3},
	}}
}

// TestPhysicalExhaustion checks that an allocator initialized with exactly
// 3 frames serves three allocations, fails the fourth, and recovers after a
// deallocate.
func TestPhysicalExhaustion(t *testing.T) {
	a := New()
	a.Init(threeFrameMap())

	var got []*Frame
	for i := 0; i < 3; i++ {
		f, err := a.Allocate()
		require.NoError(t, err)
		got = append(got, f)
	}

	_, err := a.Allocate()
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.OutOfMemory))

	a.Deallocate(got[0])
	f, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, got[0].Number, f.Number)
}

func TestInitClassifiesRegionsAndStats(t *testing.T) {
	a := New()
	a.Init(MemoryMap{Regions: []Region{
		{Kind: RegionFree, Base: 0, Count: 4},
		{Kind: RegionInUse, Base: 4, Count: 1},
		{Kind: RegionReserved, Base: 5, Count: 2},
		{Kind: RegionReclaimable, Base: 7, Count: 3},
		{Kind: RegionUnusable, Base: 10, Count: 1},
	}})

	stats := a.Stats()
	require.EqualValues(t, 11, stats.Total)
	require.EqualValues(t, 4, stats.Free)
	require.EqualValues(t, 2, stats.Reserved)
	require.EqualValues(t, 3, stats.Reclaimable)
	require.EqualValues(t, 1, stats.Unavailable)
}

func TestAllocateDecrementsFreeAndDeallocateRestores(t *testing.T) {
	a := New()
	a.Init(threeFrameMap())
	require.EqualValues(t, 3, a.Stats().Free)

	f, err := a.Allocate()
	require.NoError(t, err)
	require.EqualValues(t, 2, a.Stats().Free)

	a.Deallocate(f)
	require.EqualValues(t, 3, a.Stats().Free)
}

func TestAllocatePoisonsFrameByDefault(t *testing.T) {
	a := New()
	a.Init(threeFrameMap())

	f, err := a.Allocate()
	require.NoError(t, err)
	b := a.FrameBytes(f.Number)
	require.Len(t, b, PageSize)
	for _, by := range b {
		require.Equal(t, byte(poisonByte), by)
	}
}

func TestAllocateSkipsPoisoningWhenDisabled(t *testing.T) {
	a := New()
	a.Poison = false
	a.Init(threeFrameMap())

	f, err := a.Allocate()
	require.NoError(t, err)
	b := a.FrameBytes(f.Number)
	for _, by := range b {
		require.Zero(t, by)
	}
}

func TestDoubleFreeRaisesFault(t *testing.T) {
	a := New()
	a.Init(threeFrameMap())
	f, err := a.Allocate()
	require.NoError(t, err)

	a.Deallocate(f)
	require.Panics(t, func() { a.Deallocate(f) })
}

func TestDeallocateNeverAllocatedRaisesFault(t *testing.T) {
	a := New()
	a.Init(MemoryMap{Regions: []Region{
		{Kind: RegionReserved, Base: 0, Count: 1},
	}})
	require.Panics(t, func() { a.Deallocate(&a.frames[0]) })
}

func TestReclaimMovesFramesOntoFreeList(t *testing.T) {
	a := New()
	a.Init(MemoryMap{Regions: []Region{
		{Kind: RegionFree, Base: 0, Count: 1},
		{Kind: RegionReclaimable, Base: 1, Count: 2},
	}})
	require.EqualValues(t, 1, a.Stats().Free)
	require.EqualValues(t, 2, a.Stats().Reclaimable)

	n := a.Reclaim(RegionReclaimable)
	require.Equal(t, 2, n)
	require.EqualValues(t, 3, a.Stats().Free)
	require.EqualValues(t, 0, a.Stats().Reclaimable)

	// Idempotent: a second Reclaim of the same kind finds nothing left.
	require.Equal(t, 0, a.Reclaim(RegionReclaimable))

	for i := 0; i < 3; i++ {
		_, err := a.Allocate()
		require.NoError(t, err)
	}
	_, err := a.Allocate()
	require.Error(t, err)
}

func TestReclaimIgnoresNonReclaimableKinds(t *testing.T) {
	a := New()
	a.Init(MemoryMap{Regions: []Region{
		{Kind: RegionInUse, Base: 0, Count: 1},
	}})
	require.Equal(t, 0, a.Reclaim(RegionInUse))
}
