package paging

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cascadeos/arch"
	"cascadeos/arch/hostsim"
	"cascadeos/kerrors"
	"cascadeos/pfa"
)

func newAllocator(t *testing.T, frames uint64) *pfa.Allocator {
	t.Helper()
	a := pfa.New()
	a.Init(pfa.MemoryMap{Regions: []pfa.Region{{Kind: pfa.RegionFree, Base: 0, Count: frames}}})
	return a
}

func TestNewTableConsumesFrame(t *testing.T) {
	alloc := newAllocator(t, 2)
	hs := hostsim.New()

	tbl, err := NewTable(hs, alloc)
	require.NoError(t, err)
	require.EqualValues(t, 1, alloc.Stats().Free)

	tbl.Destroy()
	require.EqualValues(t, 2, alloc.Stats().Free)
}

func TestNewTableOutOfMemory(t *testing.T) {
	alloc := newAllocator(t, 0)
	hs := hostsim.New()

	_, err := NewTable(hs, alloc)
	require.True(t, kerrors.Is(err, kerrors.OutOfMemory))
}

func TestMapUnmapRoundTrip(t *testing.T) {
	alloc := newAllocator(t, 4)
	hs := hostsim.New()
	tbl, err := NewTable(hs, alloc)
	require.NoError(t, err)

	require.NoError(t, tbl.Map(0x4000, 1, arch.ProtRead|arch.ProtWrite))
	frame, prot, ok := hs.Lookup(tbl.Handle(), 0x4000)
	require.True(t, ok)
	require.EqualValues(t, 1, frame)
	require.Equal(t, arch.ProtRead|arch.ProtWrite, prot)

	require.NoError(t, tbl.Unmap(0x4000))
	_, _, ok = hs.Lookup(tbl.Handle(), 0x4000)
	require.False(t, ok)
}

func TestMapRejectsUnalignedAddress(t *testing.T) {
	alloc := newAllocator(t, 2)
	hs := hostsim.New()
	tbl, err := NewTable(hs, alloc)
	require.NoError(t, err)

	err = tbl.Map(0x1001, 1, arch.ProtRead)
	require.True(t, kerrors.Is(err, kerrors.BadArgument))
}

func TestCopyKernelTopCarriesEntriesForward(t *testing.T) {
	alloc := newAllocator(t, 4)
	hs := hostsim.New()

	kernel, err := NewTable(hs, alloc)
	require.NoError(t, err)
	require.NoError(t, kernel.Map(0xffff800000000000, 2, arch.ProtRead))

	user, err := NewTable(hs, alloc)
	require.NoError(t, err)
	user.CopyKernelTop(kernel)

	frame, _, ok := hs.Lookup(user.Handle(), 0xffff800000000000)
	require.True(t, ok)
	require.EqualValues(t, 2, frame)
}

func TestLoadDoesNotPanic(t *testing.T) {
	alloc := newAllocator(t, 1)
	hs := hostsim.New()
	tbl, err := NewTable(hs, alloc)
	require.NoError(t, err)
	tbl.Load()
}
