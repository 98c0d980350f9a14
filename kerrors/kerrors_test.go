package kerrors_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"cascadeos/kerrors"
)

func TestIsUnwraps(t *testing.T) {
	base := kerrors.New("pfa.Allocate", kerrors.OutOfMemory)
	wrapped := fmt.Errorf("stage1: %w", base)
	require.True(t, kerrors.Is(wrapped, kerrors.OutOfMemory))
	require.False(t, kerrors.Is(wrapped, kerrors.BadArgument))
}

func TestWrapCarriesCause(t *testing.T) {
	cause := fmt.Errorf("short read")
	err := kerrors.Wrap("vm.Map", kerrors.BadArgument, cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "bad argument")
}

func TestRaisePanicsWithFault(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		f, ok := r.(*kerrors.Fault)
		require.True(t, ok)
		require.Equal(t, "double free", f.Reason)
	}()
	kerrors.Raise("double free")
}
