package bloom

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddedKeyIsMaybeContained(t *testing.T) {
	f, err := New(1000, 0.01)
	require.NoError(t, err)

	f.Add([]byte("present"))
	require.True(t, f.MaybeContains([]byte("present")))
}

func TestSwapPromotesTempToLive(t *testing.T) {
	f, err := New(10, 0.01)
	require.NoError(t, err)

	f.AddToTemp([]byte("new-key"))
	require.False(t, f.MaybeContains([]byte("new-key")), "temp additions must not be visible before Swap")

	f.Swap()
	require.True(t, f.MaybeContains([]byte("new-key")))
}

func TestClearDiscardsTempWithoutTouchingLive(t *testing.T) {
	f, err := New(10, 0.01)
	require.NoError(t, err)

	f.Add([]byte("existing"))
	f.AddToTemp([]byte("half-built"))
	f.Clear()
	f.Swap()

	require.True(t, f.MaybeContains([]byte("existing")), "live filter must survive Clear")
	require.False(t, f.MaybeContains([]byte("half-built")), "Clear must discard temp before Swap promotes it")
}

func TestSwapWithNothingStagedIsNoop(t *testing.T) {
	f, err := New(10, 0.01)
	require.NoError(t, err)

	f.Add([]byte("existing"))
	f.Swap()

	require.True(t, f.MaybeContains([]byte("existing")))
}
