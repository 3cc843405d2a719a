package vbucket

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/ep-core/core/item"
)

func TestSweepEvictsUntouchedItemsAfterMaxNRUPasses(t *testing.T) {
	vb := newTestVBucket(t, nil)
	_, err := vb.Set([]byte("cold"), []byte("v"))
	require.NoError(t, err)

	sweeper, err := NewEvictionSweeper(vb, 16)
	require.NoError(t, err)

	for i := 0; i < item.MaxNRU; i++ {
		evicted := sweeper.Sweep()
		require.Zero(t, evicted)
	}
	evicted := sweeper.Sweep()
	require.Equal(t, 1, evicted)

	_, ok := vb.ht.Lookup([]byte("cold"))
	require.False(t, ok)
}

func TestSweepSkipsRecentlyTouchedItems(t *testing.T) {
	vb := newTestVBucket(t, nil)
	_, err := vb.Set([]byte("hot"), []byte("v"))
	require.NoError(t, err)

	sweeper, err := NewEvictionSweeper(vb, 16)
	require.NoError(t, err)

	for i := 0; i < item.MaxNRU+2; i++ {
		sweeper.Touch([]byte("hot"))
		evicted := sweeper.Sweep()
		require.Zero(t, evicted)
	}

	_, ok := vb.ht.Lookup([]byte("hot"))
	require.True(t, ok)
}
