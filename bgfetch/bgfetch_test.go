package bgfetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/core/item"
	"github.com/ledgerwatch/ep-core/executor"
	"github.com/ledgerwatch/ep-core/kvstore"
)

func newTestShard(t *testing.T, cfg Config, isCreating CreationChecker) (*Shard, kvstore.KVStore, kvstore.Handle, *executor.Pool) {
	t.Helper()
	store := kvstore.NewMemStore()
	h, err := store.Open(nil, 0, "", kvstore.ModeReadWrite)
	require.NoError(t, err)

	s := NewShard(store, h, cfg, clock.System{}, isCreating)
	pool := executor.NewPool(executor.Config{Readers: 1}, clock.System{})
	s.Start(pool, nil)
	return s, store, h, pool
}

func waitForResult(t *testing.T, ch <-chan kvstore.GetResult, timeout time.Duration) kvstore.GetResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(timeout):
		require.Fail(t, "timed out waiting for bg-fetch result")
		return kvstore.GetResult{}
	}
}

func TestFetchDeliversStoredItem(t *testing.T) {
	s, store, h, pool := newTestShard(t, Config{Delay: time.Millisecond}, nil)
	defer pool.Stop()

	it := item.New(1, []byte("k1"), []byte("v1"), item.Set)
	_, err := store.Set(nil, h, it)
	require.NoError(t, err)

	ch := s.Fetch(1, []byte("k1"))
	res := waitForResult(t, ch, time.Second)
	require.NoError(t, res.Status)
	require.NotNil(t, res.Item)
	require.Equal(t, []byte("v1"), res.Item.Value())
}

func TestFetchMissingKeyReportsStatus(t *testing.T) {
	s, _, _, pool := newTestShard(t, Config{Delay: time.Millisecond}, nil)
	defer pool.Stop()

	ch := s.Fetch(1, []byte("missing"))
	res := waitForResult(t, ch, time.Second)
	require.Error(t, res.Status)
}

func TestFetchCoalescesWaitersForSameKey(t *testing.T) {
	s, store, h, pool := newTestShard(t, Config{Delay: time.Millisecond}, nil)
	defer pool.Stop()

	it := item.New(2, []byte("shared"), []byte("v"), item.Set)
	_, err := store.Set(nil, h, it)
	require.NoError(t, err)

	ch1 := s.Fetch(2, []byte("shared"))
	ch2 := s.Fetch(2, []byte("shared"))

	r1 := waitForResult(t, ch1, time.Second)
	r2 := waitForResult(t, ch2, time.Second)
	require.NoError(t, r1.Status)
	require.NoError(t, r2.Status)
	require.Same(t, r1.Item, r2.Item, "both waiters for one key must share the same decoded item")
}

func TestFetchDeferredWhileVBucketIsCreating(t *testing.T) {
	creating := true
	s, store, h, pool := newTestShard(t, Config{Delay: time.Millisecond}, func(uint16) bool { return creating })
	defer pool.Stop()

	it := item.New(3, []byte("k"), []byte("v"), item.Set)
	_, err := store.Set(nil, h, it)
	require.NoError(t, err)

	ch := s.Fetch(3, []byte("k"))

	select {
	case <-ch:
		require.Fail(t, "fetch must not be serviced while its vBucket is still being created")
	case <-time.After(50 * time.Millisecond):
	}

	creating = false
	s.notifyBGEvent(3)
	res := waitForResult(t, ch, time.Second)
	require.NoError(t, res.Status)
}
