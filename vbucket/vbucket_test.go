package vbucket

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/ep-core/bgfetch"
	"github.com/ledgerwatch/ep-core/checkpoint"
	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/core/epstatus"
	"github.com/ledgerwatch/ep-core/core/item"
	"github.com/ledgerwatch/ep-core/executor"
	"github.com/ledgerwatch/ep-core/kvstore"
	"github.com/ledgerwatch/ep-core/kvstore/bitmapdb"
)

func newTestVBucket(t *testing.T, fetcher *bgfetch.Shard) *VBucket {
	t.Helper()
	cfg := Config{Checkpoint: checkpoint.Config{MaxItems: 1000, MaxAge: time.Hour}, Fetcher: fetcher}
	return New(1, Active, cfg, clock.System{}, bitmapdb.New(), 0, 0, 0, nil, 0, 0)
}

func newTestFetcher(t *testing.T) (*bgfetch.Shard, kvstore.KVStore, kvstore.Handle, *executor.Pool) {
	t.Helper()
	store := kvstore.NewMemStore()
	h, err := store.Open(nil, 0, "", kvstore.ModeReadWrite)
	require.NoError(t, err)
	pool := executor.NewPool(executor.Config{Readers: 1}, clock.System{})
	s := bgfetch.NewShard(store, h, bgfetch.Config{Delay: time.Millisecond}, clock.System{}, nil)
	s.Start(pool, nil)
	return s, store, h, pool
}

func TestSetThenGetIsImmediateHit(t *testing.T) {
	vb := newTestVBucket(t, nil)
	class, err := vb.Set([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.Equal(t, checkpoint.NewItem, class)

	res, waiter := vb.Get([]byte("k"))
	require.Nil(t, waiter)
	require.NoError(t, res.Status)
	require.Equal(t, []byte("v"), res.Item.Value())
}

func TestDeleteThenGetReturnsKeyMissing(t *testing.T) {
	vb := newTestVBucket(t, nil)
	_, err := vb.Set([]byte("k"), []byte("v"))
	require.NoError(t, err)
	_, err = vb.Delete([]byte("k"))
	require.NoError(t, err)

	res, waiter := vb.Get([]byte("k"))
	require.Nil(t, waiter)
	require.True(t, errors.Is(res.Status, epstatus.ErrKeyMissing))
}

func TestGetMissFetchesFromBackingStore(t *testing.T) {
	fetcher, store, h, pool := newTestFetcher(t)
	defer pool.Stop()
	vb := newTestVBucket(t, fetcher)

	it := item.New(1, []byte("remote"), []byte("payload"), item.Set)
	_, err := store.Set(nil, h, it)
	require.NoError(t, err)

	res, waiter := vb.Get([]byte("remote"))
	require.True(t, errors.Is(res.Status, epstatus.ErrWouldBlock))
	require.NotNil(t, waiter)

	select {
	case final := <-waiter:
		require.NoError(t, final.Status)
		require.Equal(t, []byte("payload"), final.Item.Value())
	case <-time.After(time.Second):
		require.Fail(t, "timed out waiting for background fetch to resolve")
	}
}

func TestGetMissCoalescesConcurrentWaiters(t *testing.T) {
	fetcher, store, h, pool := newTestFetcher(t)
	defer pool.Stop()
	vb := newTestVBucket(t, fetcher)

	it := item.New(1, []byte("shared"), []byte("v"), item.Set)
	_, err := store.Set(nil, h, it)
	require.NoError(t, err)

	_, w1 := vb.Get([]byte("shared"))
	_, w2 := vb.Get([]byte("shared"))
	require.NotNil(t, w1)
	require.NotNil(t, w2)

	var r1, r2 kvstore.GetResult
	select {
	case r1 = <-w1:
	case <-time.After(time.Second):
		require.Fail(t, "w1 never resolved")
	}
	select {
	case r2 = <-w2:
	case <-time.After(time.Second):
		require.Fail(t, "w2 never resolved")
	}
	require.NoError(t, r1.Status)
	require.NoError(t, r2.Status)
	require.Same(t, r1.Item, r2.Item)
}

func TestSetStateDeadFailsHighPriorityWaiters(t *testing.T) {
	vb := newTestVBucket(t, nil)
	ch := vb.AddHighPriorityEntry(100)
	vb.SetState(Dead)

	select {
	case err := <-ch:
		require.True(t, errors.Is(err, epstatus.ErrNotMyVBucket))
	case <-time.After(time.Second):
		require.Fail(t, "high priority waiter was never resolved")
	}

	_, err := vb.Set([]byte("k"), []byte("v"))
	require.True(t, errors.Is(err, epstatus.ErrNotMyVBucket))
}

func TestSetStateActiveResolvesHighPriorityWaiters(t *testing.T) {
	vb := newTestVBucket(t, nil)
	vb.SetState(Replica)
	ch := vb.AddHighPriorityEntry(100)
	vb.SetState(Active)

	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(time.Second):
		require.Fail(t, "high priority waiter was never resolved")
	}
}

func TestNotifyPersistedSeqnoResolvesReachedEntriesOnly(t *testing.T) {
	vb := newTestVBucket(t, nil)
	early := vb.AddHighPriorityEntry(10)
	late := vb.AddHighPriorityEntry(1000)

	vb.NotifyPersistedSeqno(50)

	select {
	case err := <-early:
		require.NoError(t, err)
	default:
		require.Fail(t, "entry below the persisted watermark should have resolved")
	}
	require.Equal(t, 1, vb.NumHighPriorityWaiters())

	select {
	case <-late:
		require.Fail(t, "entry above the persisted watermark must not resolve yet")
	default:
	}
}
