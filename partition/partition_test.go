package partition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/ep-core/bgfetch"
	"github.com/ledgerwatch/ep-core/checkpoint"
	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/executor"
	"github.com/ledgerwatch/ep-core/kvstore"
	"github.com/ledgerwatch/ep-core/kvstore/bitmapdb"
	"github.com/ledgerwatch/ep-core/vbucket"
)

func newTestGroup(t *testing.T) (*Group, *executor.Pool) {
	t.Helper()
	store := kvstore.NewMemStore()
	g, err := New(context.Background(), 0, store, "", bgfetch.Config{Delay: time.Millisecond}, clock.System{}, nil)
	require.NoError(t, err)

	pool := executor.NewPool(executor.Config{Readers: 1, Writers: 1}, clock.System{})
	bucket := pool.RegisterBucket("test", executor.High)
	g.StartFetcher(pool, bucket)
	g.StartFlusher(pool, bucket, clock.System{})
	return g, pool
}

func TestSetBucketAndBucketRoundTrip(t *testing.T) {
	g, pool := newTestGroup(t)
	defer pool.Stop()
	defer g.Stop()

	vb := vbucket.New(5, vbucket.Active, vbucket.Config{Checkpoint: checkpoint.Config{MaxItems: 1000, MaxAge: time.Hour}},
		clock.System{}, bitmapdb.New(), 0, 0, 0, nil, 0, 0)
	g.SetBucket(vb)

	got, ok := g.Bucket(5)
	require.True(t, ok)
	require.Same(t, vb, got)

	g.ResetBucket(5)
	_, ok = g.Bucket(5)
	require.False(t, ok)
}

func TestVBucketsSortedByStatePutsActiveFirst(t *testing.T) {
	g, pool := newTestGroup(t)
	defer pool.Stop()
	defer g.Stop()

	cfg := vbucket.Config{Checkpoint: checkpoint.Config{MaxItems: 1000, MaxAge: time.Hour}}
	replica := vbucket.New(1, vbucket.Replica, cfg, clock.System{}, bitmapdb.New(), 0, 0, 0, nil, 0, 0)
	active := vbucket.New(2, vbucket.Active, cfg, clock.System{}, bitmapdb.New(), 0, 0, 0, nil, 0, 0)
	g.SetBucket(replica)
	g.SetBucket(active)

	sorted := g.VBucketsSortedByState()
	require.Len(t, sorted, 2)
	require.Equal(t, uint16(2), sorted[0])
}

func TestHighPrioritySnapshotFlagOnlyFiresOnTransition(t *testing.T) {
	g, pool := newTestGroup(t)
	defer pool.Stop()
	defer g.Stop()

	require.True(t, g.SetHighPrioritySnapshotFlag(true))
	require.False(t, g.SetHighPrioritySnapshotFlag(true))
	require.True(t, g.SetHighPrioritySnapshotFlag(false))
}

func TestFlusherDrainsQueuedMutationToStore(t *testing.T) {
	g, pool := newTestGroup(t)
	defer pool.Stop()
	defer g.Stop()

	cfg := vbucket.Config{Checkpoint: checkpoint.Config{MaxItems: 1000, MaxAge: time.Hour}, Fetcher: g.Fetcher()}
	vb := vbucket.New(7, vbucket.Active, cfg, clock.System{}, bitmapdb.New(), 0, 0, 0, nil, 0, 0)
	g.SetBucket(vb)

	_, err := vb.Set([]byte("k"), []byte("v"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, err := g.store.Get(context.Background(), g.RWHandle(), 7, []byte("k"), false)
		return err == nil && res.Status == nil && res.Item != nil
	}, time.Second, time.Millisecond)
}
