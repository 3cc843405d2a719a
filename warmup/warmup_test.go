package warmup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/ep-core/bgfetch"
	"github.com/ledgerwatch/ep-core/checkpoint"
	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/core/item"
	"github.com/ledgerwatch/ep-core/executor"
	"github.com/ledgerwatch/ep-core/kvstore"
	"github.com/ledgerwatch/ep-core/partition"
	"github.com/ledgerwatch/ep-core/vbucket"
)

func newTestGroup(t *testing.T) (*partition.Group, *kvstore.MemStore) {
	t.Helper()
	store := kvstore.NewMemStore()
	g, err := partition.New(context.Background(), 0, store, "", bgfetch.Config{Delay: time.Millisecond}, clock.System{}, nil)
	require.NoError(t, err)
	return g, store
}

func waitForDone(t *testing.T, m *Machine) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		require.Fail(t, "warmup never reached Done")
	}
}

func TestFullEvictionPipelineLoadsPersistedData(t *testing.T) {
	ctx := context.Background()
	g, store := newTestGroup(t)

	require.NoError(t, store.SnapshotVBucket(ctx, g.RWHandle(), 1, kvstore.VBucketState{
		State: vbucket.Active.String(), HighSeqno: 1, SnapStart: 0, SnapEnd: 1, MaxCas: 1,
	}, true))
	_, err := store.Set(ctx, g.RWHandle(), item.New(1, []byte("k"), []byte("v"), item.Set))
	require.NoError(t, err)

	pool := executor.NewPool(executor.Config{AuxIO: 1}, clock.System{})
	defer pool.Stop()
	bucket := pool.RegisterBucket("warmup", executor.High)

	m := New(Config{
		Groups:         []*partition.Group{g},
		EvictionPolicy: FullEviction,
		Checkpoint:     checkpoint.Config{MaxItems: 1000, MaxAge: time.Hour},
	}, clock.System{})
	m.Start(pool, bucket)
	waitForDone(t, m)

	require.Equal(t, Done, m.Stage())
	require.False(t, m.Stats().CleanShutdown)
	require.Equal(t, uint64(1), m.Stats().EstimatedItems[1])

	vb, ok := g.Bucket(1)
	require.True(t, ok)
	res, waiter := vb.Get([]byte("k"))
	require.Nil(t, waiter)
	require.NoError(t, res.Status)
	require.Equal(t, []byte("v"), res.Item.Value())
}

func TestValueEvictionKeyDumpThenLoadingDataFillsValues(t *testing.T) {
	ctx := context.Background()
	g, store := newTestGroup(t)

	require.NoError(t, store.SnapshotVBucket(ctx, g.RWHandle(), 2, kvstore.VBucketState{
		State: vbucket.Active.String(), HighSeqno: 1, SnapStart: 0, SnapEnd: 1,
	}, true))
	_, err := store.Set(ctx, g.RWHandle(), item.New(2, []byte("k2"), []byte("v2"), item.Set))
	require.NoError(t, err)

	pool := executor.NewPool(executor.Config{AuxIO: 1}, clock.System{})
	defer pool.Stop()
	bucket := pool.RegisterBucket("warmup", executor.High)

	m := New(Config{
		Groups:         []*partition.Group{g},
		EvictionPolicy: ValueEviction,
		Checkpoint:     checkpoint.Config{MaxItems: 1000, MaxAge: time.Hour},
	}, clock.System{})
	m.Start(pool, bucket)
	waitForDone(t, m)

	vb, ok := g.Bucket(2)
	require.True(t, ok)
	res, waiter := vb.Get([]byte("k2"))
	require.Nil(t, waiter)
	require.NoError(t, res.Status)
	require.Equal(t, []byte("v2"), res.Item.Value())
}

func TestTrafficEnableShortCircuitsToDoneBeforeCreatingVBuckets(t *testing.T) {
	ctx := context.Background()
	g, store := newTestGroup(t)
	require.NoError(t, store.SnapshotVBucket(ctx, g.RWHandle(), 3, kvstore.VBucketState{State: vbucket.Active.String()}, true))

	pool := executor.NewPool(executor.Config{AuxIO: 1}, clock.System{})
	defer pool.Stop()
	bucket := pool.RegisterBucket("warmup", executor.High)

	m := New(Config{
		Groups:         []*partition.Group{g},
		EvictionPolicy: FullEviction,
		TrafficEnable:  func() bool { return true },
	}, clock.System{})
	m.Start(pool, bucket)
	waitForDone(t, m)

	require.Equal(t, Done, m.Stage())
	_, ok := g.Bucket(3)
	require.False(t, ok)
}

func TestStopForcesImmediateDone(t *testing.T) {
	g, _ := newTestGroup(t)
	pool := executor.NewPool(executor.Config{AuxIO: 1}, clock.System{})
	defer pool.Stop()
	bucket := pool.RegisterBucket("warmup", executor.High)

	m := New(Config{Groups: []*partition.Group{g}, EvictionPolicy: FullEviction}, clock.System{})
	m.Start(pool, bucket)
	m.Stop()

	require.Equal(t, Done, m.Stage())
	select {
	case <-m.Done():
	default:
		require.Fail(t, "Stop should have closed the Done channel")
	}
}
