package partition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/ep-core/checkpoint"
	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/executor"
	"github.com/ledgerwatch/ep-core/vbucket"
)

func TestRemoverPurgesClosedUnrefCheckpointsOnceFlushedPastThem(t *testing.T) {
	g, pool := newTestGroup(t)
	defer pool.Stop()
	defer g.Stop()

	cfg := vbucket.Config{Checkpoint: checkpoint.Config{MaxItems: 1, MaxAge: time.Hour}, Fetcher: g.Fetcher()}
	vb := vbucket.New(9, vbucket.Active, cfg, clock.System{}, g.Pins(), 0, 0, 0, nil, 0, 0)
	g.SetBucket(vb)

	_, err := vb.Set([]byte("k1"), []byte("v1"))
	require.NoError(t, err)
	_, err = vb.Set([]byte("k2"), []byte("v2"))
	require.NoError(t, err)

	// Wait for the group's flusher to drain the persistence cursor past
	// the first (now closed, one-item) checkpoint.
	require.Eventually(t, func() bool {
		res, err := g.store.Get(context.Background(), g.RWHandle(), 9, []byte("k1"), false)
		return err == nil && res.Status == nil && res.Item != nil
	}, time.Second, time.Millisecond)

	remover := NewCheckpointRemover([]*Group{g}, RemoverConfig{Interval: time.Millisecond}, clock.System{})
	bucket := pool.RegisterBucket("remover", executor.High)
	remover.Start(pool, bucket)
	defer remover.Stop()

	require.Eventually(t, func() bool {
		return remover.Stats().PurgedItems > 0
	}, time.Second, time.Millisecond)
}

func TestDropCursorsIfNeededSkipsPersistenceCursorAndRespectsWatermark(t *testing.T) {
	g, pool := newTestGroup(t)
	defer pool.Stop()
	defer g.Stop()

	cfg := vbucket.Config{Checkpoint: checkpoint.Config{MaxItems: 1000, MaxAge: time.Hour}, Fetcher: g.Fetcher()}
	vb := vbucket.New(11, vbucket.Active, cfg, clock.System{}, g.Pins(), 0, 0, 0, nil, 0, 0)
	g.SetBucket(vb)
	_, _, err := vb.Checkpoints().RegisterCursor("replication", 0, false, 0, true)
	require.NoError(t, err)

	var dropped []string
	remover := NewCheckpointRemover([]*Group{g}, RemoverConfig{
		Interval: time.Hour,
		MemoryStats: func() (used, lower, upper uint64) {
			return 100, 10, 50
		},
		DropCursor: func(vbucket uint16, cursor string) bool {
			dropped = append(dropped, cursor)
			return true
		},
	}, clock.System{})

	remover.dropCursorsIfNeeded()

	require.Contains(t, dropped, "replication")
	require.NotContains(t, dropped, checkpoint.PersistenceCursorName)
}

func TestDropCursorsIfNeededNoopsUnderWatermark(t *testing.T) {
	g, pool := newTestGroup(t)
	defer pool.Stop()
	defer g.Stop()

	remover := NewCheckpointRemover([]*Group{g}, RemoverConfig{
		MemoryStats: func() (used, lower, upper uint64) { return 10, 1, 50 },
		DropCursor: func(vbucket uint16, cursor string) bool {
			t.Fatal("DropCursor should not be called under the upper mark")
			return false
		},
	}, clock.System{})

	remover.dropCursorsIfNeeded()
}
