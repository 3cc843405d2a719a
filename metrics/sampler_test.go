package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/ep-core/bgfetch"
	"github.com/ledgerwatch/ep-core/checkpoint"
	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/executor"
	"github.com/ledgerwatch/ep-core/kvstore"
	"github.com/ledgerwatch/ep-core/partition"
	"github.com/ledgerwatch/ep-core/vbucket"
)

func newTestGroup(t *testing.T) (*partition.Group, *executor.Pool) {
	t.Helper()
	store := kvstore.NewMemStore()
	g, err := partition.New(context.Background(), 0, store, "", bgfetch.Config{Delay: time.Millisecond}, clock.System{}, nil)
	require.NoError(t, err)

	pool := executor.NewPool(executor.Config{Readers: 1, Writers: 1}, clock.System{})
	bucket := pool.RegisterBucket("test", executor.High)
	g.StartFetcher(pool, bucket)
	g.StartFlusher(pool, bucket, clock.System{})
	return g, pool
}

func TestSamplerReportsCheckpointItemsPerVBucket(t *testing.T) {
	g, pool := newTestGroup(t)
	defer pool.Stop()
	defer g.Stop()

	cfg := vbucket.Config{Checkpoint: checkpoint.Config{MaxItems: 1000, MaxAge: time.Hour}, Fetcher: g.Fetcher()}
	vb := vbucket.New(3, vbucket.Active, cfg, clock.System{}, g.Pins(), 0, 0, 0, nil, 0, 0)
	g.SetBucket(vb)

	_, err := vb.Set([]byte("k1"), []byte("v1"))
	require.NoError(t, err)
	_, err = vb.Set([]byte("k2"), []byte("v2"))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := New(reg)
	s := NewSampler(m, SamplerConfig{Groups: []*partition.Group{g}})
	s.sample()

	require.Equal(t, float64(2), testutil.ToFloat64(m.CheckpointItems.WithLabelValues("3")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.NumCheckpoints.WithLabelValues("3")))
}

func TestSamplerAccumulatesRemoverPurgedItemsAsACounter(t *testing.T) {
	g, pool := newTestGroup(t)
	defer pool.Stop()
	defer g.Stop()

	cfg := vbucket.Config{Checkpoint: checkpoint.Config{MaxItems: 1, MaxAge: time.Hour}, Fetcher: g.Fetcher()}
	vb := vbucket.New(4, vbucket.Active, cfg, clock.System{}, g.Pins(), 0, 0, 0, nil, 0, 0)
	g.SetBucket(vb)

	_, err := vb.Set([]byte("k1"), []byte("v1"))
	require.NoError(t, err)
	_, err = vb.Set([]byte("k2"), []byte("v2"))
	require.NoError(t, err)

	// Wait for the flusher to drain the persistence cursor past the
	// first (now closed, one-item) checkpoint.
	require.Eventually(t, func() bool {
		res, err := g.Store().Get(context.Background(), g.RWHandle(), 4, []byte("k1"), false)
		return err == nil && res.Status == nil && res.Item != nil
	}, time.Second, time.Millisecond)

	remover := partition.NewCheckpointRemover([]*partition.Group{g}, partition.RemoverConfig{Interval: time.Millisecond}, clock.System{})
	rbucket := pool.RegisterBucket("remover", executor.High)
	remover.Start(pool, rbucket)
	defer remover.Stop()

	require.Eventually(t, func() bool {
		return remover.Stats().PurgedItems > 0
	}, time.Second, time.Millisecond)

	reg := prometheus.NewRegistry()
	m := New(reg)
	s := NewSampler(m, SamplerConfig{
		Groups:   []*partition.Group{g},
		Removers: []*partition.CheckpointRemover{remover},
	})
	s.sample()

	require.Greater(t, testutil.ToFloat64(m.CheckpointsPurged), float64(0))
}
