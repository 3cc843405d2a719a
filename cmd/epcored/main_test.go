package main

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
	"github.com/ledgerwatch/ep-core/partition"
)

func newTestGroups(t *testing.T, n int) ([]*partition.Group, *executor.Pool) {
	t.Helper()
	store := kvstore.NewMemStore()
	pool := executor.NewPool(executor.Config{Readers: 1, Writers: 1}, clock.System{})
	bucket := pool.RegisterBucket("test", executor.High)

	groups := make([]*partition.Group, n)
	for i := range groups {
		g, err := partition.New(context.Background(), uint16(i), store, "", bgfetch.Config{Delay: time.Millisecond}, clock.System{}, nil)
		require.NoError(t, err)
		g.StartFetcher(pool, bucket)
		g.StartFlusher(pool, bucket, clock.System{})
		groups[i] = g
	}
	return groups, pool
}

func TestBootstrapVBucketsSpreadsRoundRobinAcrossGroups(t *testing.T) {
	groups, pool := newTestGroups(t, 2)
	defer pool.Stop()
	defer func() {
		for _, g := range groups {
			g.Stop()
		}
	}()

	chkCfg := checkpoint.Config{MaxItems: 1000, MaxAge: time.Hour}
	bootstrapVBuckets(groups, 4, chkCfg, clock.System{})

	for id := uint16(0); id < 4; id++ {
		g := groups[id%2]
		vb, ok := g.Bucket(id)
		require.True(t, ok)
		require.Equal(t, id, vb.ID())
	}
}

func TestBootstrapVBucketsSkipsAlreadyOwnedVBuckets(t *testing.T) {
	groups, pool := newTestGroups(t, 1)
	defer pool.Stop()
	defer groups[0].Stop()

	chkCfg := checkpoint.Config{MaxItems: 1000, MaxAge: time.Hour}
	bootstrapVBuckets(groups, 1, chkCfg, clock.System{})
	first, ok := groups[0].Bucket(0)
	require.True(t, ok)

	bootstrapVBuckets(groups, 1, chkCfg, clock.System{})
	second, ok := groups[0].Bucket(0)
	require.True(t, ok)
	require.Same(t, first, second)
}
