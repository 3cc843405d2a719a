// Package partition groups a set of vBuckets onto one storage shard:
// the read/write KV-store handles they share, the background fetcher
// that services their cache misses, and the flusher that drains their
// persistence cursors. It is grounded on kvshard.h's "one logical
// partition per vBucket, collected by shard" shape: the highest-level
// grouping between the front end's vBucket map and the per-shard I/O
// dispatchers.
package partition

import (
	"context"
	"sync"

	"github.com/ledgerwatch/ep-core/bgfetch"
	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/executor"
	"github.com/ledgerwatch/ep-core/kvstore"
	"github.com/ledgerwatch/ep-core/kvstore/bitmapdb"
	"github.com/ledgerwatch/ep-core/vbucket"
)

// Group is one storage partition: an id, the vBuckets it currently
// owns, the KV-store handles backing it, and the bg-fetch/flush tasks
// that serve it.
type Group struct {
	id uint16

	mu       sync.RWMutex
	vbuckets map[uint16]*vbucket.VBucket

	rw kvstore.Handle
	ro kvstore.Handle

	store   kvstore.KVStore
	fetcher *bgfetch.Shard
	flusher *Flusher
	pins    *bitmapdb.PinTracker

	snapshotMu           sync.Mutex
	highPrioritySnapshot bool
	lowPrioritySnapshot  bool
}

// New opens store's read-write (and, if the store supports a separate
// read path, read-only) handle for shardID and wires up this
// partition's background fetcher. The flusher itself is started
// separately (see StartFlusher) once the owning pool is available.
func New(ctx context.Context, id uint16, store kvstore.KVStore, path string, bgCfg bgfetch.Config, clk clock.Clock, isCreating bgfetch.CreationChecker) (*Group, error) {
	rw, err := store.Open(ctx, int(id), path, kvstore.ModeReadWrite)
	if err != nil {
		return nil, err
	}
	ro, err := store.Open(ctx, int(id), path, kvstore.ModeReadOnly)
	if err != nil {
		return nil, err
	}

	g := &Group{
		id:       id,
		vbuckets: make(map[uint16]*vbucket.VBucket),
		rw:       rw,
		ro:       ro,
		store:    store,
		pins:     bitmapdb.New(),
	}
	g.fetcher = bgfetch.NewShard(store, ro, bgCfg, clk, isCreating)
	return g, nil
}

func (g *Group) ID() uint16 { return g.id }

func (g *Group) RWHandle() kvstore.Handle { return g.rw }

func (g *Group) ROHandle() kvstore.Handle { return g.ro }

func (g *Group) Fetcher() *bgfetch.Shard { return g.fetcher }

// Store returns the KV-store this partition's handles were opened
// against, for callers (warmup) that need to issue calls the Group
// itself does not wrap.
func (g *Group) Store() kvstore.KVStore { return g.store }

// Pins returns the shared pin tracker every vBucket created under this
// partition should be constructed with, so the checkpoint remover's
// cursor-dropping pass can rank them against one another.
func (g *Group) Pins() *bitmapdb.PinTracker { return g.pins }

// StartFetcher schedules this partition's background fetcher onto
// pool under bucket.
func (g *Group) StartFetcher(pool *executor.Pool, bucket *executor.Bucket) {
	g.fetcher.Start(pool, bucket)
}

// StartFlusher builds and schedules this partition's flusher, which
// drains every owned vBucket's persistence cursor on a fixed cadence.
func (g *Group) StartFlusher(pool *executor.Pool, bucket *executor.Bucket, clk clock.Clock) {
	g.flusher = NewFlusher(g, clk)
	g.flusher.Start(pool, bucket)
}

// Stop cancels this partition's background fetcher and flusher tasks
// and closes its storage handles.
func (g *Group) Stop() {
	if g.fetcher != nil {
		g.fetcher.Stop()
	}
	if g.flusher != nil {
		g.flusher.Stop()
	}
	g.rw.Close()
	g.ro.Close()
}

// Bucket returns the vBucket owned by this partition with the given
// id, or (nil, false) if this partition does not currently own it.
func (g *Group) Bucket(id uint16) (*vbucket.VBucket, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	vb, ok := g.vbuckets[id]
	return vb, ok
}

// SetBucket adopts vb into this partition, replacing whatever
// previously owned its id.
func (g *Group) SetBucket(vb *vbucket.VBucket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vbuckets[vb.ID()] = vb
}

// ResetBucket drops id from this partition, if owned.
func (g *Group) ResetBucket(id uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.vbuckets, id)
}

// VBucketIDs returns every id currently owned by this partition, in no
// particular order.
func (g *Group) VBucketIDs() []uint16 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]uint16, 0, len(g.vbuckets))
	for id := range g.vbuckets {
		ids = append(ids, id)
	}
	return ids
}

// VBucketsSortedByState returns every owned id, Active vBuckets first,
// matching the original's "flush actives before replicas" ordering.
func (g *Group) VBucketsSortedByState() []uint16 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var active, rest []uint16
	for id, vb := range g.vbuckets {
		if vb.State() == vbucket.Active {
			active = append(active, id)
		} else {
			rest = append(rest, id)
		}
	}
	return append(active, rest...)
}

// SetHighPrioritySnapshotFlag coordinates a scheduled high-priority
// snapshot task with new snapshot requests: it reports true (and
// records the new value) only when on differs from the current value,
// in either direction, preventing duplicate snapshot tasks from being
// scheduled.
func (g *Group) SetHighPrioritySnapshotFlag(on bool) bool {
	g.snapshotMu.Lock()
	defer g.snapshotMu.Unlock()
	if g.highPrioritySnapshot == on {
		return false
	}
	g.highPrioritySnapshot = on
	return true
}

func (g *Group) HighPrioritySnapshotFlag() bool {
	g.snapshotMu.Lock()
	defer g.snapshotMu.Unlock()
	return g.highPrioritySnapshot
}

// SetLowPrioritySnapshotFlag is SetHighPrioritySnapshotFlag's
// low-priority counterpart.
func (g *Group) SetLowPrioritySnapshotFlag(on bool) bool {
	g.snapshotMu.Lock()
	defer g.snapshotMu.Unlock()
	if g.lowPrioritySnapshot == on {
		return false
	}
	g.lowPrioritySnapshot = on
	return true
}

func (g *Group) LowPrioritySnapshotFlag() bool {
	g.snapshotMu.Lock()
	defer g.snapshotMu.Unlock()
	return g.lowPrioritySnapshot
}
