// Package vbucket implements a single vBucket: its state machine, its
// in-memory hash index, and the mutation/read/rollback operations the
// front end drives against it. It is grounded on vbucket.h's field set
// and state machine and on kvshard.h's "one logical partition per
// vBucket, grouped by shard" shape, adapted from an RCPtr<VBucket>
// reference-counted C++ object graph to a plain Go struct whose
// lifetime is owned by whichever Shard holds it.
package vbucket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ledgerwatch/ep-core/bgfetch"
	"github.com/ledgerwatch/ep-core/checkpoint"
	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/core/epstatus"
	"github.com/ledgerwatch/ep-core/core/item"
	"github.com/ledgerwatch/ep-core/kvstore"
	"github.com/ledgerwatch/ep-core/kvstore/bitmapdb"
	"github.com/ledgerwatch/ep-core/log"
	"github.com/ledgerwatch/ep-core/vbucket/bloom"
)

// State is a vBucket's place in its lifecycle.
type State int

const (
	Active State = iota
	Replica
	Pending
	Dead
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Replica:
		return "replica"
	case Pending:
		return "pending"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// HighPriorityEntry is a waiter parked on "notify me once persistence
// (or a state change) has passed a point I care about." Resolved with
// nil (Success) or an error status, exactly once.
type HighPriorityEntry struct {
	TargetSeqno uint64
	Created     time.Time
	Notify      chan error
}

// SnapshotRange mirrors checkpoint.SnapshotRange for the persisted
// snapshot boundary this vBucket currently advertises.
type SnapshotRange struct {
	Start uint64
	End   uint64
}

// Config collects the pieces a VBucket needs at construction that
// come from outside the vBucket itself: checkpoint sizing and
// (optionally) a background fetcher and bloom filter. The shared pin
// tracker is passed to New separately.
type Config struct {
	Checkpoint checkpoint.Config
	Fetcher    *bgfetch.Shard // nil: Get misses return ErrWouldBlock but are never serviced
	Filter     *bloom.Filter  // nil: no existence short-circuit, fetch always attempted
}

// VBucket is one partition of the keyspace: a hash index over
// resident items, a checkpoint manager logging mutations for
// persistence/replication, and the bookkeeping the front end needs to
// avoid ever blocking on storage I/O.
type VBucket struct {
	id uint16

	stateMu sync.RWMutex
	state   State

	ht          *HashTable
	checkpoints *checkpoint.Manager
	fetcher     *bgfetch.Shard
	filter      *bloom.Filter

	purgeSeqno uint64 // atomic
	maxCas     uint64 // atomic

	snapMu             sync.Mutex
	persistedSnapStart uint64
	persistedSnapEnd   uint64

	failoverMu sync.Mutex
	failovers  []kvstore.FailoverEntry

	opsCreate uint64 // atomic
	opsUpdate uint64 // atomic
	opsDelete uint64 // atomic
	opsReject uint64 // atomic

	dirtyQueueSize int64 // atomic

	hpMu      sync.Mutex
	hpEntries []*HighPriorityEntry

	clk clock.Clock
	log log.Logger
}

// New constructs a VBucket with id, starting in initState, resuming
// checkpoint numbering from lastSeqno and the given persisted snapshot
// range (as warmup would supply from a persisted vBucket-state blob).
func New(id uint16, initState State, cfg Config, clk clock.Clock, pins *bitmapdb.PinTracker,
	lastSeqno, snapStart, snapEnd uint64, failovers []kvstore.FailoverEntry, purgeSeqno, maxCas uint64) *VBucket {

	chkCfg := cfg.Checkpoint
	chkCfg.StartSeqno = lastSeqno

	vb := &VBucket{
		id:                 id,
		state:              initState,
		ht:                 NewHashTable(16),
		checkpoints:        checkpoint.NewManager(id, chkCfg, clk, pins),
		fetcher:            cfg.Fetcher,
		filter:             cfg.Filter,
		purgeSeqno:         purgeSeqno,
		maxCas:             maxCas,
		persistedSnapStart: snapStart,
		persistedSnapEnd:   snapEnd,
		failovers:          append([]kvstore.FailoverEntry(nil), failovers...),
		clk:                clk,
		log:                log.New("component", "vbucket", "vbucket", id),
	}
	return vb
}

func (vb *VBucket) ID() uint16 { return vb.id }

func (vb *VBucket) State() State {
	vb.stateMu.RLock()
	defer vb.stateMu.RUnlock()
	return vb.state
}

// HighSeqno is the highest bySeqno any item has been assigned in this
// vBucket's checkpoint log.
func (vb *VBucket) HighSeqno() uint64 { return vb.checkpoints.LastBySeqno() }

func (vb *VBucket) PurgeSeqno() uint64 { return atomic.LoadUint64(&vb.purgeSeqno) }

func (vb *VBucket) SetPurgeSeqno(s uint64) { atomic.StoreUint64(&vb.purgeSeqno, s) }

func (vb *VBucket) MaxCas() uint64 { return atomic.LoadUint64(&vb.maxCas) }

// BumpMaxCas raises maxCas to cas if cas is larger, matching the
// "atomic set-if-bigger" idiom used for monotonic CAS tracking.
func (vb *VBucket) BumpMaxCas(cas uint64) {
	for {
		cur := atomic.LoadUint64(&vb.maxCas)
		if cas <= cur || atomic.CompareAndSwapUint64(&vb.maxCas, cur, cas) {
			return
		}
	}
}

// nextCAS generates the CAS a Set/Delete stamps on its item when the
// caller supplies none, the counterpart of vbucket.cc's
// generateNewCas: a fresh value strictly greater than every CAS this
// vBucket has ever generated or observed via BumpMaxCas.
func (vb *VBucket) nextCAS() uint64 {
	return atomic.AddUint64(&vb.maxCas, 1)
}

func (vb *VBucket) PersistedSnapshot() SnapshotRange {
	vb.snapMu.Lock()
	defer vb.snapMu.Unlock()
	return SnapshotRange{Start: vb.persistedSnapStart, End: vb.persistedSnapEnd}
}

func (vb *VBucket) SetPersistedSnapshot(start, end uint64) {
	vb.snapMu.Lock()
	defer vb.snapMu.Unlock()
	vb.persistedSnapStart = start
	vb.persistedSnapEnd = end
}

func (vb *VBucket) Failovers() []kvstore.FailoverEntry {
	vb.failoverMu.Lock()
	defer vb.failoverMu.Unlock()
	return append([]kvstore.FailoverEntry(nil), vb.failovers...)
}

// AppendFailoverEntry records a new {vbuuid, seqno} pair, most recent
// last, as an unclean-shutdown recovery marker.
func (vb *VBucket) AppendFailoverEntry(e kvstore.FailoverEntry) {
	vb.failoverMu.Lock()
	defer vb.failoverMu.Unlock()
	vb.failovers = append(vb.failovers, e)
}

func (vb *VBucket) Checkpoints() *checkpoint.Manager { return vb.checkpoints }

// LoadResident installs it directly into the hash index, bypassing the
// checkpoint log entirely. Used by warmup to repopulate in-memory
// state from a value already durable on storage, not from a live
// mutation that still needs to be queued for persistence.
func (vb *VBucket) LoadResident(it *item.Item) {
	vb.BumpMaxCas(it.CAS())
	vb.ht.Upsert(it)
}

// LoadMetadataOnly records that key exists in storage without pulling
// its value into memory yet, for warmup's KeyDump stage under a
// value-eviction policy.
func (vb *VBucket) LoadMetadataOnly(key []byte) {
	vb.ht.MarkMetadataOnly(key)
}

// MetadataOnlyKeys returns every key this vBucket knows about but
// does not currently hold a value for, for warmup's LoadingData stage.
func (vb *VBucket) MetadataOnlyKeys() [][]byte {
	return vb.ht.MetadataOnlyKeys()
}

// ExpiredKeys returns the key of every resident item past its expiry
// as of now (Unix seconds), for the expiry pager's sweep.
func (vb *VBucket) ExpiredKeys(now int64) [][]byte {
	return vb.ht.ExpiredKeys(now)
}

// Stats reports the counters the front end's addStats equivalent
// would surface.
type Stats struct {
	OpsCreate      uint64
	OpsUpdate      uint64
	OpsDelete      uint64
	OpsReject      uint64
	DirtyQueueSize int64
	NumItems       int
}

func (vb *VBucket) Stats() Stats {
	return Stats{
		OpsCreate:      atomic.LoadUint64(&vb.opsCreate),
		OpsUpdate:      atomic.LoadUint64(&vb.opsUpdate),
		OpsDelete:      atomic.LoadUint64(&vb.opsDelete),
		OpsReject:      atomic.LoadUint64(&vb.opsReject),
		DirtyQueueSize: atomic.LoadInt64(&vb.dirtyQueueSize),
		NumItems:       vb.ht.Size(),
	}
}

// Set (and Replace: the caller decides which CAS-matching semantics to
// enforce before calling this, as both land on the same hash-index +
// checkpoint path) stores key=value, queues it for persistence, and
// updates the create/update counters and dirty-queue size.
func (vb *VBucket) Set(key, value []byte) (checkpoint.Classification, error) {
	vb.stateMu.RLock()
	defer vb.stateMu.RUnlock()
	if vb.state == Dead {
		atomic.AddUint64(&vb.opsReject, 1)
		return 0, epstatus.ErrNotMyVBucket
	}

	_, hit := vb.ht.Lookup(key)
	it := item.New(vb.id, key, value, item.Set).WithCAS(vb.nextCAS())
	class, seqItem, err := vb.checkpoints.QueueDirty(it, true)
	if err != nil {
		return class, err
	}

	vb.ht.Upsert(seqItem.Retain())
	if hit {
		atomic.AddUint64(&vb.opsUpdate, 1)
	} else {
		atomic.AddUint64(&vb.opsCreate, 1)
	}
	atomic.AddInt64(&vb.dirtyQueueSize, 1)
	if vb.filter != nil {
		vb.filter.Add(key)
	}
	return class, nil
}

// Delete queues a tombstone for key: the value is dropped from the
// hash entry immediately, but the key itself is retained as a
// tombstone entry (so repeat deletes and the persistence cursor still
// see it). The tombstone is not removed from the hash index once it
// is persisted or its checkpoint is purged; it stays until a later Set
// of the same key replaces it.
func (vb *VBucket) Delete(key []byte) (checkpoint.Classification, error) {
	vb.stateMu.RLock()
	defer vb.stateMu.RUnlock()
	if vb.state == Dead {
		atomic.AddUint64(&vb.opsReject, 1)
		return 0, epstatus.ErrNotMyVBucket
	}

	it := item.New(vb.id, key, nil, item.Delete).WithCAS(vb.nextCAS())
	class, seqItem, err := vb.checkpoints.QueueDirty(it, true)
	if err != nil {
		return class, err
	}

	vb.ht.Upsert(seqItem.Retain())
	atomic.AddUint64(&vb.opsDelete, 1)
	atomic.AddInt64(&vb.dirtyQueueSize, 1)
	return class, nil
}

// Get returns an immediate result on a hit (or on Dead / a
// bloom-filter-backed definite miss). On a genuine miss it enqueues
// (or, if another caller already did, joins) a background fetch and
// returns ErrWouldBlock alongside a channel that receives the
// eventual result exactly once.
func (vb *VBucket) Get(key []byte) (kvstore.GetResult, <-chan kvstore.GetResult) {
	vb.stateMu.RLock()
	defer vb.stateMu.RUnlock()
	if vb.state == Dead {
		return kvstore.GetResult{Status: epstatus.ErrNotMyVBucket}, nil
	}

	if it, ok := vb.ht.Lookup(key); ok {
		it.TouchNRU()
		if it.Operation() == item.Delete {
			return kvstore.GetResult{Status: epstatus.ErrKeyMissing}, nil
		}
		return kvstore.GetResult{Item: it}, nil
	}

	if vb.filter != nil && !vb.filter.MaybeContains(key) {
		return kvstore.GetResult{Status: epstatus.ErrKeyMissing}, nil
	}

	w := &kvstore.Waiter{Result: make(chan kvstore.GetResult, 1)}
	isFirst := vb.ht.GetOrAttachWaiter(key, w)
	if isFirst && vb.fetcher != nil {
		ch := vb.fetcher.Fetch(vb.id, key)
		go vb.completeFetch(key, ch)
	}
	return kvstore.GetResult{Status: epstatus.ErrWouldBlock}, w.Result
}

// completeFetch waits for the background fetcher's answer for key and
// fans it out to every waiter that coalesced onto this fetch, in the
// order they registered.
func (vb *VBucket) completeFetch(key []byte, ch <-chan kvstore.GetResult) {
	res := <-ch
	if res.Status == nil && res.Item != nil && vb.filter != nil {
		vb.filter.Add(key)
	}
	for _, w := range vb.ht.ResolveTempInitial(key, res) {
		w.Result <- res
	}
}

// SetState transitions the vBucket's lifecycle state, applying the
// side effects the new state requires: Active resolves every
// high-priority waiter with success, Dead fails them all with
// ErrNotMyVBucket and drops every checkpoint cursor (no further
// persistence or replication makes sense once the vBucket is gone).
func (vb *VBucket) SetState(to State) {
	vb.stateMu.Lock()
	from := vb.state
	vb.state = to
	vb.stateMu.Unlock()

	switch to {
	case Active:
		vb.resolveHighPriority(nil)
	case Dead:
		vb.resolveHighPriority(epstatus.ErrNotMyVBucket)
		vb.checkpoints.DropAllCursors()
	}
	vb.log.Info("vbucket state transition", "vbucket", vb.id, "from", from, "to", to)
}

// AddHighPriorityEntry registers interest in persistence reaching
// targetSeqno and returns a channel that receives exactly one result:
// nil on success, or an error status if the vBucket dies first.
func (vb *VBucket) AddHighPriorityEntry(targetSeqno uint64) <-chan error {
	ch := make(chan error, 1)
	vb.hpMu.Lock()
	vb.hpEntries = append(vb.hpEntries, &HighPriorityEntry{TargetSeqno: targetSeqno, Created: vb.clk.Now(), Notify: ch})
	vb.hpMu.Unlock()
	return ch
}

// NotifyPersistedSeqno resolves every high-priority entry whose target
// has now been reached, in registration order.
func (vb *VBucket) NotifyPersistedSeqno(persistedUpTo uint64) {
	vb.hpMu.Lock()
	remaining := vb.hpEntries[:0]
	var ready []*HighPriorityEntry
	for _, e := range vb.hpEntries {
		if e.TargetSeqno <= persistedUpTo {
			ready = append(ready, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	vb.hpEntries = remaining
	vb.hpMu.Unlock()

	for _, e := range ready {
		e.Notify <- nil
		close(e.Notify)
	}
}

func (vb *VBucket) resolveHighPriority(err error) {
	vb.hpMu.Lock()
	entries := vb.hpEntries
	vb.hpEntries = nil
	vb.hpMu.Unlock()

	for _, e := range entries {
		e.Notify <- err
		close(e.Notify)
	}
}

// NumHighPriorityWaiters reports how many entries are still pending,
// mirroring getHighPriorityChkSize.
func (vb *VBucket) NumHighPriorityWaiters() int {
	vb.hpMu.Lock()
	defer vb.hpMu.Unlock()
	return len(vb.hpEntries)
}

// Rollback cooperates with store to roll storage back to targetSeqno
// and, on success, resets this vBucket's persisted snapshot range from
// the result. The checkpoint log's high seqno and the hash index are
// left as they were. A result with FullResync set
// means the distance exceeded the 50% threshold and the caller should
// discard this vBucket and resync from scratch instead of trusting the
// partial rollback.
func (vb *VBucket) Rollback(ctx context.Context, store kvstore.KVStore, h kvstore.Handle, targetSeqno uint64) (kvstore.RollbackResult, error) {
	vb.stateMu.Lock()
	defer vb.stateMu.Unlock()

	res, err := store.Rollback(ctx, h, vb.id, targetSeqno)
	if err != nil {
		return res, kvstore.NormalizeErr(err)
	}
	if res.FullResync {
		return res, epstatus.ErrRollbackRequired
	}
	if res.Success {
		vb.snapMu.Lock()
		vb.persistedSnapStart = res.SnapStart
		vb.persistedSnapEnd = res.SnapEnd
		vb.snapMu.Unlock()
	}
	return res, nil
}
