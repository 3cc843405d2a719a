// Package kvstore defines the storage KV-store interface the core
// consumes and a reference in-memory implementation used by tests and
// by warmup when no real backend is wired. It follows the
// Database/Cursor/HasTx vocabulary and the ObjectDatabase/NewMemDatabase
// shape of an Ethereum state database package, repurposed from an
// account/storage trie store to a generic per-vBucket item store. The
// real on-disk encoding is deliberately out of scope; this package only
// fixes the façade the core depends on.
package kvstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ledgerwatch/ep-core/core/epstatus"
	"github.com/ledgerwatch/ep-core/core/item"
)

// Mode selects how a shard's handle is opened.
type Mode int

const (
	ModeReadWrite Mode = iota
	ModeReadOnly
)

// ValueFilter controls whether Scan returns values at all, and in
// what form.
type ValueFilter int

const (
	ValuesDecompressed ValueFilter = iota
	ValuesCompressed
	KeysOnly
)

// DocumentFilter controls whether Scan skips tombstones.
type DocumentFilter int

const (
	AllItems DocumentFilter = iota
	NoDeletes
)

// MutationStatus is the result of a single Set/Delete against the
// store.
type MutationStatus int

const (
	MutationSuccess MutationStatus = iota
	MutationFailed
)

// GetResult is the result of a single Get.
type GetResult struct {
	Item    *item.Item
	Status  error
	Partial bool
}

// VBucketState is the persistent side-channel record stored by the
// storage layer under "_local/vbstate".
type VBucketState struct {
	VBucketID       uint16
	State           string
	CheckpointID    uint64
	HighSeqno       uint64
	MaxDeletedSeqno uint64
	SnapStart       uint64
	SnapEnd         uint64
	MaxCas          uint64
	DriftCounter    int64
	FailoverTable   []FailoverEntry
}

// FailoverEntry is one opaque {vb_uuid, seqno} pair.
// The core stores and hands these back; it never interprets them.
type FailoverEntry struct {
	VBUUID uint64
	Seqno  uint64
}

// Waiter is a single pending reader attached to a bg-fetch key.
type Waiter struct {
	Token  uint64
	Result chan GetResult
}

// ScanContext is an opaque handle returned by InitScanContext.
type ScanContext struct {
	vbucket    uint16
	startSeqno uint64
	docFilter  DocumentFilter
	valFilter  ValueFilter
	pos        int
}

// ScanStatus is the result of advancing a ScanContext.
type ScanStatus int

const (
	ScanSuccess ScanStatus = iota
	ScanAgain
	ScanFailed
)

// ScanCallback is invoked once per item a Scan yields.
type ScanCallback func(*item.Item) error

// RollbackResult reports the outcome of a Rollback call.
type RollbackResult struct {
	Success    bool
	HighSeqno  uint64
	SnapStart  uint64
	SnapEnd    uint64
	FullResync bool // rolled-back distance exceeded 50% of total
}

// DbFileInfo reports on-disk footprint for a shard.
type DbFileInfo struct {
	FileSize  int64
	SpaceUsed int64
}

// Handle is an opened shard handle, the receiver for every KVStore
// method below.
type Handle interface {
	ShardID() int
	Close() error
}

// KVStore is the façade the core's storage boundary specifies. The core never
// depends on any concrete encoding; it only calls through this
// interface.
type KVStore interface {
	Open(ctx context.Context, shardID int, path string, mode Mode) (Handle, error)

	Get(ctx context.Context, h Handle, vbucket uint16, key []byte, metaOnly bool) (GetResult, error)
	GetMulti(ctx context.Context, h Handle, vbucket uint16, waiters map[string][]*Waiter) error

	Set(ctx context.Context, h Handle, it *item.Item) (MutationStatus, error)
	Delete(ctx context.Context, h Handle, it *item.Item) (MutationStatus, error)
	Commit(ctx context.Context, h Handle) error

	Compact(ctx context.Context, h Handle) error
	DelVBucket(ctx context.Context, h Handle, vbucket uint16) error
	SnapshotVBucket(ctx context.Context, h Handle, vbucket uint16, state VBucketState, withCommit bool) error

	GetPersistedStats(ctx context.Context, h Handle) (map[string]string, error)
	ListPersistedVBuckets(ctx context.Context, h Handle) ([]VBucketState, error)

	InitScanContext(ctx context.Context, h Handle, vbucket uint16, startSeqno uint64, df DocumentFilter, vf ValueFilter) (*ScanContext, error)
	Scan(ctx context.Context, sc *ScanContext, cb ScanCallback) (ScanStatus, error)
	DestroyScanContext(sc *ScanContext)

	Rollback(ctx context.Context, h Handle, vbucket uint16, targetSeqno uint64) (RollbackResult, error)
	GetAllKeys(ctx context.Context, h Handle, vbucket uint16, startKey []byte, count int, cb func(key []byte) error) error
	GetNumItems(ctx context.Context, h Handle, vbucket uint16, minSeq, maxSeq uint64) (uint64, error)
	GetDbFileInfo(ctx context.Context, h Handle, vbucket uint16) (DbFileInfo, error)
}

var errClosed = errors.New("kvstore: handle closed")

// NormalizeErr maps a backend-specific error onto the core's taxonomy.
func NormalizeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errClosed) {
		return epstatus.ErrTmpFail
	}
	return epstatus.NormalizeStorageError(err)
}

// memShard is one shard's in-memory data, keyed by vbucket then key.
type memShard struct {
	mu     sync.RWMutex
	closed bool
	data   map[uint16]map[string]*item.Item
	states map[uint16]VBucketState
}

func newMemShard() *memShard {
	return &memShard{
		data:   make(map[uint16]map[string]*item.Item),
		states: make(map[uint16]VBucketState),
	}
}

func (s *memShard) ShardID() int { return 0 }
func (s *memShard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// MemStore is a reference, fully in-memory KVStore implementation. It
// never evicts and never actually persists anything to disk; it
// exists so the core's components (and their tests) have a concrete,
// dependency-free backend to run against, the way a NewMemDatabase
// gives staged-sync code a backend without a real LMDB/bbolt file.
type MemStore struct {
	mu     sync.Mutex
	shards map[int]*memShard
}

// NewMemStore returns an empty reference KVStore.
func NewMemStore() *MemStore {
	return &MemStore{shards: make(map[int]*memShard)}
}

func (m *MemStore) Open(_ context.Context, shardID int, _ string, _ Mode) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, ok := m.shards[shardID]
	if !ok {
		sh = newMemShard()
		m.shards[shardID] = sh
	}
	return sh, nil
}

func bucketOf(sh *memShard, vbucket uint16) map[string]*item.Item {
	b, ok := sh.data[vbucket]
	if !ok {
		b = make(map[string]*item.Item)
		sh.data[vbucket] = b
	}
	return b
}

func (m *MemStore) Get(_ context.Context, h Handle, vbucket uint16, key []byte, metaOnly bool) (GetResult, error) {
	sh := h.(*memShard)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if sh.closed {
		return GetResult{}, errClosed
	}
	it, ok := bucketOf(sh, vbucket)[string(key)]
	if !ok {
		return GetResult{Status: epstatus.ErrKeyMissing}, nil
	}
	return GetResult{Item: it, Partial: metaOnly}, nil
}

func (m *MemStore) GetMulti(ctx context.Context, h Handle, vbucket uint16, waiters map[string][]*Waiter) error {
	for key, ws := range waiters {
		res, err := m.Get(ctx, h, vbucket, []byte(key), false)
		if err != nil {
			return err
		}
		for _, w := range ws {
			w.Result <- res
		}
	}
	return nil
}

func (m *MemStore) Set(_ context.Context, h Handle, it *item.Item) (MutationStatus, error) {
	sh := h.(*memShard)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed {
		return MutationFailed, errClosed
	}
	bucketOf(sh, it.VBucket())[string(it.Key())] = it
	return MutationSuccess, nil
}

func (m *MemStore) Delete(_ context.Context, h Handle, it *item.Item) (MutationStatus, error) {
	sh := h.(*memShard)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed {
		return MutationFailed, errClosed
	}
	delete(bucketOf(sh, it.VBucket()), string(it.Key()))
	return MutationSuccess, nil
}

func (m *MemStore) Commit(context.Context, Handle) error { return nil }

func (m *MemStore) Compact(context.Context, Handle) error { return nil }

func (m *MemStore) DelVBucket(_ context.Context, h Handle, vbucket uint16) error {
	sh := h.(*memShard)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.data, vbucket)
	delete(sh.states, vbucket)
	return nil
}

func (m *MemStore) SnapshotVBucket(_ context.Context, h Handle, vbucket uint16, state VBucketState, _ bool) error {
	sh := h.(*memShard)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	state.VBucketID = vbucket
	sh.states[vbucket] = state
	return nil
}

func (m *MemStore) GetPersistedStats(context.Context, Handle) (map[string]string, error) {
	return map[string]string{}, nil
}

func (m *MemStore) ListPersistedVBuckets(_ context.Context, h Handle) ([]VBucketState, error) {
	sh := h.(*memShard)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make([]VBucketState, 0, len(sh.states))
	for _, st := range sh.states {
		out = append(out, st)
	}
	return out, nil
}

func (m *MemStore) InitScanContext(_ context.Context, _ Handle, vbucket uint16, startSeqno uint64, df DocumentFilter, vf ValueFilter) (*ScanContext, error) {
	return &ScanContext{vbucket: vbucket, startSeqno: startSeqno, docFilter: df, valFilter: vf}, nil
}

func (m *MemStore) Scan(_ context.Context, sc *ScanContext, cb ScanCallback) (ScanStatus, error) {
	m.mu.Lock()
	sh, ok := m.shards[0]
	m.mu.Unlock()
	if !ok {
		return ScanSuccess, nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	items := bucketOf(sh, sc.vbucket)
	// Deterministic order for a reference implementation: sort by key.
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		it := items[k]
		if it.BySeqno() < sc.startSeqno {
			continue
		}
		if sc.docFilter == NoDeletes && it.Operation() == 1 /* Delete */ {
			continue
		}
		if err := cb(it); err != nil {
			return ScanFailed, err
		}
	}
	return ScanSuccess, nil
}

func (m *MemStore) DestroyScanContext(*ScanContext) {}

func (m *MemStore) Rollback(_ context.Context, h Handle, vbucket uint16, targetSeqno uint64) (RollbackResult, error) {
	return RollbackResult{Success: true, HighSeqno: targetSeqno}, nil
}

func (m *MemStore) GetAllKeys(_ context.Context, h Handle, vbucket uint16, startKey []byte, count int, cb func([]byte) error) error {
	sh := h.(*memShard)
	sh.mu.RLock()
	items := bucketOf(sh, vbucket)
	keys := make([]string, 0, len(items))
	for k := range items {
		if k >= string(startKey) {
			keys = append(keys, k)
		}
	}
	sh.mu.RUnlock()
	sort.Strings(keys)
	for i, k := range keys {
		if count > 0 && i >= count {
			break
		}
		if err := cb([]byte(k)); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) GetNumItems(_ context.Context, h Handle, vbucket uint16, minSeq, maxSeq uint64) (uint64, error) {
	sh := h.(*memShard)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	var n uint64
	for _, it := range bucketOf(sh, vbucket) {
		if it.BySeqno() >= minSeq && (maxSeq == 0 || it.BySeqno() <= maxSeq) {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) GetDbFileInfo(context.Context, Handle, uint16) (DbFileInfo, error) {
	return DbFileInfo{}, nil
}
