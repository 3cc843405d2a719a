package vbucket

import (
	"hash/fnv"
	"sync"

	"github.com/ledgerwatch/ep-core/core/item"
	"github.com/ledgerwatch/ep-core/kvstore"
)

// entry is one hash index slot. A resident entry holds a real Item; a
// temp-initial entry (it == nil, tempInitial true) marks a key whose
// background fetch is already in flight, with every caller that asked
// for it since attached as a waiter, to be resolved in registration
// order once the fetch completes.
type entry struct {
	key         []byte
	it          *item.Item
	tempInitial bool
	waiters     []*kvstore.Waiter
}

// htShard is one lock stripe of the HashTable, the Go equivalent of a
// single bucket chain's lock in a sharded hash index: big enough that
// concurrent keys rarely collide, small enough that one writer never
// blocks the whole table.
type htShard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// HashTable is the per-vBucket in-memory key index: resident items for
// fast hits, temp-initial placeholders while a miss is in flight, all
// partitioned across lock stripes keyed by key hash.
type HashTable struct {
	shards []*htShard
}

// NewHashTable returns a HashTable with the given number of lock
// stripes. shardCount is rounded up to 1.
func NewHashTable(shardCount int) *HashTable {
	if shardCount < 1 {
		shardCount = 1
	}
	ht := &HashTable{shards: make([]*htShard, shardCount)}
	for i := range ht.shards {
		ht.shards[i] = &htShard{entries: make(map[string]*entry)}
	}
	return ht
}

func (ht *HashTable) shardFor(key []byte) *htShard {
	h := fnv.New32a()
	h.Write(key)
	return ht.shards[h.Sum32()%uint32(len(ht.shards))]
}

// Lookup returns the resident item for key, if any. A temp-initial
// entry (fetch in flight) does not count as a hit.
func (ht *HashTable) Lookup(key []byte) (*item.Item, bool) {
	s := ht.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[string(key)]
	if !ok || e.tempInitial || e.it == nil {
		return nil, false
	}
	return e.it, true
}

// Upsert stores it as the resident value for its key, replacing
// whatever was there (resident or temp-initial). Reports isNew: true
// if the key had no prior resident entry (an insert rather than an
// update), for the caller's opsCreate/opsUpdate bookkeeping.
func (ht *HashTable) Upsert(it *item.Item) (isNew bool) {
	key := it.Key()
	s := ht.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[string(key)]
	isNew = !ok || e.tempInitial || e.it == nil
	s.entries[string(key)] = &entry{key: key, it: it}
	return isNew
}

// Remove deletes key's entry entirely.
func (ht *HashTable) Remove(key []byte) {
	s := ht.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, string(key))
}

// GetOrAttachWaiter is the Get-miss path: if key has no entry, it
// creates a temp-initial placeholder, attaches w as its sole waiter,
// and reports isFirst=true so the caller knows to enqueue the actual
// background fetch. If a temp-initial entry already exists, w is
// appended to its waiter list (registration order preserved) and
// isFirst is false: the caller must not enqueue a second fetch.
func (ht *HashTable) GetOrAttachWaiter(key []byte, w *kvstore.Waiter) (isFirst bool) {
	s := ht.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[string(key)]
	if ok && e.tempInitial {
		e.waiters = append(e.waiters, w)
		return false
	}
	s.entries[string(key)] = &entry{key: key, tempInitial: true, waiters: []*kvstore.Waiter{w}}
	return true
}

// ResolveTempInitial replaces key's temp-initial entry with the
// fetched outcome and returns every attached waiter in registration
// order so the caller can deliver res to each exactly once. A
// successful fetch becomes the new resident entry; a miss or error
// clears the placeholder so the next Get retries the fetch.
func (ht *HashTable) ResolveTempInitial(key []byte, res kvstore.GetResult) []*kvstore.Waiter {
	s := ht.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[string(key)]
	if !ok || !e.tempInitial {
		return nil
	}
	waiters := e.waiters
	if res.Status == nil && res.Item != nil {
		s.entries[string(key)] = &entry{key: key, it: res.Item}
	} else {
		delete(s.entries, string(key))
	}
	return waiters
}

// Size reports the total number of entries (resident and
// temp-initial) across every shard.
func (ht *HashTable) Size() int {
	n := 0
	for _, s := range ht.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// MarkMetadataOnly installs (or downgrades) key's entry to a
// metadata-only placeholder: the key is known and counted, but a
// Lookup treats it as a miss (so a Get falls through to a background
// fetch) because no value is held in memory. Used by warmup's KeyDump
// stage, which needs "known key, no resident value" distinct from
// "never seen this key"; EvictionSweeper leaves an evicted entry in
// the same shape by clearing its value in place.
func (ht *HashTable) MarkMetadataOnly(key []byte) {
	s := ht.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[string(key)] = &entry{key: key}
}

// MetadataOnlyKeys returns every key whose entry is currently
// metadata-only (key known, no resident value), for warmup's
// LoadingData stage to fill in.
func (ht *HashTable) MetadataOnlyKeys() [][]byte {
	var keys [][]byte
	for _, s := range ht.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			if !e.tempInitial && e.it == nil {
				keys = append(keys, e.key)
			}
		}
		s.mu.RUnlock()
	}
	return keys
}

// ExpiredKeys returns the key of every resident item whose expiry has
// passed as of now (Unix seconds), for the expiry pager's sweep.
func (ht *HashTable) ExpiredKeys(now int64) [][]byte {
	var keys [][]byte
	for _, s := range ht.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			if !e.tempInitial && e.it != nil && e.it.IsExpired(now) {
				keys = append(keys, e.key)
			}
		}
		s.mu.RUnlock()
	}
	return keys
}
