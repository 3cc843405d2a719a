// Package bloom wraps a per-vBucket probabilistic existence filter
// used to short-circuit Get-miss background fetches: a key absent
// from the filter is known not to exist in storage, so the caller can
// return KeyMissing without ever queuing a fetch. This plays the same
// role a sync-progress bloom filter plays ahead of a trie database —
// a fast, approximate "could this possibly be there" gate in front of
// an expensive lookup — adapted here from trie-node hashes to raw
// item keys.
package bloom

import (
	"hash"
	"hash/fnv"
	"sync"

	"github.com/holiman/bloomfilter/v2"
)

// Filter is a swappable, lock-protected bloom filter for one vBucket.
// A rebuild (e.g. driven by compaction) populates the temp filter via
// AddToTemp while Get-miss lookups keep consulting the live one, then
// calls Swap once the rebuild is complete so readers never observe a
// partially-built filter.
type Filter struct {
	mu     sync.RWMutex
	filter *bloomfilter.Filter
	temp   *bloomfilter.Filter

	n uint64
	p float64
}

// New creates a Filter sized for keyCount entries at the given false
// positive probability.
func New(keyCount uint64, falsePosRate float64) (*Filter, error) {
	if keyCount == 0 {
		keyCount = 1
	}
	f, err := bloomfilter.NewOptimal(keyCount, falsePosRate)
	if err != nil {
		return nil, err
	}
	return &Filter{filter: f, n: keyCount, p: falsePosRate}, nil
}

// newEmpty builds a fresh, empty filter with the same size parameters
// as this Filter's live one. The error NewOptimal could return was
// already ruled out by New's successful construction of the same n/p.
func (bf *Filter) newEmpty() *bloomfilter.Filter {
	f, _ := bloomfilter.NewOptimal(bf.n, bf.p)
	return f
}

func keyHash(key []byte) hash.Hash64 {
	h := fnv.New64a()
	h.Write(key)
	return h
}

// Add records key as present.
func (bf *Filter) Add(key []byte) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.filter.Add(keyHash(key))
}

// MaybeContains reports whether key could be present. False means
// definitely absent; true means "check storage to be sure."
func (bf *Filter) MaybeContains(key []byte) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.filter.Contains(keyHash(key))
}

// AddToTemp records key as present in the background temp filter
// instead of the live one, so a compaction rebuild can accumulate a
// fresh filter's contents without readers observing it until Swap.
// Lazily starts a new, empty temp filter on first use.
func (bf *Filter) AddToTemp(key []byte) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.temp == nil {
		bf.temp = bf.newEmpty()
	}
	bf.temp.Add(keyHash(key))
}

// Clear discards whatever the temp filter has accumulated so far,
// for an aborted or restarted rebuild pass. The live filter is
// untouched.
func (bf *Filter) Clear() {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.temp = nil
}

// Swap promotes the temp filter to live — the point at which a
// just-finished rebuild starts being consulted by Get-miss
// lookups — and resets temp to empty. A Swap with nothing staged in
// temp is a no-op.
func (bf *Filter) Swap() {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.temp == nil {
		return
	}
	bf.filter = bf.temp
	bf.temp = nil
}

// Size reports the filter's bit-array size.
func (bf *Filter) Size() uint64 {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.filter.M()
}

// NumKeys reports how many keys have been Added.
func (bf *Filter) NumKeys() uint64 {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.filter.N()
}
