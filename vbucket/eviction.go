package vbucket

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/ledgerwatch/ep-core/core/item"
)

// EvictionSweeper ages the not-recently-used counter across a
// vBucket's resident items and evicts the value payload (collapsing
// the entry to metadata-only) from whichever have gone a full sweep
// without being touched, bounding memory use under a value-eviction
// policy. Recently touched keys are tracked by a bounded LRU so a
// sweep can skip them in O(1) rather than re-deriving recency from the
// NRU counter alone.
type EvictionSweeper struct {
	vb     *VBucket
	recent *lru.Cache
}

// NewEvictionSweeper builds a sweeper over vb, remembering up to
// recentSize recently-touched keys between sweeps.
func NewEvictionSweeper(vb *VBucket, recentSize int) (*EvictionSweeper, error) {
	c, err := lru.New(recentSize)
	if err != nil {
		return nil, err
	}
	return &EvictionSweeper{vb: vb, recent: c}, nil
}

// Touch records key as recently accessed, exempting it from the next
// sweep's aging pass.
func (s *EvictionSweeper) Touch(key []byte) {
	s.recent.Add(string(key), struct{}{})
}

// Sweep ages every resident entry's NRU counter unless it was touched
// since the previous sweep, evicting (clearing the resident value,
// leaving the entry as metadata-only) any item whose counter had
// already reached item.MaxNRU before this sweep. Returns the number of
// items evicted.
func (s *EvictionSweeper) Sweep() int {
	evicted := 0
	for _, sh := range s.vb.ht.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.tempInitial || e.it == nil {
				continue
			}
			if _, recent := s.recent.Get(k); recent {
				continue
			}
			if e.it.NRU() >= item.MaxNRU {
				e.it = nil
				evicted++
				continue
			}
			e.it.AgeNRU()
		}
		sh.mu.Unlock()
	}
	s.recent.Purge()
	return evicted
}
