// Package bitmapdb ranks vBuckets by the bySeqno ranges their
// checkpoints currently pin in memory, for the checkpoint remover's
// cursor-dropping order. It is adapted from an ethdb/bitmapdb-style
// package that shards RoaringBitmaps of block numbers per key; here
// one RoaringBitmap per vBucket accumulates the bySeqnos still held in
// its checkpoints, and Cardinality is used directly as
// the "how much does this vBucket pin" ranking signal.
package bitmapdb

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// PinTracker accumulates, per vBucket, the bySeqnos that are currently
// retained in memory: marked when an item is queued into a checkpoint
// and released when that checkpoint is removed.
type PinTracker struct {
	mu   sync.Mutex
	bits map[uint16]*roaring.Bitmap
}

// New returns an empty PinTracker.
func New() *PinTracker {
	return &PinTracker{bits: make(map[uint16]*roaring.Bitmap)}
}

// MarkRetained records that seqno is currently pinned for vbucket.
func (p *PinTracker) MarkRetained(vbucket uint16, seqno uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bm, ok := p.bits[vbucket]
	if !ok {
		bm = roaring.New()
		p.bits[vbucket] = bm
	}
	bm.Add(uint32(seqno))
}

// MarkReleased records that seqno is no longer pinned for vbucket
// (the checkpoint containing it was removed).
func (p *PinTracker) MarkReleased(vbucket uint16, seqno uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bm, ok := p.bits[vbucket]; ok {
		bm.Remove(uint32(seqno))
	}
}

// Pinned reports how many distinct bySeqnos are currently retained for
// vbucket — the ranking weight used to pick the vBucket whose checkpoint
// memory pin is largest.
func (p *PinTracker) Pinned(vbucket uint16) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	bm, ok := p.bits[vbucket]
	if !ok {
		return 0
	}
	return bm.GetCardinality()
}

// RankDescending returns every tracked vBucket ordered by Pinned,
// largest first, the order the cursor dropper walks when picking
// candidates.
func (p *PinTracker) RankDescending() []uint16 {
	p.mu.Lock()
	type pair struct {
		vb    uint16
		count uint64
	}
	pairs := make([]pair, 0, len(p.bits))
	for vb, bm := range p.bits {
		pairs = append(pairs, pair{vb, bm.GetCardinality()})
	}
	p.mu.Unlock()

	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j-1].count < pairs[j].count; j-- {
			pairs[j-1], pairs[j] = pairs[j], pairs[j-1]
		}
	}
	out := make([]uint16, len(pairs))
	for i, pr := range pairs {
		out[i] = pr.vb
	}
	return out
}

// Drop removes all tracking for vbucket (it was deleted or completely
// drained).
func (p *PinTracker) Drop(vbucket uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bits, vbucket)
}
