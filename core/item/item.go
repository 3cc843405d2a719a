// Package item implements the engine's unit of storage. Items are
// shared by reference between the hash index and checkpoint queues:
// lifetime equals the longest-living holder, modeled here as an
// atomically refcounted immutable value body.
package item

import (
	"sync/atomic"
)

// Operation is the kind of mutation an Item represents.
type Operation uint8

const (
	Set Operation = iota
	Delete
	CheckpointStart
	CheckpointEnd
	Flush
	Empty
)

func (o Operation) String() string {
	switch o {
	case Set:
		return "Set"
	case Delete:
		return "Delete"
	case CheckpointStart:
		return "CheckpointStart"
	case CheckpointEnd:
		return "CheckpointEnd"
	case Flush:
		return "Flush"
	case Empty:
		return "Empty"
	default:
		return "Unknown"
	}
}

// IsMeta reports whether op is one of the internal meta operations
// (checkpoint_start / checkpoint_end / empty) rather than a real
// client mutation. These flow through a cursor's Next like any other
// item.
func (o Operation) IsMeta() bool {
	switch o {
	case CheckpointStart, CheckpointEnd, Empty:
		return true
	default:
		return false
	}
}

// MaxNRU is the highest value the not-recently-used counter can hold.
const MaxNRU = 3

// ContentType is a small tag describing how Value should be
// interpreted by the caller (raw bytes, JSON, etc.); the core treats
// it as opaque.
type ContentType uint8

const (
	ContentRaw ContentType = iota
	ContentJSON
)

// body is the immutable payload shared by every holder of an Item.
type body struct {
	key         []byte
	value       []byte
	compressed  bool
	contentType ContentType
	cas         uint64
	revSeqno    uint64
	flags       uint32
	expiry      int64
	vbucket     uint16
	bySeqno     uint64
	op          Operation
}

// Item is a shared-ownership handle over an immutable body. Copying an
// Item copies the handle, not the body; WithSeqno and WithCAS produce
// a new item with its own body and refcount so callers can derive a
// changed item (e.g. on Set/Replace) without mutating any handle still
// held by another component.
type Item struct {
	b   *body
	nru *int32
	rc  *int32
}

// New constructs an Item that is its own sole owner (refcount 1).
func New(vbucket uint16, key, value []byte, op Operation) *Item {
	rc := int32(1)
	nru := int32(0)
	return &Item{
		b: &body{
			key:     append([]byte(nil), key...),
			value:   append([]byte(nil), value...),
			vbucket: vbucket,
			op:      op,
		},
		nru: &nru,
		rc:  &rc,
	}
}

// Retain increments the shared refcount and returns the same logical
// item under a new handle, modeling the hash index and a checkpoint
// entry sharing one body.
func (it *Item) Retain() *Item {
	atomic.AddInt32(it.rc, 1)
	return &Item{b: it.b, nru: it.nru, rc: it.rc}
}

// Release decrements the shared refcount. The body becomes eligible
// for garbage collection once the Go runtime observes no reachable
// handle; Release exists so components can assert "last holder gone"
// where the spec requires it (e.g. bg-fetch waiter cleanup).
func (it *Item) Release() int32 {
	return atomic.AddInt32(it.rc, -1)
}

// RefCount reports the number of outstanding handles.
func (it *Item) RefCount() int32 { return atomic.LoadInt32(it.rc) }

func (it *Item) Key() []byte          { return it.b.key }
func (it *Item) Value() []byte        { return it.b.value }
func (it *Item) Compressed() bool     { return it.b.compressed }
func (it *Item) ContentType() ContentType { return it.b.contentType }
func (it *Item) CAS() uint64          { return it.b.cas }
func (it *Item) RevSeqno() uint64     { return it.b.revSeqno }
func (it *Item) Flags() uint32        { return it.b.flags }
func (it *Item) Expiry() int64        { return it.b.expiry }
func (it *Item) VBucket() uint16      { return it.b.vbucket }
func (it *Item) BySeqno() uint64      { return it.b.bySeqno }
func (it *Item) Operation() Operation { return it.b.op }
func (it *Item) NRU() int             { return int(atomic.LoadInt32(it.nru)) }

// IsExpired reports whether the item's expiry has passed as of now
// (Unix seconds). An expiry of 0 means "never expires".
func (it *Item) IsExpired(now int64) bool {
	return it.b.expiry != 0 && it.b.expiry <= now
}

// TouchNRU resets the not-recently-used counter to 0 (the item was
// just accessed).
func (it *Item) TouchNRU() {
	atomic.StoreInt32(it.nru, 0)
}

// AgeNRU increments the not-recently-used counter, clamped to MaxNRU,
// for the eviction sweep to consider this item a better eviction
// candidate than more recently touched ones.
func (it *Item) AgeNRU() {
	for {
		cur := atomic.LoadInt32(it.nru)
		if cur >= MaxNRU {
			return
		}
		if atomic.CompareAndSwapInt32(it.nru, cur, cur+1) {
			return
		}
	}
}

// WithSeqno returns a new Item handle (sole owner, refcount 1) sharing
// no state with it, identical except for its bySeqno. Values are
// immutable once stored: a replacement always creates a new item
// rather than mutating an existing body in place.
func (it *Item) WithSeqno(seqno uint64) *Item {
	nb := *it.b
	nb.bySeqno = seqno
	rc := int32(1)
	nru := int32(0)
	return &Item{b: &nb, nru: &nru, rc: &rc}
}

// WithCAS returns a new Item handle (sole owner, refcount 1) sharing
// no state with it, identical except for its cas.
func (it *Item) WithCAS(cas uint64) *Item {
	nb := *it.b
	nb.cas = cas
	rc := int32(1)
	nru := int32(0)
	return &Item{b: &nb, nru: &nru, rc: &rc}
}

// Builder constructs an Item field-by-field using a struct-literal-then-
// setter idiom.
type Builder struct {
	b body
}

func NewBuilder(vbucket uint16, key []byte, op Operation) *Builder {
	return &Builder{b: body{key: append([]byte(nil), key...), vbucket: vbucket, op: op}}
}

func (bl *Builder) Value(v []byte) *Builder {
	bl.b.value = append([]byte(nil), v...)
	return bl
}

func (bl *Builder) Compressed(c bool) *Builder {
	bl.b.compressed = c
	return bl
}

func (bl *Builder) ContentType(ct ContentType) *Builder {
	bl.b.contentType = ct
	return bl
}

func (bl *Builder) CAS(cas uint64) *Builder {
	bl.b.cas = cas
	return bl
}

func (bl *Builder) RevSeqno(rev uint64) *Builder {
	bl.b.revSeqno = rev
	return bl
}

func (bl *Builder) Flags(f uint32) *Builder {
	bl.b.flags = f
	return bl
}

func (bl *Builder) Expiry(e int64) *Builder {
	bl.b.expiry = e
	return bl
}

func (bl *Builder) BySeqno(s uint64) *Builder {
	bl.b.bySeqno = s
	return bl
}

func (bl *Builder) Build() *Item {
	b := bl.b
	rc := int32(1)
	nru := int32(0)
	return &Item{b: &b, nru: &nru, rc: &rc}
}

// MetaCheckpointStart builds the internal checkpoint_start meta item
// for a vBucket, stored in a checkpoint's meta-key index rather than
// its regular key index.
func MetaCheckpointStart(vbucket uint16, seqno uint64) *Item {
	return NewBuilder(vbucket, []byte("checkpoint_start"), CheckpointStart).BySeqno(seqno).Build()
}

// MetaCheckpointEnd builds the internal checkpoint_end meta item.
func MetaCheckpointEnd(vbucket uint16, seqno uint64) *Item {
	return NewBuilder(vbucket, []byte("checkpoint_end"), CheckpointEnd).BySeqno(seqno).Build()
}
