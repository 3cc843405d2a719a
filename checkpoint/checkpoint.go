// Package checkpoint implements the per-vBucket checkpoint manager: an
// ordered mutation log with per-key deduplication and named,
// cursor-driven consumption. Its "ordered, resumable, cursor-tracked
// log" idiom follows the skip-already-applied-entry pattern of a
// migration runner and the progress-tracking StageState pattern used
// to walk an ordered KV scan incrementally.
//
// checkpoint_start/checkpoint_end are ordinary Items routed through a
// checkpoint's separate meta-key index, and are delivered to cursors
// exactly like any other item.
package checkpoint

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petar/GoLLRB/llrb"

	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/core/epstatus"
	"github.com/ledgerwatch/ep-core/core/item"
	"github.com/ledgerwatch/ep-core/kvstore/bitmapdb"
	"github.com/ledgerwatch/ep-core/log"
)

// PersistenceCursorName is the distinguished cursor name the core
// reserves for the flush path.
const PersistenceCursorName = "persistence"

// State is a checkpoint's place in its state machine:
// Open --(close)--> Closed --(all cursors leave, not head-of-list)--> Removed.
type State int

const (
	Open State = iota
	Closed
)

func (s State) String() string {
	if s == Open {
		return "Open"
	}
	return "Closed"
}

// Classification is queueDirty's report of how a mutation was applied,
// used by the caller to update persistence statistics.
type Classification int

const (
	NewItem Classification = iota
	ExistingItem
	PersistAgain
)

func (c Classification) String() string {
	switch c {
	case NewItem:
		return "NewItem"
	case ExistingItem:
		return "ExistingItem"
	case PersistAgain:
		return "PersistAgain"
	default:
		return "Unknown"
	}
}

// SnapshotRange is the [snapStart, snapEnd] interval a drain covers.
type SnapshotRange struct {
	Start uint64
	End   uint64
}

var (
	ErrCursorNotFound = errors.New("checkpoint: cursor not found")
	ErrCursorExists   = errors.New("checkpoint: cursor already registered")
	ErrCheckpointGone = errors.New("checkpoint: checkpoint id no longer available; caller must schedule a backfill from storage")
)

// Checkpoint is a bounded ordered segment of one vBucket's mutation
// log. Checkpoints are linked in a singly-linked list
// (oldest at the manager's head, the open checkpoint always the tail)
// rather than indexed by slice position, so removing leading closed
// checkpoints never invalidates a cursor's position in a still-live
// checkpoint further down the list.
type Checkpoint struct {
	id           uint64
	state        State
	snapStart    uint64
	snapEnd      uint64
	createdAt    time.Time
	items        []*item.Item // nil slots are tombstoned (deduplicated-away) entries
	keyIndex     map[string]int
	metaKeyIndex map[string]int
	cursorNames  map[string]struct{}
	realItems    int
	next         *Checkpoint
}

func (c *Checkpoint) ID() uint64              { return c.id }
func (c *Checkpoint) State() State            { return c.state }
func (c *Checkpoint) SnapRange() SnapshotRange { return SnapshotRange{c.snapStart, c.snapEnd} }
func (c *Checkpoint) NumCursors() int         { return len(c.cursorNames) }
func (c *Checkpoint) NumRealItems() int       { return c.realItems }

func newCheckpoint(id uint64, vbucket uint16, snapStart uint64, now time.Time) *Checkpoint {
	c := &Checkpoint{
		id:           id,
		state:        Open,
		snapStart:    snapStart,
		snapEnd:      snapStart,
		createdAt:    now,
		keyIndex:     make(map[string]int),
		metaKeyIndex: make(map[string]int),
		cursorNames:  make(map[string]struct{}),
	}
	start := item.MetaCheckpointStart(vbucket, snapStart)
	c.items = append(c.items, start)
	c.metaKeyIndex[string(start.Key())] = 0
	return c
}

// cursor is a named position within the checkpoint list: a pointer to
// the checkpoint currently being read plus an index into its items.
// idx is the index of the NEXT item Next will return.
type cursor struct {
	name          string
	chk           *Checkpoint
	idx           int
	offset        uint64
	fromBeginning bool
	lastBySeqno   uint64
}

// Manager owns one vBucket's checkpoint list, its cursor map, and the
// monotonic bySeqno counter. A single mutex guards all mutation, never
// held while calling back into storage or the hash index.
type Manager struct {
	mu      sync.Mutex
	vbucket uint16
	log     log.Logger

	head, tail *Checkpoint
	byID       map[uint64]*Checkpoint
	cursors    map[string]*cursor

	lastBySeqno          uint64
	lastClosedChkBySeqno uint64
	numItems             int

	maxItems int
	maxAge   time.Duration
	clk      clock.Clock
	pins     *bitmapdb.PinTracker

	// onNewOpenCheckpoint is invoked whenever removeClosedUnrefCheckpoints
	// is forced to create a fresh open checkpoint, so the caller (the
	// checkpoint remover) can notify replication.
	onNewOpenCheckpoint func()
}

// Config bundles the Manager's tunables: the configured maximum item
// count and configured age a checkpoint may reach before closing, plus
// the bySeqno to resume numbering from (warmup restoring a vBucket
// from persisted state; zero for a brand new vBucket).
type Config struct {
	MaxItems   int
	MaxAge     time.Duration
	StartSeqno uint64
}

// NewManager creates an empty checkpoint list (one open checkpoint,
// id 1) and registers the persistence cursor at its start.
func NewManager(vbucket uint16, cfg Config, clk clock.Clock, pins *bitmapdb.PinTracker) *Manager {
	m := &Manager{
		vbucket:     vbucket,
		log:         log.New("component", "checkpoint", "vbucket", vbucket),
		byID:        make(map[uint64]*Checkpoint),
		cursors:     make(map[string]*cursor),
		maxItems:    cfg.MaxItems,
		maxAge:      cfg.MaxAge,
		clk:         clk,
		pins:        pins,
		lastBySeqno: cfg.StartSeqno,
	}
	first := newCheckpoint(1, vbucket, 0, clk.Now())
	m.head, m.tail = first, first
	m.byID[first.id] = first
	m.cursors[PersistenceCursorName] = &cursor{name: PersistenceCursorName, chk: first, idx: 0}
	first.cursorNames[PersistenceCursorName] = struct{}{}
	return m
}

// OnNewOpenCheckpoint registers a callback invoked when
// RemoveClosedUnrefCheckpoints is forced to fabricate a fresh open
// checkpoint.
func (m *Manager) OnNewOpenCheckpoint(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNewOpenCheckpoint = fn
}

// NumItems is the manager-wide live item count.
func (m *Manager) NumItems() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numItems
}

// NumCheckpoints reports how many checkpoints (open plus closed,
// unreferenced ones not yet purged) this manager currently holds.
func (m *Manager) NumCheckpoints() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// LastBySeqno is the most recently assigned sequence number.
func (m *Manager) LastBySeqno() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBySeqno
}

// cursorBlocksDedup reports whether any registered cursor sits at or
// left of index ei within the open checkpoint: either it has not yet
// consumed items[ei], or it has not yet reached the open checkpoint at
// all. Since the open checkpoint is always the list's tail, any cursor
// positioned on an earlier checkpoint necessarily qualifies.
func (m *Manager) cursorBlocksDedup(ei int) bool {
	for _, c := range m.cursors {
		if c.chk != m.tail {
			return true
		}
		if c.idx <= ei {
			return true
		}
	}
	return false
}

// QueueDirty assigns (or validates) a bySeqno, deduplicates against
// the open checkpoint's key index, appends the item, and closes the
// open checkpoint if it has grown past its configured bounds.
// The returned Item is the one actually queued (bySeqno assigned), so
// callers that also maintain a hash index can Retain() it for the
// index entry rather than keeping their unstamped copy.
func (m *Manager) QueueDirty(it *item.Item, genSeqno bool) (Classification, *item.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var seqItem *item.Item
	if genSeqno {
		m.lastBySeqno++
		seqItem = it.WithSeqno(m.lastBySeqno)
	} else {
		seqItem = it
		if seqItem.BySeqno() > m.lastBySeqno {
			m.lastBySeqno = seqItem.BySeqno()
		}
	}

	open := m.tail
	key := string(seqItem.Key())
	var class Classification

	if ei, ok := open.keyIndex[key]; ok {
		if m.cursorBlocksDedup(ei) {
			class = PersistAgain
			open.items = append(open.items, seqItem)
			open.keyIndex[key] = len(open.items) - 1
			open.realItems++
			m.numItems++
		} else {
			class = ExistingItem
			open.items[ei] = nil // tombstone: superseded, no cursor still needs it
			open.items = append(open.items, seqItem)
			open.keyIndex[key] = len(open.items) - 1
			// realItems and numItems unchanged: one removed, one added
		}
	} else {
		class = NewItem
		open.items = append(open.items, seqItem)
		open.keyIndex[key] = len(open.items) - 1
		open.realItems++
		m.numItems++
	}
	open.snapEnd = seqItem.BySeqno()
	if open.snapStart == 0 {
		open.snapStart = seqItem.BySeqno()
	}
	m.pins.MarkRetained(m.vbucket, seqItem.BySeqno())

	if open.realItems >= m.maxItems || (m.maxItems > 0 && m.clk.Now().Sub(open.createdAt) >= m.maxAge && m.maxAge > 0) {
		m.closeOpenCheckpointLocked()
	}
	return class, seqItem, nil
}

// createNewCheckpoint appends a brand new open checkpoint after the
// current tail without closing anything — used only when the list has
// no open checkpoint at all (defensive: RemoveClosedUnrefCheckpoints
// never actually removes the tail, so this path is a safety net, not
// a normal transition).
func (m *Manager) createNewCheckpoint() *Checkpoint {
	var id uint64 = 1
	var snapStart uint64
	if m.tail != nil {
		id = m.tail.id + 1
		snapStart = m.tail.snapEnd
	}
	nc := newCheckpoint(id, m.vbucket, snapStart, m.clk.Now())
	if m.tail != nil {
		m.tail.next = nc
	}
	m.tail = nc
	if m.head == nil {
		m.head = nc
	}
	m.byID[nc.id] = nc
	return nc
}

// CloseOpenCheckpoint closes the current open checkpoint and opens a
// new one, repositioning caught-up cursors to the new checkpoint.
func (m *Manager) CloseOpenCheckpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeOpenCheckpointLocked()
}

func (m *Manager) closeOpenCheckpointLocked() {
	old := m.tail
	caughtUpLen := len(old.items)

	old.state = Closed
	end := item.MetaCheckpointEnd(m.vbucket, old.snapEnd)
	old.items = append(old.items, end)
	old.metaKeyIndex[string(end.Key())] = len(old.items) - 1
	m.lastClosedChkBySeqno = old.snapEnd

	next := newCheckpoint(old.id+1, m.vbucket, old.snapEnd, m.clk.Now())
	old.next = next
	m.tail = next
	m.byID[next.id] = next

	for name, c := range m.cursors {
		if c.chk == old && c.idx >= caughtUpLen {
			delete(old.cursorNames, name)
			c.chk = next
			c.idx = 1 // first real item slot, right after checkpoint_start
			next.cursorNames[name] = struct{}{}
		}
	}
	m.log.Debug("closed checkpoint", "id", old.id, "newOpenID", next.id, "snapEnd", old.snapEnd)
}

// RegisterCursor registers (or replaces) a named cursor. Exactly one of
// checkpointID or bySeqno should be used to select a start position;
// pass hasCheckpointID=false to position by bySeqno instead.
func (m *Manager) RegisterCursor(name string, checkpointID uint64, hasCheckpointID bool, bySeqno uint64, alwaysFromBeginning bool) (startSeqno uint64, atBoundary bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hasCheckpointID {
		chk, ok := m.byID[checkpointID]
		if !ok {
			return 0, false, fmt.Errorf("checkpoint %d: %w", checkpointID, ErrCheckpointGone)
		}
		m.setCursorLocked(name, chk, 0, alwaysFromBeginning)
		return chk.items[0].BySeqno(), true, nil
	}

	// Scan the list for the first non-tombstoned item whose bySeqno is
	// >= the requested value.
	for chk := m.head; chk != nil; chk = chk.next {
		for idx, it := range chk.items {
			if it == nil {
				continue
			}
			if it.BySeqno() >= bySeqno {
				if chk == m.tail && chk.state == Open {
					m.closeOpenCheckpointLocked()
					chk = m.byID[chk.id] // now closed, same pointer, re-fetched for clarity
				}
				m.setCursorLocked(name, chk, idx, alwaysFromBeginning)
				return it.BySeqno(), idx == 0, nil
			}
		}
	}

	// Nothing at or past bySeqno exists yet: park at the end of the
	// open checkpoint; it will produce nothing until a new mutation
	// arrives.
	m.setCursorLocked(name, m.tail, len(m.tail.items), alwaysFromBeginning)
	return bySeqno, false, nil
}

func (m *Manager) setCursorLocked(name string, chk *Checkpoint, idx int, fromBeginning bool) {
	if old, ok := m.cursors[name]; ok {
		delete(old.chk.cursorNames, name)
	}
	c := &cursor{name: name, chk: chk, idx: idx, fromBeginning: fromBeginning}
	m.cursors[name] = c
	chk.cursorNames[name] = struct{}{}
}

// RemoveCursor unregisters name.
func (m *Manager) RemoveCursor(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrCursorNotFound)
	}
	delete(c.chk.cursorNames, name)
	delete(m.cursors, name)
	return nil
}

// DropAllCursors unregisters every cursor, including the persistence
// cursor. Used when a vBucket transitions to Dead: no further
// persistence or replication is meaningful for it.
func (m *Manager) DropAllCursors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.cursors))
	for name, c := range m.cursors {
		delete(c.chk.cursorNames, name)
		names = append(names, name)
	}
	m.cursors = make(map[string]*cursor)
	return names
}

// NextItem advances the named cursor by one item, crossing checkpoint
// boundaries as needed, skipping tombstoned (deduplicated-away)
// entries. Returns (nil, false, nil) when there is nothing past the
// cursor.
func (m *Manager) NextItem(name string) (*item.Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[name]
	if !ok {
		return nil, false, fmt.Errorf("%s: %w", name, ErrCursorNotFound)
	}
	for {
		if c.idx >= len(c.chk.items) {
			if c.chk.next == nil {
				return nil, false, nil
			}
			delete(c.chk.cursorNames, name)
			c.chk = c.chk.next
			c.idx = 0
			c.chk.cursorNames[name] = struct{}{}
			continue
		}
		it := c.chk.items[c.idx]
		c.idx++
		if it == nil {
			continue
		}
		if name == PersistenceCursorName && !it.Operation().IsMeta() {
			if it.BySeqno() < c.lastBySeqno {
				epstatus.MustNotHappen("persistence cursor bySeqno decreased",
					"vbucket", m.vbucket, "checkpoint", c.chk.id, "prev", c.lastBySeqno, "got", it.BySeqno())
			}
			c.lastBySeqno = it.BySeqno()
		}
		c.offset++
		isLast := c.idx >= len(c.chk.items) && c.chk.next == nil
		return it, isLast, nil
	}
}

// GetAllItemsForCursor drains items from the named cursor across every
// Closed checkpoint ahead of it and then through whatever the open
// checkpoint currently holds, leaving the cursor at the open
// checkpoint's end, and reports the snapshot range the drain covered,
// used by the persistence cursor to build a flush batch.
func (m *Manager) GetAllItemsForCursor(name string) ([]*item.Item, SnapshotRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[name]
	if !ok {
		return nil, SnapshotRange{}, fmt.Errorf("%s: %w", name, ErrCursorNotFound)
	}

	var out []*item.Item
	var rng SnapshotRange
	first := true
	for {
		for c.idx < len(c.chk.items) {
			it := c.chk.items[c.idx]
			c.idx++
			if it == nil {
				continue
			}
			c.offset++
			out = append(out, it)
			if first {
				rng.Start = c.chk.snapStart
				first = false
			}
			rng.End = c.chk.snapEnd
		}
		if c.chk.state != Closed || c.chk.next == nil {
			break
		}
		delete(c.chk.cursorNames, name)
		c.chk = c.chk.next
		c.idx = 0
		c.chk.cursorNames[name] = struct{}{}
	}
	return out, rng, nil
}

// RemoveClosedUnrefCheckpoints removes every leading Closed checkpoint
// with no registered cursor, reports how many real (non-meta) items
// were purged, and reports whether it had to fabricate a fresh open
// checkpoint because none remained.
func (m *Manager) RemoveClosedUnrefCheckpoints() (purged int, newOpenCreated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.head != nil && m.head != m.tail && m.head.state == Closed && len(m.head.cursorNames) == 0 {
		for _, it := range m.head.items {
			if it == nil {
				continue
			}
			if !it.Operation().IsMeta() {
				purged++
			}
			m.pins.MarkReleased(m.vbucket, it.BySeqno())
		}
		delete(m.byID, m.head.id)
		m.head = m.head.next
	}
	if m.head == nil {
		m.createNewCheckpoint()
		newOpenCreated = true
		if m.onNewOpenCheckpoint != nil {
			m.onNewOpenCheckpoint()
		}
	}
	return purged, newOpenCreated
}

// cursorRankItem orders a replication cursor by the checkpoint id it is
// pinned at, breaking ties by name so the llrb.Tree never collapses two
// distinct cursors parked on the same checkpoint into one node.
type cursorRankItem struct {
	chkID uint64
	name  string
}

func (a *cursorRankItem) Less(other llrb.Item) bool {
	b := other.(*cursorRankItem)
	if a.chkID != b.chkID {
		return a.chkID < b.chkID
	}
	return a.name < b.name
}

// GetListOfCursorsToDrop returns replication cursor names (the
// persistence cursor is never a candidate), ordered so the cursor
// pinning the oldest checkpoint — and therefore the most memory —
// comes first.
func (m *Manager) GetListOfCursorsToDrop() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	tree := llrb.New()
	for name, c := range m.cursors {
		if name == PersistenceCursorName {
			continue
		}
		tree.ReplaceOrInsert(&cursorRankItem{chkID: c.chk.id, name: name})
	}
	if tree.Len() == 0 {
		return nil
	}
	names := make([]string, 0, tree.Len())
	tree.AscendGreaterOrEqual(tree.Min(), func(i llrb.Item) bool {
		names = append(names, i.(*cursorRankItem).name)
		return true
	})
	return names
}
