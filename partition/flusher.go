package partition

import (
	"context"
	"time"

	"github.com/ledgerwatch/ep-core/checkpoint"
	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/core/item"
	"github.com/ledgerwatch/ep-core/executor"
	"github.com/ledgerwatch/ep-core/kvstore"
	"github.com/ledgerwatch/ep-core/log"
	"github.com/ledgerwatch/ep-core/vbucket"
)

// idleSnooze is how long the flusher waits before checking for new
// work again once a pass found nothing to drain.
const idleSnooze = 10 * time.Millisecond

// Flusher is the Writer-class task that drains every vBucket owned by
// a partition's persistence cursor and applies the drained items to
// the backing store, the Go counterpart of kvshard.h's Flusher field.
// Replication/backup cursors are independent of this task: they are
// drained by whatever owns the outbound stream, not by persistence.
type Flusher struct {
	group  *Group
	pool   *executor.Pool
	bucket *executor.Bucket
	taskID uint64
	clk    clock.Clock
	log    log.Logger
}

// NewFlusher builds a flusher over group. It is not yet scheduled;
// call Start once the owning pool is available.
func NewFlusher(group *Group, clk clock.Clock) *Flusher {
	return &Flusher{group: group, clk: clk, log: log.New("component", "flusher", "partition", group.id)}
}

func (f *Flusher) Describe() string { return "flusher" }

// Start schedules the flusher under the Writer class.
func (f *Flusher) Start(pool *executor.Pool, bucket *executor.Bucket) {
	f.pool = pool
	f.bucket = bucket
	f.taskID = pool.Schedule(f, executor.Writer, bucket, true)
}

// Stop cancels the flusher's task.
func (f *Flusher) Stop() {
	if f.pool == nil {
		return
	}
	f.pool.Cancel(f.taskID, true)
}

// Run drains the persistence cursor of every vBucket this partition
// owns, applies the drained items to storage, commits once per vBucket
// that had items to drain, and notifies each vBucket's high-priority waiters and persisted
// snapshot range. It satisfies executor.Task.
func (f *Flusher) Run(ctx context.Context, self *executor.Handle) bool {
	drained := 0
	for _, id := range f.group.VBucketsSortedByState() {
		vb, ok := f.group.Bucket(id)
		if !ok {
			continue
		}
		n, err := f.flushOne(ctx, vb)
		if err != nil {
			f.log.Warn("flush failed", "vbucket", id, "err", err)
			continue
		}
		drained += n
	}

	if drained == 0 {
		self.Snooze(idleSnooze)
	} else {
		self.Snooze(0)
	}
	return true
}

// flushOne drains vb's persistence cursor, writes every item to
// storage, commits, records the persisted snapshot range, and wakes
// any high-priority waiter whose target seqno was reached.
func (f *Flusher) flushOne(ctx context.Context, vb *vbucket.VBucket) (int, error) {
	items, snap, err := vb.Checkpoints().GetAllItemsForCursor(checkpoint.PersistenceCursorName)
	if err != nil || len(items) == 0 {
		return 0, err
	}

	for _, it := range items {
		var werr error
		switch it.Operation() {
		case item.Delete:
			_, werr = f.group.store.Delete(ctx, f.group.rw, it)
		case item.Set:
			_, werr = f.group.store.Set(ctx, f.group.rw, it)
		default:
			continue // CheckpointStart/CheckpointEnd/Flush/Empty carry no payload to persist
		}
		if werr != nil {
			return 0, kvstore.NormalizeErr(werr)
		}
	}
	if err := f.group.store.Commit(ctx, f.group.rw); err != nil {
		return 0, kvstore.NormalizeErr(err)
	}

	vb.NotifyPersistedSeqno(snap.End)
	vb.SetPersistedSnapshot(snap.Start, snap.End)
	return len(items), nil
}
