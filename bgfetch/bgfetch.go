// Package bgfetch implements the per-shard background fetcher: a
// single Reader-class task that batches cache-miss lookups against the
// storage KV-store, coalescing waiters for the same key behind one
// getMulti call rather than issuing a round trip per caller. It
// follows the notify/drain/getMulti/snooze cycle of a dedicated fetch
// task, and the request-queue coalescing idiom (group pending work by
// key before the I/O call, fan the single result back out to every
// waiter) used by a staged-sync download queue.
package bgfetch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/executor"
	"github.com/ledgerwatch/ep-core/kvstore"
	"github.com/ledgerwatch/ep-core/log"
)

// MinSleep is the floor on the fetcher's idle snooze, regardless of
// how small the configured delay is.
const MinSleep = time.Millisecond

// BgFetchItem is one pending lookup queued against a vBucket: a key
// and the waiter that should be woken with its result.
type BgFetchItem struct {
	Key    []byte
	Waiter *kvstore.Waiter
}

// CreationChecker reports whether a vBucket's storage file is still
// being created, in which case a fetch against it must be deferred
// rather than attempted.
type CreationChecker func(vbucket uint16) bool

// Config tunes the fetcher's idle pacing.
type Config struct {
	// Delay is the configured bg_fetch_delay: how long to idle
	// between batches when no new request has arrived.
	Delay time.Duration
}

// Shard is one shard's background fetcher: a pending flag, a set of
// vBuckets with outstanding fetches, and the queued items themselves.
// It is scheduled as a single Reader-class executor.Task, so exactly
// one goroutine ever drains it at a time.
type Shard struct {
	pending int32 // atomic bool: 0 or 1

	mu         sync.Mutex
	pendingVBs map[uint16]struct{}
	items      map[uint16][]BgFetchItem
	nextToken  uint64

	store      kvstore.KVStore
	handle     kvstore.Handle
	isCreating CreationChecker

	pool   *executor.Pool
	bucket *executor.Bucket
	taskID uint64

	limiter *rate.Limiter
	clk     clock.Clock
	log     log.Logger
}

// NewShard builds a fetcher over store/handle. isCreating may be nil,
// in which case no vBucket is ever treated as "still being created".
func NewShard(store kvstore.KVStore, handle kvstore.Handle, cfg Config, clk clock.Clock, isCreating CreationChecker) *Shard {
	if isCreating == nil {
		isCreating = func(uint16) bool { return false }
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = MinSleep
	}
	return &Shard{
		pendingVBs: make(map[uint16]struct{}),
		items:      make(map[uint16][]BgFetchItem),
		store:      store,
		handle:     handle,
		isCreating: isCreating,
		limiter:    rate.NewLimiter(rate.Every(delay), 1),
		clk:        clk,
		log:        log.New("component", "bgfetch"),
	}
}

// Describe satisfies executor.Task.
func (s *Shard) Describe() string { return "bg-fetcher" }

// Start registers the fetcher with pool under the Reader class and
// keeps the returned task id so later notifications can wake it.
func (s *Shard) Start(pool *executor.Pool, bucket *executor.Bucket) {
	s.pool = pool
	s.bucket = bucket
	s.taskID = pool.Schedule(s, executor.Reader, bucket, false)
}

// Stop cancels the fetcher's task, erasing it once it next observes
// the cancellation.
func (s *Shard) Stop() {
	if s.pool == nil {
		return
	}
	s.pool.Cancel(s.taskID, true)
}

// notifyBGEvent atomically flips pending false->true and, only on
// that transition, wakes the task. Safe to call from any goroutine;
// every call briefly takes s.mu to record vbucket as pending.
func (s *Shard) notifyBGEvent(vbucket uint16) {
	s.mu.Lock()
	s.pendingVBs[vbucket] = struct{}{}
	s.mu.Unlock()

	if atomic.CompareAndSwapInt32(&s.pending, 0, 1) && s.pool != nil {
		s.pool.Wake(s.taskID)
	}
}

// Fetch queues key against vbucket and returns a channel that receives
// exactly one GetResult once the next batch services it.
func (s *Shard) Fetch(vbucket uint16, key []byte) <-chan kvstore.GetResult {
	w := &kvstore.Waiter{Result: make(chan kvstore.GetResult, 1)}

	s.mu.Lock()
	s.nextToken++
	w.Token = s.nextToken
	s.items[vbucket] = append(s.items[vbucket], BgFetchItem{Key: key, Waiter: w})
	s.mu.Unlock()

	s.notifyBGEvent(vbucket)
	return w.Result
}

// snapshotPending clears the pending flag and the pending-vBucket set
// under a short lock, returning the vBucket ids to drain this round.
func (s *Shard) snapshotPending() []uint16 {
	atomic.StoreInt32(&s.pending, 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	vbs := make([]uint16, 0, len(s.pendingVBs))
	for vb := range s.pendingVBs {
		vbs = append(vbs, vb)
	}
	s.pendingVBs = make(map[uint16]struct{})
	return vbs
}

// PendingCount reports how many vBuckets currently have a bg-fetch
// batch queued, without draining them. For metrics sampling only.
func (s *Shard) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingVBs)
}

// reArm re-queues vb (its storage file is not ready yet) and makes
// sure the pending flag is set so the next pass picks it back up.
func (s *Shard) reArm(vb uint16) {
	s.mu.Lock()
	s.pendingVBs[vb] = struct{}{}
	s.mu.Unlock()
	atomic.CompareAndSwapInt32(&s.pending, 0, 1)
}

// drainItems removes and returns every pending item queued against vb,
// grouped by key so repeat requests for one key share a single
// getMulti entry.
func (s *Shard) drainItems(vb uint16) map[string][]*kvstore.Waiter {
	s.mu.Lock()
	pending := s.items[vb]
	delete(s.items, vb)
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	grouped := make(map[string][]*kvstore.Waiter, len(pending))
	for _, it := range pending {
		k := string(it.Key)
		grouped[k] = append(grouped[k], it.Waiter)
	}
	return grouped
}

// Run is the task body: drain every pending vBucket's queued items,
// service them with one getMulti per vBucket, and deliver results to
// every waiter exactly once. It satisfies executor.Task.
func (s *Shard) Run(ctx context.Context, self *executor.Handle) bool {
	vbs := s.snapshotPending()

	for _, vb := range vbs {
		if s.isCreating(vb) {
			s.reArm(vb)
			continue
		}

		grouped := s.drainItems(vb)
		if len(grouped) == 0 {
			continue
		}

		if err := s.store.GetMulti(ctx, s.handle, vb, grouped); err != nil {
			status := kvstore.NormalizeErr(err)
			s.log.Warn("bg-fetch getMulti failed", "vbucket", vb, "err", err)
			for _, ws := range grouped {
				for _, w := range ws {
					// Non-blocking: a waiter the store already
					// serviced before failing has a full buffer.
					select {
					case w.Result <- kvstore.GetResult{Status: status}:
					default:
					}
				}
			}
		}
	}

	if atomic.LoadInt32(&s.pending) != 0 {
		// A new request arrived while this batch ran; run again
		// immediately rather than sleeping past it.
		self.Snooze(0)
		return true
	}

	r := s.limiter.ReserveN(s.clk.Now(), 1)
	delay := r.DelayFrom(s.clk.Now())
	if delay < MinSleep {
		delay = MinSleep
	}
	self.Snooze(delay)
	return true
}
