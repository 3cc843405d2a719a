package partition

import (
	"context"
	"time"

	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/executor"
	"github.com/ledgerwatch/ep-core/log"
)

// ExpiryPagerStats reports how many tombstones the pager has queued.
type ExpiryPagerStats struct {
	Expired int
}

// ExpiryPager is a NonIO-class periodic task that walks every owned
// vBucket's hash index for items past their expiry and queues a
// Delete for each, the same GC shape the checkpoint remover uses for
// unreferenced checkpoints. Not named in spec.md; grounded on
// vbucket.h/ep_time.h's expiry handling, which the distillation
// dropped but which every complete implementation of this system
// needs.
type ExpiryPager struct {
	groups []*Group
	period time.Duration
	clk    clock.Clock
	log    log.Logger

	pool   *executor.Pool
	bucket *executor.Bucket
	taskID uint64

	stats ExpiryPagerStats
}

// NewExpiryPager builds a pager over groups, sweeping every period.
func NewExpiryPager(groups []*Group, period time.Duration, clk clock.Clock) *ExpiryPager {
	if period <= 0 {
		period = time.Minute
	}
	return &ExpiryPager{groups: groups, period: period, clk: clk, log: log.New("component", "expiry-pager")}
}

func (p *ExpiryPager) Describe() string { return "expiry-pager" }

// Start schedules the pager under the NonIO class.
func (p *ExpiryPager) Start(pool *executor.Pool, bucket *executor.Bucket) {
	p.pool = pool
	p.bucket = bucket
	p.taskID = pool.Schedule(p, executor.NonIO, bucket, false)
}

// Stop cancels the pager's task.
func (p *ExpiryPager) Stop() {
	if p.pool == nil {
		return
	}
	p.pool.Cancel(p.taskID, true)
}

// Stats reports how many tombstones the pager has queued so far.
func (p *ExpiryPager) Stats() ExpiryPagerStats { return p.stats }

// Run sweeps every owned vBucket once, queuing a Delete for each
// expired key found, then reschedules itself after period. It
// satisfies executor.Task.
func (p *ExpiryPager) Run(ctx context.Context, self *executor.Handle) bool {
	p.sweep()
	self.Snooze(p.period)
	return true
}

// sweep performs one expiry pass over every owned vBucket, queuing a
// Delete for each resident item whose expiry has passed.
func (p *ExpiryPager) sweep() {
	now := p.clk.Now().Unix()
	for _, g := range p.groups {
		for _, id := range g.VBucketIDs() {
			vb, ok := g.Bucket(id)
			if !ok {
				continue
			}
			for _, key := range vb.ExpiredKeys(now) {
				if _, err := vb.Delete(key); err != nil {
					p.log.Warn("failed to queue expiry delete", "vbucket", id, "err", err)
					continue
				}
				p.stats.Expired++
			}
		}
	}
}
