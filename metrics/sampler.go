package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/executor"
	"github.com/ledgerwatch/ep-core/partition"
	"github.com/ledgerwatch/ep-core/warmup"
)

// Sampler is a NonIO-class periodic task that re-reads the live gauges
// and counter deltas off the subsystems it's given and pushes them
// into a Registry. It owns no state of its own beyond the last
// counter values it has observed, the same snooze-and-reschedule shape
// as the checkpoint remover and expiry pager.
type Sampler struct {
	reg      *Registry
	groups   []*partition.Group
	removers []*partition.CheckpointRemover
	pagers   []*partition.ExpiryPager
	pool     *executor.Pool
	machine  *warmup.Machine
	period   time.Duration
	clk      clock.Clock

	lastPurged  int
	lastDropped int
	lastExpired int

	bucket *executor.Bucket
	taskID uint64
}

// SamplerConfig bundles everything a Sampler reads from. Any field may
// be left zero/nil; the corresponding metrics are simply never
// updated (e.g. a deployment with no warmup machine left running).
type SamplerConfig struct {
	Groups   []*partition.Group
	Removers []*partition.CheckpointRemover
	Pagers   []*partition.ExpiryPager
	Pool     *executor.Pool
	Machine  *warmup.Machine
	Period   time.Duration
}

// NewSampler builds a Sampler over cfg, reporting into reg.
func NewSampler(reg *Registry, cfg SamplerConfig) *Sampler {
	period := cfg.Period
	if period <= 0 {
		period = 10 * time.Second
	}
	return &Sampler{
		reg:      reg,
		groups:   cfg.Groups,
		removers: cfg.Removers,
		pagers:   cfg.Pagers,
		pool:     cfg.Pool,
		machine:  cfg.Machine,
		period:   period,
		clk:      clock.System{},
	}
}

func (s *Sampler) Describe() string { return "metrics-sampler" }

// Start schedules the sampler under the NonIO class.
func (s *Sampler) Start(pool *executor.Pool, bucket *executor.Bucket) {
	s.pool = pool
	s.bucket = bucket
	s.taskID = pool.Schedule(s, executor.NonIO, bucket, false)
}

// Stop cancels the sampler's task.
func (s *Sampler) Stop() {
	if s.pool == nil {
		return
	}
	s.pool.Cancel(s.taskID, true)
}

// Run performs one sampling pass, then reschedules itself after the
// configured period. It satisfies executor.Task.
func (s *Sampler) Run(ctx context.Context, self *executor.Handle) bool {
	s.sample()
	self.Snooze(s.period)
	return true
}

// sample re-reads every configured source once.
func (s *Sampler) sample() {
	for _, g := range s.groups {
		for _, id := range g.VBucketIDs() {
			vb, ok := g.Bucket(id)
			if !ok {
				continue
			}
			label := strconv.Itoa(int(id))
			s.reg.CheckpointItems.WithLabelValues(label).Set(float64(vb.Checkpoints().NumItems()))
			s.reg.NumCheckpoints.WithLabelValues(label).Set(float64(vb.Checkpoints().NumCheckpoints()))
		}
		if f := g.Fetcher(); f != nil {
			s.reg.BgFetchPending.WithLabelValues(strconv.Itoa(int(g.ID()))).Set(float64(f.PendingCount()))
		}
	}

	var purged, dropped, expired int
	for _, r := range s.removers {
		st := r.Stats()
		purged += st.PurgedItems
		dropped += st.CursorsDropped
	}
	for _, p := range s.pagers {
		expired += p.Stats().Expired
	}
	if d := purged - s.lastPurged; d > 0 {
		s.reg.CheckpointsPurged.Add(float64(d))
	}
	if d := dropped - s.lastDropped; d > 0 {
		s.reg.CursorsDropped.Add(float64(d))
	}
	if d := expired - s.lastExpired; d > 0 {
		s.reg.ExpiredItems.Add(float64(d))
	}
	s.lastPurged, s.lastDropped, s.lastExpired = purged, dropped, expired

	if s.pool != nil {
		s.reg.ExecutorTasksLive.Set(float64(s.pool.NumTasks()))
	}

	if s.machine != nil {
		st := s.machine.Stats()
		s.reg.WarmupStage.Set(float64(s.machine.Stage()))
		s.reg.WarmupElapsedSeconds.Set(st.Elapsed.Seconds())
		for id, n := range st.EstimatedItems {
			s.reg.WarmupEstimatedItems.WithLabelValues(strconv.Itoa(int(id))).Set(float64(n))
		}
	}
}
