package partition

import (
	"context"
	"sort"
	"time"

	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/executor"
	"github.com/ledgerwatch/ep-core/log"
	"github.com/ledgerwatch/ep-core/vbucket"
)

// RemoverConfig bundles the checkpoint remover's inputs: how often it
// runs, and the hooks it calls out to for memory accounting and
// replication, none of which this package owns.
type RemoverConfig struct {
	Interval time.Duration
	// MemoryStats reports the engine's current memory usage alongside
	// the lower and upper cursor-dropping watermarks. A nil MemoryStats
	// skips pass 2 (cursor dropping) entirely.
	MemoryStats func() (used, lowerMark, upperMark uint64)
	// NotifyStateChange is called once per vBucket whose checkpoint
	// manager had to open a fresh checkpoint during pass 1, so whoever
	// owns that vBucket's replication connections can be nudged to
	// resume. A nil NotifyStateChange is a no-op.
	NotifyStateChange func(vbucket uint16)
	// DropCursor asks whoever owns a named replication cursor to
	// release it; it may refuse (e.g. to avoid violating a replication
	// invariant). A nil DropCursor accepts every offer, appropriate for
	// a deployment with no replication connection pool wired in.
	DropCursor func(vbucket uint16, cursor string) bool
}

// RemoverStats reports what the remover's most recent passes found.
type RemoverStats struct {
	PurgedItems    int
	CursorsDropped int
}

// CheckpointRemover is the periodic NonIO-class task that runs
// checkpoint GC (pass 1) and, under memory pressure, cursor dropping
// (pass 2) across every vBucket in its groups. Grounded on
// checkpoint_remover.cc's ClosedUnrefCheckpointRemoverTask: pass 1
// mirrors its CheckpointVisitor sweep, pass 2 mirrors
// cursorDroppingIfNeeded's watermark-gated ranking loop.
type CheckpointRemover struct {
	groups []*Group
	cfg    RemoverConfig
	clk    clock.Clock
	log    log.Logger

	pool   *executor.Pool
	bucket *executor.Bucket
	taskID uint64

	stats RemoverStats
}

// NewCheckpointRemover builds a remover over groups. It is not yet
// scheduled; call Start once the owning pool is available.
func NewCheckpointRemover(groups []*Group, cfg RemoverConfig, clk clock.Clock) *CheckpointRemover {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &CheckpointRemover{groups: groups, cfg: cfg, clk: clk, log: log.New("component", "checkpoint-remover")}
}

func (r *CheckpointRemover) Describe() string { return "checkpoint-remover" }

// Start schedules the remover under the NonIO class.
func (r *CheckpointRemover) Start(pool *executor.Pool, bucket *executor.Bucket) {
	r.pool = pool
	r.bucket = bucket
	r.taskID = pool.Schedule(r, executor.NonIO, bucket, false)
}

// Stop cancels the remover's task.
func (r *CheckpointRemover) Stop() {
	if r.pool == nil {
		return
	}
	r.pool.Cancel(r.taskID, true)
}

// Stats reports what the remover has found so far.
func (r *CheckpointRemover) Stats() RemoverStats { return r.stats }

// Run performs one checkpoint-removal pass and, if configured and over
// the upper memory mark, one cursor-dropping pass, then reschedules
// itself after the configured interval. It satisfies executor.Task.
func (r *CheckpointRemover) Run(ctx context.Context, self *executor.Handle) bool {
	r.removeClosedUnrefCheckpoints()
	r.dropCursorsIfNeeded()
	self.Snooze(r.cfg.Interval)
	return true
}

// removeClosedUnrefCheckpoints is pass 1: purge every leading closed,
// unreferenced checkpoint from every owned vBucket, notifying
// replication whenever that purge forced a fresh open checkpoint.
func (r *CheckpointRemover) removeClosedUnrefCheckpoints() {
	for _, g := range r.groups {
		for _, id := range g.VBucketIDs() {
			vb, ok := g.Bucket(id)
			if !ok {
				continue
			}
			purged, newOpenCreated := vb.Checkpoints().RemoveClosedUnrefCheckpoints()
			r.stats.PurgedItems += purged
			if purged > 0 {
				r.log.Info("removed closed unreferenced checkpoints", "vbucket", id, "items", purged)
			}
			if newOpenCreated && r.cfg.NotifyStateChange != nil {
				r.cfg.NotifyStateChange(id)
			}
		}
	}
}

// vbRank is one candidate for pass 2's ranking: the vBucket, and how
// much checkpoint memory its owning group's pin tracker attributes to
// it right now.
type vbRank struct {
	group  *Group
	vb     *vbucket.VBucket
	pinned uint64
}

// dropCursorsIfNeeded is pass 2: only runs once total memory use
// exceeds the upper mark, and only drops cursors (largest-pinning
// active vBucket first) until bytesToClear is satisfied. The
// persistence cursor is never a candidate — checkpoint.Manager's
// GetListOfCursorsToDrop already excludes it.
func (r *CheckpointRemover) dropCursorsIfNeeded() {
	if r.cfg.MemoryStats == nil {
		return
	}
	used, lowerMark, upperMark := r.cfg.MemoryStats()
	if used <= upperMark {
		return
	}
	bytesToClear := used - lowerMark

	var candidates []vbRank
	for _, g := range r.groups {
		for _, id := range g.VBucketIDs() {
			vb, ok := g.Bucket(id)
			if !ok || vb.State() != vbucket.Active {
				continue
			}
			candidates = append(candidates, vbRank{group: g, vb: vb, pinned: g.Pins().Pinned(id)})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].pinned > candidates[j].pinned })

	var cleared uint64
	for _, c := range candidates {
		if cleared >= bytesToClear {
			break
		}
		for _, name := range c.vb.Checkpoints().GetListOfCursorsToDrop() {
			if cleared >= bytesToClear {
				break
			}
			accepted := r.cfg.DropCursor == nil || r.cfg.DropCursor(c.vb.ID(), name)
			if !accepted {
				continue
			}
			if err := c.vb.Checkpoints().RemoveCursor(name); err != nil {
				r.log.Warn("failed to remove dropped cursor", "vbucket", c.vb.ID(), "cursor", name, "err", err)
				continue
			}
			r.stats.CursorsDropped++
			purged, _ := c.vb.Checkpoints().RemoveClosedUnrefCheckpoints()
			r.stats.PurgedItems += purged
			cleared += uint64(purged)
		}
	}
}
