// Package warmup implements the staged recovery pipeline that rebuilds
// in-memory vBucket state from persistent storage on startup. It is
// grounded on migrations/migrations.go's sequential, skip-if-applied
// pipeline (a fixed ordered list of steps, each one run at most once)
// and on the staged, resumable sync model an eth/stagedsync Stage
// embodies (each stage does its unit of work and hands off to the
// next), adapted from "apply every migration in order" to "advance
// through a fixed, one-way state machine, short-circuiting to Done the
// moment client traffic is enabled."
package warmup

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ledgerwatch/ep-core/checkpoint"
	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/executor"
	"github.com/ledgerwatch/ep-core/log"
	"github.com/ledgerwatch/ep-core/partition"
	"github.com/ledgerwatch/ep-core/vbucket"
)

// Stage is a step in the warmup pipeline. Transitions are one-way;
// only the listed successor(s) are legal from each stage.
type Stage int

const (
	Initialize Stage = iota
	CreateVBuckets
	EstimateItemCount
	KeyDump
	CheckForAccessLog
	LoadingAccessLog
	LoadingKVPairs
	LoadingData
	Done
)

func (s Stage) String() string {
	switch s {
	case Initialize:
		return "Initialize"
	case CreateVBuckets:
		return "CreateVBuckets"
	case EstimateItemCount:
		return "EstimateItemCount"
	case KeyDump:
		return "KeyDump"
	case CheckForAccessLog:
		return "CheckForAccessLog"
	case LoadingAccessLog:
		return "LoadingAccessLog"
	case LoadingKVPairs:
		return "LoadingKVPairs"
	case LoadingData:
		return "LoadingData"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// EvictionPolicy selects which value-loading stages apply.
type EvictionPolicy int

const (
	// ValueEviction keeps every key's metadata resident and evicts only
	// values under memory pressure: warmup runs KeyDump, then fills
	// values lazily or via LoadingData/LoadingAccessLog.
	ValueEviction EvictionPolicy = iota
	// FullEviction evicts whole items, key and all: warmup has no
	// key-only view to dump and instead loads full key+value pairs
	// directly in LoadingKVPairs.
	FullEviction
)

// AccessLogEntry is one replayed record: a vBucket and a key that was
// resident when the access log was last written.
type AccessLogEntry struct {
	VBucket uint16
	Key     []byte
}

// AccessLogReader replays a persisted access log, the ordered list of
// keys that were resident in memory at last checkpoint. Read returns
// the primary log's entries; on a corrupt primary log ReadFallback is
// tried (the ".old" copy), and if that also fails warmup falls back to
// LoadingKVPairs or LoadingData per the eviction policy.
type AccessLogReader interface {
	Read() ([]AccessLogEntry, error)
	ReadFallback() ([]AccessLogEntry, error)
}

// Config bundles warmup's inputs: the shard groups to populate, the
// eviction policy governing which stages run, and the hooks the
// engine supplies for traffic-enable and access-log replay.
type Config struct {
	Groups         []*partition.Group
	EvictionPolicy EvictionPolicy
	AccessLog      AccessLogReader // nil: always skip straight to KV/data loading
	// Checkpoint sizes the checkpoint log every vBucket CreateVBuckets
	// constructs, the same way the engine sizes any other vBucket's.
	Checkpoint checkpoint.Config
	// TrafficEnable reports whether the memory- or count-based
	// threshold for enabling client traffic has been reached. Checked
	// before every stage; once true, warmup short-circuits to Done.
	TrafficEnable func() bool
}

// Stats reports what each stage discovered, for the engine's own
// stats surface.
type Stats struct {
	CleanShutdown  bool
	EstimatedItems map[uint16]uint64
	Elapsed        time.Duration
}

// Machine drives the pipeline forward one stage per Run, scheduled as
// a single AuxIO-class task so warmup never competes with client I/O
// for Reader/Writer capacity.
type Machine struct {
	cfg Config
	clk clock.Clock
	log log.Logger
	rnd *rand.Rand

	// mu guards stage and stats, which Run mutates from the pool's
	// dispatcher goroutine while Stop, Stage, and Stats may be called
	// from whatever goroutine owns the Machine.
	mu        sync.Mutex
	stage     Stage
	startedAt time.Time
	stats     Stats
	doneCh    chan struct{}

	pool   *executor.Pool
	bucket *executor.Bucket
	taskID uint64
}

// New builds a Machine ready to run, starting at Initialize.
func New(cfg Config, clk clock.Clock) *Machine {
	if cfg.TrafficEnable == nil {
		cfg.TrafficEnable = func() bool { return false }
	}
	return &Machine{
		cfg:    cfg,
		clk:    clk,
		log:    log.New("component", "warmup"),
		rnd:    rand.New(rand.NewSource(clk.Now().UnixNano())),
		stage:  Initialize,
		stats:  Stats{EstimatedItems: make(map[uint16]uint64)},
		doneCh: make(chan struct{}),
	}
}

func (m *Machine) Describe() string { return "warmup" }

// Start schedules the machine under the AuxIO class.
func (m *Machine) Start(pool *executor.Pool, bucket *executor.Bucket) {
	m.startedAt = m.clk.Now()
	m.pool = pool
	m.bucket = bucket
	m.taskID = pool.Schedule(m, executor.AuxIO, bucket, true)
}

// Stop cancels the machine's task without waiting for it to reach
// Done, the cooperative-cancellation equivalent of the engine's own
// stop(): the task observes the terminal state on its next scheduling
// and exits immediately.
func (m *Machine) Stop() {
	m.mu.Lock()
	m.stage = Done
	m.mu.Unlock()
	if m.pool != nil {
		m.pool.Cancel(m.taskID, true)
	}
	m.finish()
}

// Stage reports the current pipeline stage.
func (m *Machine) Stage() Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage
}

// Done returns a channel closed once the pipeline reaches Done.
func (m *Machine) Done() <-chan struct{} { return m.doneCh }

// Stats reports what has been discovered so far.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Machine) setStage(s Stage) {
	m.mu.Lock()
	m.stage = s
	m.mu.Unlock()
}

func (m *Machine) getStage() Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage
}

func (m *Machine) finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.doneCh:
	default:
		m.stats.Elapsed = m.clk.Now().Sub(m.startedAt)
		close(m.doneCh)
	}
}

// Run advances exactly one stage and satisfies executor.Task. Every
// stage first checks TrafficEnable and short-circuits straight to
// Done if client traffic has already been permitted to start.
func (m *Machine) Run(ctx context.Context, self *executor.Handle) bool {
	stage := m.getStage()
	if stage == Done {
		m.finish()
		return false
	}
	if m.cfg.TrafficEnable() {
		m.log.Info("warmup short-circuited: traffic already enabled", "stage", stage)
		m.setStage(Done)
		m.finish()
		return false
	}

	var err error
	switch stage {
	case Initialize:
		err = m.runInitialize(ctx)
	case CreateVBuckets:
		err = m.runCreateVBuckets(ctx)
	case EstimateItemCount:
		err = m.runEstimateItemCount(ctx)
	case KeyDump:
		err = m.runKeyDump(ctx)
	case CheckForAccessLog:
		err = m.runCheckForAccessLog(ctx)
	case LoadingAccessLog:
		err = m.runLoadingAccessLog(ctx)
	case LoadingKVPairs:
		err = m.runLoadingKVPairs(ctx)
	case LoadingData:
		err = m.runLoadingData(ctx)
	}
	if err != nil {
		m.log.Error("warmup stage failed", "stage", stage, "err", err)
		m.setStage(Done)
		m.finish()
		return false
	}

	if m.getStage() == Done {
		m.finish()
		return false
	}
	self.Snooze(0)
	return true
}

func (m *Machine) nextVBUUID() uint64 { return m.rnd.Uint64() }

func parseState(s string) (vbucket.State, error) {
	switch s {
	case vbucket.Active.String():
		return vbucket.Active, nil
	case vbucket.Replica.String():
		return vbucket.Replica, nil
	case vbucket.Pending.String():
		return vbucket.Pending, nil
	case vbucket.Dead.String():
		return vbucket.Dead, nil
	default:
		return vbucket.Dead, fmt.Errorf("warmup: unrecognized persisted vbucket state %q", s)
	}
}
