// Package config binds the engine's tunables to command-line flags,
// the way cmd/rpcdaemon/cli and cmd/headers/commands bind their own
// flag sets: one Config struct, one RootCommand that wires pflag.Var
// calls against its fields, handed to the entrypoint's RunE.
package config

import (
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
)

// Config bundles every flag the engine's entrypoint needs to build its
// executor pool, storage shards, checkpoint housekeeping tasks, and
// metrics server.
type Config struct {
	DataDir string

	NumVBuckets int
	NumShards   int

	ExecutorReaders int
	ExecutorWriters int
	ExecutorAuxIO   int
	ExecutorNonIO   int

	CheckpointMaxItems int
	CheckpointMaxAge   time.Duration

	BgFetchDelay time.Duration

	CheckpointRemoverInterval time.Duration
	ExpiryPagerInterval       time.Duration

	// WarmupMinMemory is the warmup memory threshold, parsed as a
	// datasize.ByteSize. Zero means traffic is enabled as soon as
	// CreateVBuckets completes. Memory use is not measured during
	// warmup, so a non-zero value is never reached: warmup then runs
	// every loading stage before traffic is enabled.
	WarmupMinMemory datasize.ByteSize
	FullEviction    bool

	// CheckpointRemoverLowerMarkPercent/UpperMarkPercent are the
	// checkpoint remover's cursor-dropping watermarks (§4.5 Pass 2),
	// expressed as a fraction of total system memory: dropping only
	// triggers once used memory crosses the upper mark, and only
	// drops enough cursors to bring usage back down to the lower
	// mark.
	CheckpointRemoverLowerMarkPercent float64
	CheckpointRemoverUpperMarkPercent float64

	MetricsListenAddr     string
	MetricsSampleInterval time.Duration
}

// RootCommand builds the engine's root cobra command with every flag
// bound directly to a zero-value Config's fields, the same
// Flags().XVar(&field, name, default, help) idiom cmd/headers/commands
// uses for its own download command.
func RootCommand() (*cobra.Command, *Config) {
	cfg := &Config{}

	cmd := &cobra.Command{
		Use:   "epcored",
		Short: "Run the vBucket storage engine core",
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.DataDir, "datadir", "./data", "directory holding persisted shard files")
	flags.IntVar(&cfg.NumVBuckets, "num-vbuckets", 1024, "total number of vBuckets in the keyspace")
	flags.IntVar(&cfg.NumShards, "num-shards", 4, "number of storage shards (partition.Group) the vBuckets are spread across")

	flags.IntVar(&cfg.ExecutorReaders, "executor-readers", 4, "Reader-class worker count")
	flags.IntVar(&cfg.ExecutorWriters, "executor-writers", 4, "Writer-class worker count")
	flags.IntVar(&cfg.ExecutorAuxIO, "executor-auxio", 1, "AuxIO-class worker count")
	flags.IntVar(&cfg.ExecutorNonIO, "executor-nonio", 2, "NonIO-class worker count")

	flags.IntVar(&cfg.CheckpointMaxItems, "checkpoint-max-items", 10000, "items a checkpoint may hold before closing")
	flags.DurationVar(&cfg.CheckpointMaxAge, "checkpoint-max-age", 10*time.Minute, "age a checkpoint may reach before closing")

	flags.DurationVar(&cfg.BgFetchDelay, "bg-fetch-delay", 5*time.Millisecond, "idle pacing between background-fetch batches")

	flags.DurationVar(&cfg.CheckpointRemoverInterval, "checkpoint-remover-interval", 10*time.Second, "how often the checkpoint remover sweeps for closed, unreferenced checkpoints")
	flags.DurationVar(&cfg.ExpiryPagerInterval, "expiry-pager-interval", time.Minute, "how often the expiry pager sweeps for expired items")

	flags.Var(newByteSizeValue(0, &cfg.WarmupMinMemory), "warmup-min-memory", "memory threshold below which client traffic stays disabled during warmup (e.g. 512MB)")
	flags.BoolVar(&cfg.FullEviction, "full-eviction", false, "use full eviction (no key-only resident metadata) instead of value eviction")

	flags.Float64Var(&cfg.CheckpointRemoverLowerMarkPercent, "checkpoint-remover-lower-mark", 0.6, "fraction of total system memory below which cursor dropping stops")
	flags.Float64Var(&cfg.CheckpointRemoverUpperMarkPercent, "checkpoint-remover-upper-mark", 0.8, "fraction of total system memory above which the checkpoint remover starts dropping cursors")

	flags.StringVar(&cfg.MetricsListenAddr, "metrics-addr", ":9091", "address the Prometheus /metrics endpoint listens on; empty disables it")
	flags.DurationVar(&cfg.MetricsSampleInterval, "metrics-sample-interval", 10*time.Second, "how often the metrics sampler re-reads engine state")

	return cmd, cfg
}
