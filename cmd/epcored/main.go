// Command epcored wires the checkpoint manager, executor pool,
// background fetcher, and warmup state machine into one running
// process: it is the composition root, not a subsystem in its own
// right. Grounded on cmd/rpcdaemon/main.go's cobra RootCommand + RunE
// shape, adapted from "open a DB, start an RPC server" to "open a
// store, start the engine's periodic tasks, serve metrics".
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/mem"
	"github.com/spf13/cobra"

	"github.com/ledgerwatch/ep-core/bgfetch"
	"github.com/ledgerwatch/ep-core/checkpoint"
	"github.com/ledgerwatch/ep-core/config"
	"github.com/ledgerwatch/ep-core/core/clock"
	"github.com/ledgerwatch/ep-core/executor"
	"github.com/ledgerwatch/ep-core/kvstore"
	"github.com/ledgerwatch/ep-core/log"
	"github.com/ledgerwatch/ep-core/metrics"
	"github.com/ledgerwatch/ep-core/partition"
	"github.com/ledgerwatch/ep-core/vbucket"
	"github.com/ledgerwatch/ep-core/warmup"
)

func main() {
	cmd, cfg := config.RootCommand()
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), cfg)
	}

	if err := cmd.ExecuteContext(rootContext()); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

// rootContext returns a context canceled on SIGINT/SIGTERM, mirroring
// the teacher's own utils.RootContext: a clean shutdown on the first
// signal, an unceremonious exit on the second.
func rootContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		<-sigCh
		os.Exit(1)
	}()
	return ctx
}

func run(ctx context.Context, cfg *config.Config) error {
	clk := clock.System{}
	store := kvstore.NewMemStore()

	pool := executor.NewPool(executor.Config{
		Readers: cfg.ExecutorReaders,
		Writers: cfg.ExecutorWriters,
		AuxIO:   cfg.ExecutorAuxIO,
		NonIO:   cfg.ExecutorNonIO,
	}, clk)
	defer pool.Stop()

	chkCfg := checkpoint.Config{MaxItems: cfg.CheckpointMaxItems, MaxAge: cfg.CheckpointMaxAge}
	bgCfg := bgfetch.Config{Delay: cfg.BgFetchDelay}

	groups := make([]*partition.Group, cfg.NumShards)
	ioBucket := pool.RegisterBucket("io", executor.High)
	for i := range groups {
		g, err := partition.New(ctx, uint16(i), store, cfg.DataDir, bgCfg, clk, nil)
		if err != nil {
			return err
		}
		g.StartFetcher(pool, ioBucket)
		g.StartFlusher(pool, ioBucket, clk)
		groups[i] = g
	}
	defer func() {
		for _, g := range groups {
			g.Stop()
		}
	}()

	evictionPolicy := warmup.ValueEviction
	if cfg.FullEviction {
		evictionPolicy = warmup.FullEviction
	}
	minMemory := uint64(cfg.WarmupMinMemory)
	var machine *warmup.Machine
	machine = warmup.New(warmup.Config{
		Groups:         groups,
		EvictionPolicy: evictionPolicy,
		Checkpoint:     chkCfg,
		TrafficEnable: func() bool {
			return minMemory == 0 && machine.Stage() > warmup.CreateVBuckets
		},
	}, clk)
	auxBucket := pool.RegisterBucket("warmup", executor.High)
	machine.Start(pool, auxBucket)

	select {
	case <-machine.Done():
	case <-ctx.Done():
		machine.Stop()
		return nil
	}
	bootstrapVBuckets(groups, cfg.NumVBuckets, chkCfg, clk)

	nonIOBucket := pool.RegisterBucket("housekeeping", executor.Low)
	removerCfg := partition.RemoverConfig{Interval: cfg.CheckpointRemoverInterval}
	if stats, err := newMemoryStats(cfg.CheckpointRemoverLowerMarkPercent, cfg.CheckpointRemoverUpperMarkPercent); err != nil {
		log.Warn("system memory stats unavailable, checkpoint remover cursor-dropping pass disabled", "err", err)
	} else {
		removerCfg.MemoryStats = stats
	}
	remover := partition.NewCheckpointRemover(groups, removerCfg, clk)
	remover.Start(pool, nonIOBucket)
	defer remover.Stop()

	pager := partition.NewExpiryPager(groups, cfg.ExpiryPagerInterval, clk)
	pager.Start(pool, nonIOBucket)
	defer pager.Stop()

	promReg := prometheus.NewRegistry()
	reg := metrics.New(promReg)
	sampler := metrics.NewSampler(reg, metrics.SamplerConfig{
		Groups:   groups,
		Removers: []*partition.CheckpointRemover{remover},
		Pagers:   []*partition.ExpiryPager{pager},
		Pool:     pool,
		Machine:  machine,
		Period:   cfg.MetricsSampleInterval,
	})
	sampler.Start(pool, nonIOBucket)
	defer sampler.Stop()

	if cfg.MetricsListenAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	log.Info("engine started", "vbuckets", cfg.NumVBuckets, "shards", cfg.NumShards)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// bootstrapVBuckets creates any vBucket in [0, total) that warmup
// didn't already restore from persisted state, spreading them evenly
// across groups round-robin. A brand new store has nothing for
// warmup to restore, so this is what actually populates the keyspace
// on first start; on a restart it only fills in gaps.
func bootstrapVBuckets(groups []*partition.Group, total int, chkCfg checkpoint.Config, clk clock.Clock) {
	if len(groups) == 0 {
		return
	}
	for id := 0; id < total; id++ {
		g := groups[id%len(groups)]
		if _, ok := g.Bucket(uint16(id)); ok {
			continue
		}
		cfg := vbucket.Config{Checkpoint: chkCfg, Fetcher: g.Fetcher()}
		vb := vbucket.New(uint16(id), vbucket.Active, cfg, clk, g.Pins(), 0, 0, 0, nil, 0, 0)
		g.SetBucket(vb)
	}
}

// newMemoryStats builds the checkpoint remover's MemoryStats hook
// (§4.5 Pass 2) from total system memory, sampled once at startup via
// gopsutil, and the configured lower/upper watermark fractions: ep-
// engine's mem_low_wat/mem_high_wat expressed against total system
// memory rather than a fixed bucket quota, since this core has no
// quota concept of its own. Each call re-samples current usage; a
// failed re-sample reports used equal to the lower mark so a
// transient gopsutil error never spuriously triggers cursor dropping.
func newMemoryStats(lowerPct, upperPct float64) (func() (used, lowerMark, upperMark uint64), error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	lowerMark := uint64(float64(vm.Total) * lowerPct)
	upperMark := uint64(float64(vm.Total) * upperPct)
	return func() (uint64, uint64, uint64) {
		used := lowerMark
		if cur, err := mem.VirtualMemory(); err == nil {
			used = cur.Used
		}
		return used, lowerMark, upperMark
	}, nil
}
