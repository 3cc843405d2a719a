// Package metrics registers the ambient prometheus instrumentation the
// engine carries regardless of whether anything scrapes it: checkpoint
// sizes, executor queue depth, bg-fetch pending counts, warmup
// progress, and the periodic housekeeping tasks' GC counters. The
// observability policy surface (alerting, dashboards) is out of scope;
// the registrations themselves are ambient, the way a production
// service always wires a metrics registry whether or not an operator
// is watching it yet.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "epcore"

// Registry bundles every counter/gauge/histogram the engine exports,
// grouped by subsystem, built once against a single Registerer the way
// a constructor-injected prometheus.Registerer accumulates metrics
// across a package's components rather than relying on the global
// default registry.
type Registry struct {
	CheckpointItems   *prometheus.GaugeVec
	NumCheckpoints    *prometheus.GaugeVec
	CheckpointsPurged prometheus.Counter
	CursorsDropped    prometheus.Counter

	ExecutorTasksLive prometheus.Gauge

	BgFetchPending *prometheus.GaugeVec
	BgFetchBatch   prometheus.Histogram

	WarmupStage          prometheus.Gauge
	WarmupElapsedSeconds prometheus.Gauge
	WarmupEstimatedItems *prometheus.GaugeVec

	ExpiredItems prometheus.Counter
}

// New registers every metric against reg and returns the bundle.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)

	return &Registry{
		CheckpointItems: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "items",
			Help:      "Items currently queued across all checkpoints for a vbucket.",
		}, []string{"vbucket"}),
		NumCheckpoints: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "checkpoints",
			Help:      "Open plus closed-unpurged checkpoints currently held for a vbucket.",
		}, []string{"vbucket"}),
		CheckpointsPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "purged_items_total",
			Help:      "Items freed by removal of closed, unreferenced checkpoints.",
		}),
		CursorsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "cursors_dropped_total",
			Help:      "Cursors dropped by the checkpoint remover under memory pressure.",
		}),
		ExecutorTasksLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "tasks_registered",
			Help:      "Tasks currently registered with the executor pool, live or awaiting cleanup.",
		}),
		BgFetchPending: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bgfetch",
			Name:      "pending_vbuckets",
			Help:      "Number of vbuckets with a bg-fetch batch pending on a shard.",
		}, []string{"shard"}),
		BgFetchBatch: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bgfetch",
			Name:      "batch_size",
			Help:      "Number of keys drained per bg-fetch batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		WarmupStage: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "warmup",
			Name:      "stage",
			Help:      "Ordinal of the warmup state machine's current stage.",
		}),
		WarmupElapsedSeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "warmup",
			Name:      "elapsed_seconds",
			Help:      "Seconds since the warmup state machine started.",
		}),
		WarmupEstimatedItems: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "warmup",
			Name:      "estimated_items",
			Help:      "Estimated item count for a vbucket, as measured during warmup.",
		}, []string{"vbucket"}),
		ExpiredItems: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "expired_items_total",
			Help:      "Items tombstoned by the expiry pager.",
		}),
	}
}
