package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var Registry = prometheus.NewRegistry()

var (
	CommitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glacierdb",
			Name:      "commit_total",
			Help:      "commits by result",
		},
		[]string{"result"},
	)

	ReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glacierdb",
			Name:      "read_total",
			Help:      "snapshot reads by selector kind and result",
		},
		[]string{"selector", "result"},
	)

	CloneTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "glacierdb",
			Name:      "clone_total",
			Help:      "zero-copy clones created",
		},
	)

	PartitionPutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glacierdb",
			Name:      "partition_put_total",
			Help:      "partition writes, deduplicated counted separately",
		},
		[]string{"result"},
	)

	PartitionCacheHit = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glacierdb",
			Name:      "partition_cache_total",
			Help:      "partition read cache hits and misses",
		},
		[]string{"result"},
	)

	GCSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "glacierdb",
			Name:      "gc_sweep_duration_seconds",
			Help:      "duration of one full mark-sweep cycle",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	GCPurgedSnapshots = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "glacierdb",
			Name:      "gc_purged_snapshots_total",
			Help:      "snapshots unlinked by the sweep",
		},
	)

	GCDeletedPartitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "glacierdb",
			Name:      "gc_deleted_partitions_total",
			Help:      "partitions physically deleted by the sweep",
		},
	)

	GCSkippedTables = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "glacierdb",
			Name:      "gc_skipped_tables_total",
			Help:      "tables skipped by a sweep cycle due to per-table anomalies",
		},
	)
)

func init() {
	Registry.MustRegister(
		CommitTotal,
		ReadTotal,
		CloneTotal,
		PartitionPutTotal,
		PartitionCacheHit,
		GCSweepDuration,
		GCPurgedSnapshots,
		GCDeletedPartitions,
		GCSkippedTables,
	)
}
