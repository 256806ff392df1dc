// Package metrics registers the Prometheus collectors exposed by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesAppended counts messages accepted into partition logs,
	// labeled by stream and topic.
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iggy",
			Name:      "messages_appended_total",
			Help:      "The total number of messages appended to partitions",
		},
		[]string{"stream", "topic"},
	)
	// BytesAppended counts payload bytes accepted into partition logs.
	BytesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iggy",
			Name:      "bytes_appended_total",
			Help:      "The total number of payload bytes appended to partitions",
		},
		[]string{"stream", "topic"},
	)
	// MessagesPolled counts messages returned to consumers.
	MessagesPolled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iggy",
			Name:      "messages_polled_total",
			Help:      "The total number of messages returned to consumers",
		},
		[]string{"stream", "topic"},
	)
	// MessagesDeduplicated counts messages dropped by the deduplication index.
	MessagesDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "iggy",
			Name:      "messages_deduplicated_total",
			Help:      "The total number of duplicate messages discarded on append",
		},
	)
	// SegmentsCreated counts segment rollovers.
	SegmentsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "iggy",
			Name:      "segments_created_total",
			Help:      "The total number of segments created",
		},
	)
	// SegmentsDeleted counts segments removed by retention.
	SegmentsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "iggy",
			Name:      "segments_deleted_total",
			Help:      "The total number of segments deleted by retention",
		},
	)
	// CacheHits counts polls fully served from the message cache.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "iggy",
			Name:      "cache_hits_total",
			Help:      "The total number of polls served from the message cache",
		},
	)
	// CacheMisses counts polls that had to touch segment files.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "iggy",
			Name:      "cache_misses_total",
			Help:      "The total number of polls served from segment files",
		},
	)
	// CacheUsedBytes tracks the current memory held by the message cache.
	CacheUsedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "iggy",
			Name:      "cache_used_bytes",
			Help:      "The number of bytes currently held by the message cache",
		},
	)
	// OffsetCommits counts consumer offset commits that moved an offset forward.
	OffsetCommits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "iggy",
			Name:      "offset_commits_total",
			Help:      "The total number of applied consumer offset commits",
		},
	)
	// PartitionsActive tracks the number of partitions currently open.
	PartitionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "iggy",
			Name:      "partitions_active",
			Help:      "The number of partitions currently open",
		},
	)
	// RetentionSweepDuration observes how long full retention sweeps take.
	RetentionSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "iggy",
			Name:      "retention_sweep_duration_seconds",
			Help:      "Duration of full retention sweeps across all partitions",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
