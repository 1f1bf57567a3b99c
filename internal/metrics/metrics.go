// Package metrics exposes the limiter's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerifyTotal counts Verify outcomes by result and denial reason.
	VerifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usagegate",
		Name:      "verify_total",
		Help:      "Verify requests by result and denial reason.",
	}, []string{"result", "denied_reason"})

	// ReportTotal counts Report outcomes by result and denial reason.
	ReportTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usagegate",
		Name:      "report_total",
		Help:      "Report requests by result and denial reason.",
	}, []string{"result", "denied_reason"})

	// VerifyLatency observes end-to-end Verify latency in seconds.
	VerifyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "usagegate",
		Name:      "verify_latency_seconds",
		Help:      "End-to-end Verify latency.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	// FlushBatches counts drained batches by table and outcome.
	FlushBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usagegate",
		Name:      "flush_batches_total",
		Help:      "Flushed record batches by table and status.",
	}, []string{"table", "status"})

	// FlushRows counts rows drained to the analytics sink by table.
	FlushRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usagegate",
		Name:      "flush_rows_total",
		Help:      "Rows drained to the analytics sink by table.",
	}, []string{"table"})

	// SinkFailures counts failed sink calls by table.
	SinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "usagegate",
		Name:      "sink_failures_total",
		Help:      "Failed analytics sink calls by table.",
	}, []string{"table"})

	// DenialCacheHits counts denials served from the router's local cache.
	DenialCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "usagegate",
		Name:      "denial_cache_hits_total",
		Help:      "Verify denials served from the router cache.",
	})

	// IdempotencyCacheHits counts Reports short-circuited by the router.
	IdempotencyCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "usagegate",
		Name:      "idempotency_cache_hits_total",
		Help:      "Report responses served from the idempotency cache.",
	})

	// ActiveShards tracks the number of live limiter shards.
	ActiveShards = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "usagegate",
		Name:      "active_shards",
		Help:      "Limiter shards currently resident in memory.",
	})
)
