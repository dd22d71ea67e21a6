// Package metrics exposes Prometheus collectors for the filesystem core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FactoryOps counts factory operations by operation and outcome.
	FactoryOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "balloon",
		Subsystem: "fs",
		Name:      "factory_operations_total",
		Help:      "Factory operations by operation name and outcome.",
	}, []string{"operation", "outcome"})

	// FactoryDuration observes factory operation latency.
	FactoryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "balloon",
		Subsystem: "fs",
		Name:      "factory_operation_seconds",
		Help:      "Factory operation latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// DeltaPages counts delta feed pages served by mode.
	DeltaPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "balloon",
		Subsystem: "delta",
		Name:      "feed_pages_total",
		Help:      "Delta feed pages served by mode.",
	}, []string{"mode"})

	// BlobsDeduplicated counts uploads absorbed by an existing blob.
	BlobsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "balloon",
		Subsystem: "storage",
		Name:      "blobs_deduplicated_total",
		Help:      "Uploads that matched an existing blob and only bumped its refcount.",
	})

	// QuotaRejections counts writes refused by the hard quota.
	QuotaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "balloon",
		Subsystem: "quota",
		Name:      "rejections_total",
		Help:      "Writes refused because the owner's hard quota was exceeded.",
	})
)

// ObserveOp records one factory operation outcome.
func ObserveOp(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	FactoryOps.WithLabelValues(operation, outcome).Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
