// Package metrics provides Prometheus metrics for the assetbay storage layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage operation metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetbay_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbay_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Upload metrics
	uploadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbay_upload_bytes_total",
			Help: "Total bytes uploaded through the storage layer",
		},
		[]string{"backend"},
	)

	// Fallback metrics
	fallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbay_fallbacks_total",
			Help: "Uploads served by a backend other than the one first attempted",
		},
		[]string{"from", "to"},
	)

	allProvidersFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetbay_all_providers_failed_total",
			Help: "Uploads where every backend in the fallback order failed",
		},
	)

	// Availability probe metrics
	probeTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbay_probe_timeouts_total",
			Help: "Availability probes that exceeded their timeout",
		},
		[]string{"backend"},
	)

	// Client cache metrics
	clientCacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetbay_client_cache_requests_total",
			Help: "Backend client cache lookups",
		},
		[]string{"result"},
	)

	// Database metrics
	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetbay_db_connections_open",
			Help: "Number of open database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordStorageOperation records a backend operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// RecordUploadBytes records bytes uploaded through a backend.
func RecordUploadBytes(backend string, bytes int64) {
	uploadBytesTotal.WithLabelValues(backend).Add(float64(bytes))
}

// RecordFallback records an upload served by a fallback backend.
func RecordFallback(from, to string) {
	fallbacksTotal.WithLabelValues(from, to).Inc()
}

// RecordAllProvidersFailed records a total upload failure.
func RecordAllProvidersFailed() {
	allProvidersFailedTotal.Inc()
}

// RecordProbeTimeout records an availability probe timeout.
func RecordProbeTimeout(backend string) {
	probeTimeoutsTotal.WithLabelValues(backend).Inc()
}

// RecordClientCache records a client cache lookup outcome.
func RecordClientCache(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	clientCacheHitsTotal.WithLabelValues(result).Inc()
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}
