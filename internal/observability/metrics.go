package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	indexOpsTotal    *prometheus.CounterVec
	indexOpDuration  *prometheus.HistogramVec
	indexedChunks    prometheus.Gauge
	retrievalLatency prometheus.Histogram
	retrievalResults prometheus.Histogram

	cacheLookupsTotal       *prometheus.CounterVec
	cacheInvalidationsTotal *prometheus.CounterVec

	enrichmentJobsTotal   *prometheus.CounterVec
	enrichmentDuration    *prometheus.HistogramVec
	enrichmentQueueLength prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	importsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			indexOpsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "smartpm_index_operations_total",
					Help: "Total similarity index operations by operation and status.",
				},
				[]string{"op", "status"},
			),
			indexOpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "smartpm_index_operation_duration_seconds",
					Help:    "Similarity index operation duration in seconds by operation.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			indexedChunks: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "smartpm_indexed_chunks",
					Help: "Chunks currently stored in the similarity index.",
				},
			),
			retrievalLatency: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "smartpm_retrieval_duration_seconds",
					Help:    "Semantic retrieval duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			retrievalResults: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "smartpm_retrieval_results",
					Help:    "Context chunks returned per semantic retrieval.",
					Buckets: []float64{0, 1, 2, 3, 4, 5, 6},
				},
			),
			cacheLookupsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "smartpm_cache_lookups_total",
					Help: "Cache lookups by key kind and result (hit, miss, error).",
				},
				[]string{"key", "result"},
			),
			cacheInvalidationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "smartpm_cache_invalidations_total",
					Help: "Cache invalidations by status.",
				},
				[]string{"status"},
			),
			enrichmentJobsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "smartpm_enrichment_jobs_total",
					Help: "Enrichment jobs by model and status.",
				},
				[]string{"model", "status"},
			),
			enrichmentDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "smartpm_enrichment_duration_seconds",
					Help:    "Enrichment job duration in seconds by model.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"model"},
			),
			enrichmentQueueLength: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "smartpm_enrichment_queue_length",
					Help: "Enrichment jobs waiting in the queue.",
				},
			),
			httpRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "smartpm_http_requests_total",
					Help: "HTTP requests by route and status code.",
				},
				[]string{"route", "code"},
			),
			httpRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "smartpm_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds by route.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"route"},
			),
			importsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "smartpm_imported_files_total",
					Help: "Inbox files processed by outcome (success, error, invalid).",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.indexOpsTotal,
			m.indexOpDuration,
			m.indexedChunks,
			m.retrievalLatency,
			m.retrievalResults,
			m.cacheLookupsTotal,
			m.cacheInvalidationsTotal,
			m.enrichmentJobsTotal,
			m.enrichmentDuration,
			m.enrichmentQueueLength,
			m.httpRequestsTotal,
			m.httpRequestDuration,
			m.importsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordIndexOperation(op string, duration time.Duration, success bool) {
	m := getMetrics()
	m.indexOpsTotal.WithLabelValues(op, statusLabel(success)).Inc()
	m.indexOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func SetIndexedChunks(total int) {
	m := getMetrics()
	m.indexedChunks.Set(float64(total))
}

func RecordRetrieval(duration time.Duration, results int) {
	m := getMetrics()
	m.retrievalLatency.Observe(duration.Seconds())
	m.retrievalResults.Observe(float64(results))
}

// RecordCacheLookup counts a lookup; result is "hit", "miss" or "error".
func RecordCacheLookup(key, result string) {
	m := getMetrics()
	m.cacheLookupsTotal.WithLabelValues(key, result).Inc()
}

func RecordCacheInvalidation(success bool) {
	m := getMetrics()
	m.cacheInvalidationsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordEnrichmentJob counts a finished job; status is "success", "error" or "skipped".
func RecordEnrichmentJob(model, status string, duration time.Duration) {
	m := getMetrics()
	m.enrichmentJobsTotal.WithLabelValues(model, status).Inc()
	m.enrichmentDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func SetEnrichmentQueueLength(n int) {
	m := getMetrics()
	m.enrichmentQueueLength.Set(float64(n))
}

func RecordHTTPRequest(route string, code int, duration time.Duration) {
	m := getMetrics()
	m.httpRequestsTotal.WithLabelValues(route, http.StatusText(code)).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func RecordImport(status string) {
	m := getMetrics()
	m.importsTotal.WithLabelValues(status).Inc()
}
