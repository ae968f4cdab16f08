package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsReceived       = prometheus.NewCounter(prometheus.CounterOpts{Name: "geolake_jobs_received_total", Help: "Messages handed to the job processor"})
	JobsDone           = prometheus.NewCounter(prometheus.CounterOpts{Name: "geolake_jobs_done_total", Help: "Jobs that reached DONE"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "geolake_jobs_failed_total", Help: "Jobs that reached FAILED"})
	JobsTimedOut       = prometheus.NewCounter(prometheus.CounterOpts{Name: "geolake_jobs_timeout_total", Help: "Jobs that reached TIMEOUT"})
	DecodeFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "geolake_decode_failures_total", Help: "Messages that could not be decoded"})
	MessagesPublished  = prometheus.NewCounter(prometheus.CounterOpts{Name: "geolake_messages_published_total", Help: "Messages published by producers"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "geolake_jobs_inflight", Help: "Jobs currently executing"})
	PoolQueueDepth     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "geolake_pool_queue_depth", Help: "Deliveries waiting for a free pool slot"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "geolake_queue_ready_depth", Help: "Messages waiting in the broker ready queues"})
	CacheHits          = prometheus.NewCounter(prometheus.CounterOpts{Name: "geolake_cache_hits_total", Help: "Dataset cache hits"})
	CacheMisses        = prometheus.NewCounter(prometheus.CounterOpts{Name: "geolake_cache_misses_total", Help: "Dataset cache misses repaired from the catalog"})
	CacheWarmupFailure = prometheus.NewCounter(prometheus.CounterOpts{Name: "geolake_cache_warmup_failures_total", Help: "Catalog entries skipped during cache warm-up"})
	JobDuration        = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geolake_job_duration_seconds",
		Help:    "Wall time from RUNNING to a terminal state",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsReceived,
			JobsDone,
			JobsFailed,
			JobsTimedOut,
			DecodeFailures,
			MessagesPublished,
			InFlightGauge,
			PoolQueueDepth,
			QueueDepthGauge,
			CacheHits,
			CacheMisses,
			CacheWarmupFailure,
			JobDuration,
		)
	})
	return promhttp.Handler()
}
