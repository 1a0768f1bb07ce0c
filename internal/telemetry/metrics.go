// Package telemetry provides observability primitives for the Durin gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	RateLimitRejects *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	LogQueueDepth    prometheus.Gauge
	LogQueueDrops    prometheus.Counter
	LogsInserted     prometheus.Counter
	BillingBatches   prometheus.Counter
	BillingSettled   prometheus.Counter
	TopUpsTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durin",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "durin",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "durin",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "durin",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durin",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durin",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durin",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durin",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durin",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		LogQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "durin",
			Name:      "log_queue_depth",
			Help:      "Current number of queued log records.",
		}),

		LogQueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durin",
			Name:      "log_queue_drops_total",
			Help:      "Log records dropped because the queue push failed.",
		}),

		LogsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durin",
			Name:      "logs_inserted_total",
			Help:      "Log records drained from the queue into the database.",
		}),

		BillingBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durin",
			Name:      "billing_batches_total",
			Help:      "Credit settlement batches committed.",
		}),

		BillingSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durin",
			Name:      "billing_settled_rows_total",
			Help:      "Log rows settled by the credit batch.",
		}),

		TopUpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durin",
			Name:      "auto_topups_total",
			Help:      "Auto top-up charge attempts by outcome.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.LogQueueDepth,
		m.LogQueueDrops,
		m.LogsInserted,
		m.BillingBatches,
		m.BillingSettled,
		m.TopUpsTotal,
	)

	return m
}
