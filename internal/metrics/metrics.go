// Package metrics holds the prometheus collectors for the chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route pattern and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// ChatRequests counts streaming chat turns by terminal outcome
	// (done, unauthenticated, rejected, invalid, forbidden, not_found, error, aborted).
	ChatRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Total chat stream requests by outcome",
		},
		[]string{"outcome"},
	)

	ChatStreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_stream_duration_seconds",
			Help:    "Time from first generated token request to stream completion",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
		},
	)

	ChatGeneratedTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_generated_tokens_total",
			Help: "Total content frames forwarded to clients",
		},
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Per-user rate limiter decisions",
		},
		[]string{"decision"}, // "allowed", "rejected"
	)

	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Cache lookups by cache name and result",
		},
		[]string{"cache", "result"}, // "hit", "miss"
	)

	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "Current number of live cache entries",
		},
		[]string{"cache"},
	)

	DedupShared = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_shared_total",
			Help: "Calls that joined an in-flight upstream fetch instead of starting one",
		},
		[]string{"cache"},
	)

	GenerationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_errors_total",
			Help: "Generation backend failures",
		},
		[]string{"retryable"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	IndexJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "article_index_jobs_total",
			Help: "Article indexing jobs by result",
		},
		[]string{"result"},
	)
)
