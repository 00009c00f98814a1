// Package metrics defines the service's Prometheus metrics, dashboard
// snapshot generation, and threshold-based alert evaluation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job engine metrics
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binsight_jobs_submitted_total",
			Help: "Total number of jobs admitted",
		},
		[]string{"priority"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binsight_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"status"}, // completed/failed/cancelled/timeout
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "binsight_job_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
		[]string{"depth"},
	)

	JobQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "binsight_job_queue_depth",
			Help: "Number of jobs currently pending in the queue",
		},
	)

	JobsProcessing = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "binsight_jobs_processing",
			Help: "Number of jobs currently being processed",
		},
	)

	// Decompilation metrics
	DecompilationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binsight_decompilations_total",
			Help: "Total number of decompilation engine invocations",
		},
		[]string{"format", "status"},
	)

	DecompilationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "binsight_decompilation_duration_seconds",
			Help:    "Decompilation engine run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms to ~8.5min
		},
	)

	// LLM metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binsight_llm_requests_total",
			Help: "Total number of LLM API requests",
		},
		[]string{"provider", "model", "operation", "status"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binsight_llm_tokens_total",
			Help: "Total number of LLM tokens consumed",
		},
		[]string{"provider", "model", "type"}, // type: input/output
	)

	LLMCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binsight_llm_cost_usd_total",
			Help: "Total LLM cost in USD",
		},
		[]string{"provider", "model"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "binsight_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "model"},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "binsight_llm_circuit_open",
			Help: "Whether the provider circuit breaker is open (1=open)",
		},
		[]string{"provider"},
	)

	// Cache metrics
	CacheOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binsight_cache_operations_total",
			Help: "Result cache operations by outcome",
		},
		[]string{"op"}, // hit/miss/set/delete/invalidation/error
	)

	CacheByDepth = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binsight_cache_stored_by_depth_total",
			Help: "Cache writes by analysis depth",
		},
		[]string{"depth"},
	)

	// Rate limiter metrics
	RateLimitChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binsight_ratelimit_checks_total",
			Help: "Rate limit decisions",
		},
		[]string{"outcome"}, // allowed/denied
	)

	RateLimitErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "binsight_ratelimit_errors_total",
			Help: "Rate limiter store failures (failed open)",
		},
	)

	// Pipeline metrics
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binsight_pipeline_runs_total",
			Help: "Translation pipeline runs",
		},
		[]string{"outcome"}, // success/partial/failed/cache_hit
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "binsight_http_requests_total",
			Help: "HTTP requests by route and status class",
		},
		[]string{"route", "method", "status"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "binsight_websocket_connections",
			Help: "Current number of active WebSocket progress streams",
		},
	)
)
