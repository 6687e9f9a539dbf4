package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "civic_query_duration_seconds",
			Help:    "End-to-end query duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 25},
		},
		[]string{"outcome"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civic_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"outcome"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "civic_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"stage"},
	)

	ToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civic_tool_calls_total",
			Help: "Tool calls by target and result",
		},
		[]string{"target", "result"},
	)

	ToolLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "civic_tool_latency_seconds",
			Help:    "Tool call latency including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"target"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "civic_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"dependency"},
	)

	DependencyHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "civic_dependency_healthy",
			Help: "1 when the dependency is considered healthy",
		},
		[]string{"dependency"},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civic_rate_limited_total",
			Help: "Acquisitions rejected by the rate limiter",
		},
		[]string{"policy"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "civic_confidence_score",
			Help:    "Response confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	EvidenceCount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "civic_evidence_count",
			Help:    "Evidence items retrieved per namespace",
			Buckets: []float64{0, 1, 2, 5, 10, 20},
		},
		[]string{"namespace"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civic_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "civic_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	CacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "civic_cache_evictions_total",
			Help: "Entries evicted from the local response cache",
		},
	)
)

func Init() {
	prometheus.MustRegister(
		QueryDuration,
		QueryTotal,
		StageDuration,
		ToolCalls,
		ToolLatency,
		BreakerState,
		DependencyHealthy,
		RateLimited,
		ConfidenceScore,
		EvidenceCount,
		CacheHits,
		CacheMisses,
		CacheEvictions,
	)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
