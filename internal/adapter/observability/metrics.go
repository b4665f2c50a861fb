package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider", "operation"},
	)

	GradingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grading_requests_total",
			Help: "Total grading requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)
	GradingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grading_duration_seconds",
			Help:    "Per-question grading duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"method"},
	)
	GradingConfidence = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grading_confidence",
			Help:    "Distribution of verdict confidence [0,1]",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"method"},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "result_cache_hits_total",
			Help: "Total result cache hits",
		},
	)
	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "result_cache_misses_total",
			Help: "Total result cache misses",
		},
	)
	CacheSavingsUSD = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "result_cache_estimated_savings_usd_total",
			Help: "Estimated cost savings from cache hits in USD",
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
		},
		[]string{"dependency"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batch_queue_depth",
			Help: "Number of queued batch jobs by priority",
		},
		[]string{"priority"},
	)
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_queue_active_workers",
			Help: "Number of currently running queue workers",
		},
	)
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of batch jobs enqueued",
		},
		[]string{"priority"},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of batch jobs completed",
		},
	)
	JobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of batch jobs failed",
		},
	)
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Batch job wall-clock duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	SkillTypeAmbiguousTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skill_type_ambiguous_total",
			Help: "Skill updates that fell back to pattern-based type guessing",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(GradingRequestsTotal)
	prometheus.MustRegister(GradingDuration)
	prometheus.MustRegister(GradingConfidence)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheSavingsUSD)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ActiveWorkers)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(SkillTypeAmbiguousTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
