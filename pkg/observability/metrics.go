package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Webhook ingest metrics
	WebhookEventsTotal     *prometheus.CounterVec
	WebhookVerifyDuration  prometheus.Histogram
	WebhookDuplicatesTotal prometheus.Counter

	// Subscription metrics
	StateTransitionsTotal *prometheus.CounterVec
	StaleEventsTotal      prometheus.Counter
	ApplyConflictsTotal   prometheus.Counter

	// Entitlement cache metrics
	CacheHitsTotal          prometheus.Counter
	CacheMissesTotal        prometheus.Counter
	CacheInvalidationsTotal prometheus.Counter

	// Gate metrics
	GateDecisionsTotal *prometheus.CounterVec

	// Usage metrics
	UsageConsumedTotal      *prometheus.CounterVec
	QuotaExceededTotal      *prometheus.CounterVec
	UsageRolloversTotal     prometheus.Counter

	// Job queue metrics
	JobsTotal          *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	JobRetriesTotal    *prometheus.CounterVec
	DeadLettersTotal   *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	QueueDepth         prometheus.Gauge

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Redis metrics
	RedisCommandsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plateful_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plateful_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plateful_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plateful_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plateful_webhook_events_total",
				Help: "Total number of webhook events by type and result",
			},
			[]string{"event_type", "result"},
		),
		WebhookVerifyDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "plateful_webhook_verify_duration_seconds",
				Help:    "Webhook signature verification duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .0025, .005, .01},
			},
		),
		WebhookDuplicatesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plateful_webhook_duplicates_total",
				Help: "Total number of duplicate webhook deliveries",
			},
		),

		StateTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plateful_subscription_transitions_total",
				Help: "Total number of subscription state transitions",
			},
			[]string{"from", "to"},
		),
		StaleEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plateful_subscription_stale_events_total",
				Help: "Total number of events discarded as older than current state",
			},
		),
		ApplyConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plateful_subscription_apply_conflicts_total",
				Help: "Total number of optimistic concurrency conflicts during event apply",
			},
		),

		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plateful_entitlement_cache_hits_total",
				Help: "Total number of entitlement cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plateful_entitlement_cache_misses_total",
				Help: "Total number of entitlement cache misses",
			},
		),
		CacheInvalidationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plateful_entitlement_cache_invalidations_total",
				Help: "Total number of entitlement cache invalidations",
			},
		),

		GateDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plateful_gate_decisions_total",
				Help: "Total number of gate decisions by capability and reason",
			},
			[]string{"capability", "allowed", "reason"},
		),

		UsageConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plateful_usage_consumed_total",
				Help: "Total usage units consumed by quota",
			},
			[]string{"quota"},
		),
		QuotaExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plateful_quota_exceeded_total",
				Help: "Total number of rejected increments by quota",
			},
			[]string{"quota"},
		),
		UsageRolloversTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plateful_usage_rollovers_total",
				Help: "Total number of billing period usage rollovers",
			},
		),

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plateful_jobs_total",
				Help: "Total number of jobs by type and outcome",
			},
			[]string{"job_type", "outcome"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plateful_job_duration_seconds",
				Help:    "Job execution duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"job_type"},
		),
		JobRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plateful_job_retries_total",
				Help: "Total number of job retry attempts",
			},
			[]string{"job_type"},
		),
		DeadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plateful_job_dead_letters_total",
				Help: "Total number of jobs moved to the dead-letter store",
			},
			[]string{"job_type"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plateful_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"job_type"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plateful_job_queue_depth",
				Help: "Number of jobs waiting in the queue",
			},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plateful_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plateful_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		RedisCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plateful_redis_commands_total",
				Help: "Total number of Redis commands",
			},
			[]string{"command", "status"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.WebhookEventsTotal,
		m.WebhookVerifyDuration,
		m.WebhookDuplicatesTotal,
		m.StateTransitionsTotal,
		m.StaleEventsTotal,
		m.ApplyConflictsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidationsTotal,
		m.GateDecisionsTotal,
		m.UsageConsumedTotal,
		m.QuotaExceededTotal,
		m.UsageRolloversTotal,
		m.JobsTotal,
		m.JobDuration,
		m.JobRetriesTotal,
		m.DeadLettersTotal,
		m.BreakerState,
		m.QueueDepth,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.RedisCommandsTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// SetDBStats records database connection pool stats.
func (m *Metrics) SetDBStats(inUse, idle int) {
	m.DBConnectionsActive.Set(float64(inUse))
	m.DBConnectionsIdle.Set(float64(idle))
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
