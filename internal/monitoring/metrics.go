package monitoring

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// AI Provider metrics
	AIProviderLatency  *prometheus.HistogramVec
	AIProviderRequests *prometheus.CounterVec
	AIProviderErrors   *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec

	// Indexing metrics
	JobTransitions  *prometheus.CounterVec
	WorkerRetries   *prometheus.CounterVec
	DeadLetters     prometheus.Counter
	ChunksIndexed   *prometheus.CounterVec
	ProcessDuration prometheus.Histogram
	QueueReclaimed  prometheus.Counter
	WorkersBusy     prometheus.Gauge

	// Retrieval and chat metrics
	RetrievalLatency *prometheus.HistogramVec
	ChatTurns        *prometheus.CounterVec
	ToolCalls        *prometheus.CounterVec

	// Audit metrics
	AuditPublished *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

var (
	metrics  *Metrics
	initOnce sync.Once
)

// Init initializes all Prometheus metrics
func Init() *Metrics {
	initOnce.Do(func() {
		metrics = newMetrics()
	})
	return metrics
}

func newMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		AIProviderLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ai_provider_latency_seconds",
				Help:    "AI provider response latency in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "operation"},
		),
		AIProviderRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_provider_requests_total",
				Help: "Total number of requests to AI providers",
			},
			[]string{"provider", "operation", "status"},
		),
		AIProviderErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_provider_errors_total",
				Help: "Total number of errors from AI providers",
			},
			[]string{"provider", "operation", "error_type"},
		),

		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"route"},
		),

		JobTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexing_job_transitions_total",
				Help: "Indexing job status transitions",
			},
			[]string{"from", "to"},
		),
		WorkerRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexing_worker_retries_total",
				Help: "Indexing messages republished for retry",
			},
			[]string{"attempt"},
		),
		DeadLetters: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexing_dead_letters_total",
				Help: "Indexing messages routed to the dead-letter stream",
			},
		),
		ChunksIndexed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexing_chunks_total",
				Help: "Chunks upserted into the vector index",
			},
			[]string{"topic"},
		),
		ProcessDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "indexing_process_duration_seconds",
				Help:    "Time spent processing one indexing message",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
		QueueReclaimed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexing_queue_reclaimed_total",
				Help: "Stale pending messages reclaimed from dead consumers",
			},
		),
		WorkersBusy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexing_workers_busy",
				Help: "Workers currently processing a message",
			},
		),

		RetrievalLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "retrieval_latency_seconds",
				Help:    "Retrieval search latency in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"mode"},
		),
		ChatTurns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_turns_total",
				Help: "Chat turns by terminal outcome",
			},
			[]string{"outcome"},
		),
		ToolCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_tool_calls_total",
				Help: "Tool calls requested by the model",
			},
			[]string{"tool", "result"},
		),

		AuditPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_events_total",
				Help: "Audit events by publish result",
			},
			[]string{"result"},
		),

		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 0.5=half-open)",
			},
			[]string{"provider"},
		),
	}
}

// Get returns the global metrics instance
func Get() *Metrics {
	return Init()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler returns a Gin-compatible handler for Prometheus metrics
func GinHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordAIProviderLatency records AI provider latency
func RecordAIProviderLatency(provider, operation string, duration time.Duration) {
	Get().AIProviderLatency.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordAIProviderRequest records an AI provider request
func RecordAIProviderRequest(provider, operation, status string) {
	Get().AIProviderRequests.WithLabelValues(provider, operation, status).Inc()
}

// RecordAIProviderError records an AI provider error
func RecordAIProviderError(provider, operation, errorType string) {
	Get().AIProviderErrors.WithLabelValues(provider, operation, errorType).Inc()
}

// RecordRateLimitHit records a rate limit hit
func RecordRateLimitHit(route string) {
	Get().RateLimitHits.WithLabelValues(route).Inc()
}

// RecordJobTransition records a job status change
func RecordJobTransition(from, to string) {
	Get().JobTransitions.WithLabelValues(from, to).Inc()
}

// RecordWorkerRetry records a republished indexing message
func RecordWorkerRetry(attempt int) {
	Get().WorkerRetries.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

// RecordDeadLetter records a dead-lettered indexing message
func RecordDeadLetter() {
	Get().DeadLetters.Inc()
}

// RecordChunksIndexed records chunks written for a topic
func RecordChunksIndexed(topic string, n int) {
	Get().ChunksIndexed.WithLabelValues(topic).Add(float64(n))
}

// RecordProcessDuration records how long one indexing message took
func RecordProcessDuration(duration time.Duration) {
	Get().ProcessDuration.Observe(duration.Seconds())
}

// RecordReclaimed records reclaimed pending messages
func RecordReclaimed(n int) {
	Get().QueueReclaimed.Add(float64(n))
}

// RecordRetrievalLatency records a retrieval search
func RecordRetrievalLatency(mode string, duration time.Duration) {
	Get().RetrievalLatency.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordChatTurn records the terminal outcome of a chat turn
func RecordChatTurn(outcome string) {
	Get().ChatTurns.WithLabelValues(outcome).Inc()
}

// RecordToolCall records a tool call and what happened to it
func RecordToolCall(tool, result string) {
	Get().ToolCalls.WithLabelValues(tool, result).Inc()
}

// RecordAuditEvent records an audit publish result
func RecordAuditEvent(result string) {
	Get().AuditPublished.WithLabelValues(result).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state
// state: 0=closed, 1=open, 0.5=half-open
func SetCircuitBreakerState(provider string, state float64) {
	Get().CircuitBreakerState.WithLabelValues(provider).Set(state)
}
