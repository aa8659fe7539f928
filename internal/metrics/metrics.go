package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	announcementsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_announcements_dispatched_total",
			Help: "Announcement fan-out runs by announcement type",
		},
		[]string{"type"},
	)

	recipientsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_recipients_processed_total",
			Help: "Recipients processed by outcome (sent, failed, skipped, pending)",
		},
		[]string{"outcome"},
	)

	batchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_batch_duration_seconds",
			Help:    "Time to process one recipient batch",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	multicastCalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_push_multicast_calls_total",
			Help: "Multicast calls issued to the push provider",
		},
	)

	pushTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_push_tokens_total",
			Help: "Device tokens addressed by result (success, failure, error)",
		},
		[]string{"result"},
	)

	tokensInvalidated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_tokens_invalidated_total",
			Help: "Device tokens soft-invalidated after delivery failure",
		},
	)

	channelSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_channel_sends_total",
			Help: "Email and SMS sends by channel and result",
		},
		[]string{"channel", "result"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Dispatch requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAnnouncementDispatched counts one fan-out run.
func RecordAnnouncementDispatched(announcementType string) {
	announcementsDispatched.WithLabelValues(announcementType).Inc()
}

// RecordRecipientOutcome counts one recipient's outcome.
func RecordRecipientOutcome(outcome string) {
	recipientsProcessed.WithLabelValues(outcome).Inc()
}

// RecordBatchDuration observes the wall time of one batch.
func RecordBatchDuration(d time.Duration) {
	batchDuration.Observe(d.Seconds())
}

// RecordMulticast records one provider call and its per-token results.
func RecordMulticast(success, failure int) {
	multicastCalls.Inc()
	pushTokens.WithLabelValues("success").Add(float64(success))
	pushTokens.WithLabelValues("failure").Add(float64(failure))
}

// RecordMulticastError records tokens whose provider call failed outright.
func RecordMulticastError(tokens int) {
	multicastCalls.Inc()
	pushTokens.WithLabelValues("error").Add(float64(tokens))
}

// RecordTokensInvalidated adds to the invalidated-token counter.
func RecordTokensInvalidated(n int) {
	tokensInvalidated.Add(float64(n))
}

// RecordChannelSend records an email or SMS send attempt.
func RecordChannelSend(channel string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	channelSends.WithLabelValues(channel, result).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// SetCircuitState publishes a breaker's state.
func SetCircuitState(name string, state int) {
	circuitState.WithLabelValues(name).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
