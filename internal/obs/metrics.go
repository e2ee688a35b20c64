package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	activationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activation_outcomes_total",
			Help: "Pipeline decisions by operation, outcome and internal reason.",
		},
		[]string{"operation", "outcome", "reason"},
	)

	rateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_denials_total",
			Help: "Requests denied by the sliding-window limiter.",
		},
		[]string{"scope"},
	)

	auditAppendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_append_failures_total",
		Help: "Audit events that exhausted the store retry budget.",
	})

	auditBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_buffered_events",
		Help: "Audit events held in the local buffer awaiting the store.",
	})

	expiredUnused = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "credentials_expired_unused",
		Help: "Credentials past expiry that were never consumed.",
	})

	archivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credentials_archived_total",
		Help: "Used credentials moved past the retention interval.",
	})

	secretVerify = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "secret_verify_seconds",
		Help:    "Time spent in the slow one-way function.",
		Buckets: []float64{.01, .025, .05, .1, .2, .4, .8, 1.6},
	})
)

// Init registers metrics with the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			activationOutcomes, rateLimitDenials, auditAppendFailures, auditBuffered,
			expiredUnused, archivedTotal, secretVerify,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the result of the last readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// ObserveOutcome counts one pipeline decision.
func ObserveOutcome(operation, outcome, reason string) {
	activationOutcomes.WithLabelValues(operation, outcome, reason).Inc()
}

// ObserveRateLimited counts a denial for scope.
func ObserveRateLimited(scope string) {
	rateLimitDenials.WithLabelValues(scope).Inc()
}

// ObserveAuditFailure counts an audit event that fell back to the local buffer.
func ObserveAuditFailure() { auditAppendFailures.Inc() }

// SetAuditBuffered publishes the local audit buffer depth.
func SetAuditBuffered(n int) { auditBuffered.Set(float64(n)) }

// SetExpiredUnused publishes the number of expired, never-consumed credentials.
func SetExpiredUnused(n int) { expiredUnused.Set(float64(n)) }

// ObserveArchived counts credentials archived by a sweep.
func ObserveArchived(n int) { archivedTotal.Add(float64(n)) }

// ObserveVerify records the duration of one slow hash computation.
func ObserveVerify(d time.Duration) { secretVerify.Observe(d.Seconds()) }

// Instrument measures in-flight requests, totals and latency.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath folds resource ids into placeholders to keep label cardinality bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "whitelist" && parts[4] == "credentials":
		return "/v1/admin/whitelist/:id/credentials"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "credentials" && parts[4] == "revoke":
		return "/v1/admin/credentials/:id/revoke"
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
