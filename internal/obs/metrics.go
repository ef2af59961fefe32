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

var initOnce sync.Once

// HTTP metrics
var (
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
)

// Trust infrastructure metrics
var (
	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Signed session tokens minted, by kind.",
		},
		[]string{"kind"},
	)

	authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_failures_total",
			Help: "Rejected credentials and guard denials, by reason.",
		},
		[]string{"reason"},
	)

	rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Rate-limit admission decisions, by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	rateLimitBackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_backend_errors_total",
			Help: "Distributed rate-limit backend failures.",
		},
		[]string{"backend"},
	)

	rateLimitBackend = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ratelimit_backend_info",
			Help: "Active rate-limit backend (value is always 1).",
		},
		[]string{"backend"},
	)

	principalCacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "principal_cache_events_total",
			Help: "Principal cache lookups and removals by event.",
		},
		[]string{"event"},
	)
)

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			tokensIssued, authFailures,
			rateLimitDecisions, rateLimitBackendErrors, rateLimitBackend,
			principalCacheEvents,
		)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TokenIssued counts a minted token of the given kind.
func TokenIssued(kind string) { tokensIssued.WithLabelValues(kind).Inc() }

// AuthFailure counts a rejected credential or a guard denial.
func AuthFailure(reason string) { authFailures.WithLabelValues(reason).Inc() }

// RateLimitDecision counts one admission decision.
func RateLimitDecision(backend string, allowed bool) {
	outcome := "rejected"
	if allowed {
		outcome = "allowed"
	}
	rateLimitDecisions.WithLabelValues(backend, outcome).Inc()
}

// RateLimitBackendError counts a failed call against the distributed backend.
func RateLimitBackendError(backend string) { rateLimitBackendErrors.WithLabelValues(backend).Inc() }

// SetRateLimitBackend records which backend was selected at startup.
func SetRateLimitBackend(backend string) {
	rateLimitBackend.Reset()
	rateLimitBackend.WithLabelValues(backend).Set(1)
}

// PrincipalCacheEvent counts hit, miss, evict and expire events of the
// principal cache.
func PrincipalCacheEvent(event string) { principalCacheEvents.WithLabelValues(event).Inc() }

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// parameterised routes: prefix -> label used in place of the trailing segment
var canonicalPrefixes = map[string]string{
	"/v1/admin/permissions/": "/v1/admin/permissions/:role",
	"/v1/admin/ratelimit/":   "/v1/admin/ratelimit/:key",
}

// CanonicalPath collapses parameterised routes so metric labels stay bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	for prefix, label := range canonicalPrefixes {
		rest, ok := strings.CutPrefix(path, prefix)
		if ok && rest != "" && !strings.Contains(rest, "/") {
			return label
		}
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
