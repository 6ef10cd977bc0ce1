package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	tokensIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_tokens_issued_total",
		Help: "Total access tokens issued.",
	})

	tokensRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_tokens_revoked_total",
		Help: "Total access tokens revoked.",
	})

	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_validations_total",
			Help: "Token validation attempts by outcome and failure reason.",
		},
		[]string{"outcome", "reason"},
	)

	sweepExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokens_swept_expired_total",
		Help: "Tokens marked expired by the housekeeping sweep.",
	})

	auditAppendFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_append_failures_total",
			Help: "Audit ledger appends that failed, by originating operation.",
		},
		[]string{"op"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service readiness probe last passed.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		tokensIssuedTotal, tokensRevokedTotal, validationsTotal,
		sweepExpiredTotal, auditAppendFailuresTotal, readyGauge,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TokenIssued records a successful issuance.
func TokenIssued() { tokensIssuedTotal.Inc() }

// TokenRevoked records a successful revocation.
func TokenRevoked() { tokensRevokedTotal.Inc() }

// ValidationResult records one validation attempt. reason is empty on
// success.
func ValidationResult(outcome, reason string) {
	if reason == "" {
		reason = "none"
	}
	validationsTotal.WithLabelValues(outcome, reason).Inc()
}

// AuditAppendFailed records a failed ledger append and emits a log
// line, so best-effort appends never fail silently.
func AuditAppendFailed(op string, err error) {
	auditAppendFailuresTotal.WithLabelValues(op).Inc()
	LogRequest(map[string]any{
		"type":  "audit",
		"event": "append_failed",
		"op":    op,
		"error": err.Error(),
	})
}

// SweepExpired records tokens marked expired by a sweep run.
func SweepExpired(n int) {
	if n > 0 {
		sweepExpiredTotal.Add(float64(n))
	}
}

// SetReady reflects the latest readiness probe result.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses per-resource path segments so metric
// cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if rest, ok := strings.CutPrefix(path, "/v1/subjects/"); ok {
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) == 2 {
			switch parts[1] {
			case "tokens", "audit":
				return "/v1/subjects/:id/" + parts[1]
			}
		}
	}
	if rest, ok := strings.CutPrefix(path, "/v1/actors/"); ok {
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) == 2 && parts[1] == "activity" {
			return "/v1/actors/:id/activity"
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
