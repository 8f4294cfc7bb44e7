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
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Evidence metrics
	ledgerAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_appends_total",
			Help: "Total number of ledger entries appended",
		},
		[]string{"category"},
	)

	ledgerAppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_append_duration_seconds",
			Help:    "Time spent holding the per-entity append lock",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	ledgerChainVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_chain_verifications_total",
			Help: "Total number of chain verifications by result",
		},
		[]string{"result"},
	)

	tsaRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsa_requests_total",
			Help: "Total number of timestamp requests by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	tsaRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsa_request_duration_seconds",
			Help:    "Timestamp provider round-trip duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	signaturesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signatures_created_total",
			Help: "Total number of signature envelopes built",
		},
	)

	vaultOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_operations_total",
			Help: "Total number of vault operations by outcome",
		},
		[]string{"operation", "outcome"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath keeps label cardinality bounded
func normalizePath(path string) string {
	if len(path) > 100 {
		return "/api/..."
	}
	return path
}

// RecordLedgerAppend records an appended entry and how long the lock was held
func RecordLedgerAppend(category string, held time.Duration) {
	ledgerAppendsTotal.WithLabelValues(category).Inc()
	ledgerAppendDuration.Observe(held.Seconds())
}

// RecordChainVerification records a chain verification outcome
func RecordChainVerification(valid bool) {
	result := "invalid"
	if valid {
		result = "valid"
	}
	ledgerChainVerifications.WithLabelValues(result).Inc()
}

// RecordTSARequest records a timestamp request against one provider
func RecordTSARequest(provider string, ok bool, duration time.Duration) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	tsaRequestsTotal.WithLabelValues(provider, outcome).Inc()
	tsaRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordSignature records a built signature envelope
func RecordSignature() {
	signaturesCreated.Inc()
}

// RecordVaultOperation records an encrypt or decrypt call
func RecordVaultOperation(operation string, ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	vaultOperations.WithLabelValues(operation, outcome).Inc()
}
