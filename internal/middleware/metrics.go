package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnigate_http_requests_total",
			Help: "HTTP requests by path, method and status code.",
		},
		[]string{"path", "method", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omnigate_http_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"path", "method"},
	)

	// TTFBSeconds is observed by the completion handler, where first-byte
	// time is actually known.
	TTFBSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omnigate_upstream_ttfb_seconds",
			Help:    "Time to first upstream byte, by provider and model.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	BillingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnigate_billing_decisions_total",
			Help: "Billing outcomes by source.",
		},
		[]string{"outcome"},
	)

	RefundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnigate_refunds_total",
			Help: "Refund attempts by outcome.",
		},
		[]string{"outcome"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnigate_rate_limit_denials_total",
			Help: "Admission denials by window.",
		},
		[]string{"window"},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "omnigate_circuit_open",
			Help: "1 when the provider circuit is open.",
		},
		[]string{"provider"},
	)
)

// Metrics records request counts and latency per route.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}

		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		requestsTotal.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(status)).Inc()
		requestDuration.WithLabelValues(r.URL.Path, r.Method).Observe(time.Since(start).Seconds())
	})
}
