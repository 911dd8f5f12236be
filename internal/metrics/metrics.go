// Package metrics provides Prometheus instrumentation for the interest engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SettlementsTotal counts settlement calls by trigger and outcome
	// ("paid", "zero", "ineligible", "error").
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interest_settlements_total",
		Help: "Total settlement calls by trigger and outcome",
	}, []string{"trigger", "outcome"})

	// SettlementLatency tracks settlement duration including retries.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "interest_settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"trigger"})

	// SettlementRetries counts serialization-conflict retries.
	SettlementRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interest_settlement_retries_total",
		Help: "Settlement attempts retried after a serialization conflict",
	}, []string{"trigger"})

	// PayoutsTotal counts ledger entries written.
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interest_payouts_total",
		Help: "Interest payout ledger entries written",
	}, []string{"source"})

	// PaidAmount accumulates interest credited, as a float approximation.
	PaidAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interest_paid_amount_total",
		Help: "Cumulative interest credited",
	}, []string{"source"})

	// TradeEventsTotal counts ingested trade events.
	TradeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interest_trade_events_total",
		Help: "Trade events appended to the event store",
	}, []string{"side"})

	// WebSocketClients tracks connected payout feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "interest_websocket_clients",
		Help: "Number of connected payout feed clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "interest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSince records elapsed time for a settlement trigger.
func ObserveSince(trigger string, start time.Time) {
	SettlementLatency.WithLabelValues(trigger).Observe(time.Since(start).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
