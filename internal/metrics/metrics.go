// Package metrics provides Prometheus instrumentation for the stake engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DepositsTotal counts accepted deposits, partitioned by pool.
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_engine_deposits_total",
		Help: "Total number of accepted deposits",
	}, []string{"pool"})

	// WithdrawalsTotal counts settled stakes, partitioned by pool.
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_engine_withdrawals_total",
		Help: "Total number of settled stakes",
	}, []string{"pool"})

	// CyclesOpened counts cycles opened by managers.
	CyclesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_engine_cycles_opened_total",
		Help: "Total number of pool cycles opened",
	}, []string{"pool"})

	// RewardsAllocated tracks cumulative reward credited, in base units.
	RewardsAllocated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_engine_rewards_allocated_units_total",
		Help: "Cumulative reward allocated to cycles in token base units",
	}, []string{"pool"})

	// Rejections counts rejected operations by operation and error kind.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_engine_rejections_total",
		Help: "Operations rejected by a precondition or the asset ledger",
	}, []string{"op", "kind"})

	// OperationLatency tracks engine operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stake_engine_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// OutstandingPrincipal is the principal of all unsettled stakes.
	OutstandingPrincipal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stake_engine_outstanding_principal_units",
		Help: "Principal of unsettled stakes in token base units",
	})

	// PersistFailures counts write-through failures after a committed transition.
	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_engine_persist_failures_total",
		Help: "Store write-through failures after a committed transition",
	}, []string{"op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stake_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stake_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stake_engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// RateLimited counts requests refused by the API rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stake_engine_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
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

// ObserveSince records the latency of op started at start.
func ObserveSince(op string, start time.Time) {
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
