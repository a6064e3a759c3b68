// Package metrics provides Prometheus instrumentation for lotsync.
package metrics

import (
	"bufio"
	"fmt"
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
	// EventsTotal counts trade events by side and outcome
	// (applied, skipped, failed, partial).
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotsync_events_total",
		Help: "Trade events processed",
	}, []string{"side", "result"})

	// MalformedRecords counts raw orders dropped by the normalizer.
	MalformedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lotsync_malformed_records_total",
		Help: "Raw orders dropped as malformed",
	})

	// AllocationsTotal counts (lot, shares) pairs produced by sells.
	AllocationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lotsync_allocations_total",
		Help: "FIFO allocations produced",
	})

	// SharesAllocated tracks cumulative shares consumed from lots.
	SharesAllocated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotsync_shares_allocated_total",
		Help: "Shares consumed from buy lots",
	}, []string{"symbol"})

	// PersistenceFailures counts store writes that failed after retries.
	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotsync_persistence_failures_total",
		Help: "Store operations that failed",
	}, []string{"op"})

	// StoreRetries counts retried store and brokerage calls.
	StoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotsync_retries_total",
		Help: "Retried remote calls",
	}, []string{"op"})

	// SyncDuration tracks per-instrument sync duration.
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lotsync_sync_duration_seconds",
		Help:    "Per-instrument sync duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"state"})

	// ActiveSyncs tracks instruments currently being synced.
	ActiveSyncs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lotsync_active_syncs",
		Help: "Instruments currently being synced",
	})

	// WebSocketClients tracks connected feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lotsync_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotsync_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lotsync_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
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

		// Route pattern keeps symbol paths from exploding label cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets the websocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
