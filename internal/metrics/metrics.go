// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// SettlementsTotal counts events reaching a state, partitioned by state.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_settlements_total",
		Help: "Wreckage events by settlement state",
	}, []string{"state"})

	// SettlementLatency tracks end-to-end processing of one submission.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wreckage_settlement_latency_seconds",
		Help:    "Settlement processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"state"})

	// RejectionsTotal counts rejected submissions by error kind.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_rejections_total",
		Help: "Rejected submissions by error kind",
	}, []string{"kind"})

	// MintsTotal counts mint records, partitioned by path.
	MintsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_mints_total",
		Help: "Total mint records appended",
	}, []string{"path"})

	// MintedAmount tracks cumulative credit minted per path.
	MintedAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_minted_credit_total",
		Help: "Cumulative credit minted",
	}, []string{"path"})

	// Supply mirrors the ledger's current total supply.
	Supply = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wreckage_supply",
		Help: "Current total credit supply",
	})

	// SupplyCapRejections counts mints refused by the supply cap.
	SupplyCapRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wreckage_supply_cap_rejections_total",
		Help: "Mints rejected by the supply cap",
	})

	// OpenPositions tracks the size of the unmatched pool.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wreckage_open_positions",
		Help: "Positions resting in the matching pool",
	})

	// MatchesTotal counts matches, partitioned by how they were made.
	MatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_matches_total",
		Help: "Total P2P matches",
	}, []string{"mode"})

	// RouteCostBps observes the cost of every chosen route.
	RouteCostBps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wreckage_route_cost_bps",
		Help:    "Cost of selected routes in basis points",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	// PriceFeedAttempts counts price lookups by outcome.
	PriceFeedAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_price_feed_attempts_total",
		Help: "Price feed lookups by outcome",
	}, []string{"outcome"})

	// PublishedEvents counts outbound settlement events by sink and outcome.
	PublishedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_published_events_total",
		Help: "Outbound settlement events by sink and outcome",
	}, []string{"sink", "outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wreckage_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wreckage_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wreckage_http_request_duration_seconds",
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
