// Package metrics provides Prometheus instrumentation for the exchange.
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
	// SettlementsTotal counts settled offers, partitioned by the offer's side.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_settlements_total",
		Help: "Total number of offers settled",
	}, []string{"side"})

	// OperationLatency tracks how long each ledger operation takes, retries included.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dex_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// Rejections counts operations refused by a precondition, by error kind.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_rejections_total",
		Help: "Operations rejected, by operation and error kind",
	}, []string{"op", "kind"})

	// StocksMinted counts minted stocks.
	StocksMinted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dex_stocks_minted_total",
		Help: "Total number of stocks minted",
	})

	// OfferEvents counts offer lifecycle transitions.
	OfferEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_offer_events_total",
		Help: "Offer lifecycle transitions",
	}, []string{"event"})

	// ActiveOffers tracks offers opened and not yet filled or cancelled. It is
	// seeded from the store at startup.
	ActiveOffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dex_active_offers",
		Help: "Number of currently active offers",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dex_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dex_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dex_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// TradedNotional tracks cumulative settled notional across all stocks.
	// Self-trades move no funds and are not counted.
	TradedNotional = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dex_traded_notional_total",
		Help: "Cumulative settled notional in base units",
	})

	// PrimaryPurchases counts units bought out of unallocated supply.
	PrimaryPurchases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dex_primary_purchase_units_total",
		Help: "Units bought from stock authorities out of unallocated supply",
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

		// Label by route pattern, not raw path, to bound cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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
