// Package metrics provides Prometheus instrumentation for the capital engine.
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
	// DealsClassified counts balance deals by resolved category.
	DealsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capital_deals_classified_total",
		Help: "Balance deals classified, by category",
	}, []string{"category"})

	// AmbiguousDeals counts deals that matched more than one category rule.
	AmbiguousDeals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capital_ambiguous_deals_total",
		Help: "Deals matching more than one explicit classification rule",
	})

	// PnLAnomalies counts anomaly flags raised on account P&L results.
	PnLAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capital_pnl_anomalies_total",
		Help: "Anomaly flags raised on account P&L, by kind",
	}, []string{"anomaly"})

	// StaleSnapshots counts P&L results computed from an old snapshot.
	StaleSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capital_stale_snapshots_total",
		Help: "Account P&L results computed from a stale equity snapshot",
	})

	// UnknownSourceAccounts is the number of accounts awaiting review
	// after the last reconciliation run.
	UnknownSourceAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capital_unknown_source_accounts",
		Help: "Accounts with an unresolved capital source",
	})

	// ReconcileDuration tracks full batch duration.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capital_reconcile_duration_seconds",
		Help:    "Reconciliation batch duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// AccountFailures counts accounts that failed inside a batch.
	AccountFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capital_reconcile_account_failures_total",
		Help: "Accounts whose reconciliation failed",
	})

	// AllocationCommits counts ledger writes by action and outcome
	// (ok, invalid, conflict, error).
	AllocationCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capital_allocation_commits_total",
		Help: "Allocation ledger writes by action and outcome",
	}, []string{"action", "outcome"})

	// AllocationLatency tracks commit latency including lock wait.
	AllocationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capital_allocation_latency_seconds",
		Help:    "Allocation ledger write latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// OperatorCommands counts applied operator commands by kind.
	OperatorCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capital_operator_commands_total",
		Help: "Operator commands applied, by kind",
	}, []string{"kind"})

	// DealCacheLookups counts deal history cache lookups by result (hit, miss).
	DealCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capital_deal_cache_lookups_total",
		Help: "Deal history cache lookups, by result",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capital_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capital_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capital_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern prefers the chi route pattern so fund codes and account
// numbers do not blow up label cardinality.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
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

// Hijack is required for WebSocket upgrades through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
