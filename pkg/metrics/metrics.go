package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "treasury_engine_build_info",
			Help: "Build information of the treasury engine",
		},
		[]string{"version", "commit", "date"},
	)

	LedgerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treasury_engine_ledger_operations_total",
			Help: "Total number of terminal ledger operations by outcome",
		},
		[]string{"operation", "status"},
	)

	CycleConfigurationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treasury_engine_cycle_configurations_total",
			Help: "Total number of funding cycle reconfigurations by outcome",
		},
		[]string{"status"},
	)

	SplitGroupReplacementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treasury_engine_split_group_replacements_total",
			Help: "Total number of split group replacements by outcome",
		},
		[]string{"status"},
	)

	PayoutFanoutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "treasury_engine_payout_fanout_duration_seconds",
			Help:    "Duration of payout distribution fan-outs",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
		},
	)

	ArchiveWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treasury_engine_archive_writes_total",
			Help: "Total number of archive writes by outcome",
		},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treasury_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treasury_engine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}
