package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/store"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// accountCollector reads account counts from the store at scrape time, so
// the gauges always match the database rather than in-process counters.
type accountCollector struct {
	store     store.AccountStore
	byStatus  *prometheus.Desc
	byFailure *prometheus.Desc
}

func newAccountCollector(st store.AccountStore) *accountCollector {
	return &accountCollector{
		store: st,
		byStatus: prometheus.NewDesc("foundry_accounts",
			"Accounts by status.", []string{"status"}, nil),
		byFailure: prometheus.NewDesc("foundry_accounts_failed",
			"Accounts carrying a failure classification, by type.", []string{"failure_type"}, nil),
	}
}

func (c *accountCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.byStatus
	ch <- c.byFailure
}

func (c *accountCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	stats, err := c.store.GetAccountStats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.byStatus, err)
		return
	}
	for _, status := range []string{
		model.StatusPending, model.StatusChecking, model.StatusReady,
		model.StatusFailed, model.StatusDisabled,
	} {
		ch <- prometheus.MustNewConstMetric(c.byStatus, prometheus.GaugeValue,
			float64(stats.CountByStatus[status]), status)
	}
	for t, n := range stats.CountByType {
		ch <- prometheus.MustNewConstMetric(c.byFailure, prometheus.GaugeValue, float64(n), t)
	}
}

// metricsHandler serves the process-wide metrics together with account
// gauges for this server's store.
func (s *Server) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newAccountCollector(s.deps.Store))
	return promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, reg}, promhttp.HandlerOpts{})
}
