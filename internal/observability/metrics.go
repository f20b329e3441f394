package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ExecutionsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executions_emitted_total",
			Help: "Total number of PENDING execution rows emitted",
		},
		[]string{"source"},
	)
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execution_claims_total",
			Help: "Total number of claim attempts by outcome",
		},
		[]string{"outcome"},
	)
	ExecutionsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executions_finished_total",
			Help: "Total number of executions reaching a terminal write",
		},
		[]string{"status"},
	)
	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handler_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"handler"},
	)
	WorkerInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_inflight_executions",
			Help: "Number of executions currently running in this worker",
		},
	)
	DBPoolAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_pool_available_connections",
			Help: "Available connections per database pool",
		},
		[]string{"db"},
	)
)

// InitMetrics registers all collectors. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ExecutionsEmittedTotal)
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(ExecutionsFinishedTotal)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(WorkerInflight)
	prometheus.MustRegister(DBPoolAvailable)
}

// HTTPMetricsMiddleware records request counts and latencies per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
