package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// requestMetrics records per-route request counts and latencies. Labels
// carry the chi route pattern, not the raw path, so path parameters do
// not explode the label cardinality.
func requestMetrics(reg prometheus.Registerer) func(http.Handler) http.Handler {
	requestsTotal := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_http_requests_total",
			Help: "Total HTTP requests served.",
		},
		[]string{"method", "path", "code"},
	)
	requestDuration := promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metering_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "code"},
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			pattern := chi.RouteContext(r.Context()).RoutePattern()
			code := strconv.Itoa(ww.Status())
			requestsTotal.WithLabelValues(r.Method, pattern, code).Inc()
			requestDuration.WithLabelValues(r.Method, pattern, code).Observe(time.Since(start).Seconds())
		})
	}
}
