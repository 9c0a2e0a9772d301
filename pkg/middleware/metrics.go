package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parscade_ops_http_requests_total",
			Help: "Requests served by the ops endpoint",
		},
		[]string{"server", "method", "route", "status"},
	)

	opsRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parscade_ops_http_request_duration_seconds",
			Help:    "Ops endpoint request duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"server", "method", "route"},
	)
)

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Metrics counts and times requests by chi route pattern, so path parameters
// do not explode label cardinality.
func Metrics(server string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			opsRequestsTotal.WithLabelValues(server, r.Method, route, strconv.Itoa(rw.status)).Inc()
			opsRequestDuration.WithLabelValues(server, r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
