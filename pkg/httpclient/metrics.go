package httpclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
)

var (
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parscade_api_requests_total",
			Help: "Total number of outbound API request attempts",
		},
		[]string{"method", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parscade_api_request_duration_seconds",
			Help:    "Outbound API request attempt duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	apiRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parscade_api_retries_total",
			Help: "Total number of scheduled request retries",
		},
		[]string{"code"},
	)

	apiTokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parscade_api_token_refresh_total",
			Help: "Session refreshes triggered by 401/403 responses",
		},
		[]string{"result"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parscade_upload_bytes_total",
			Help: "Total bytes sent to pre-signed upload URLs",
		},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// stateToFloat maps gobreaker states to prometheus gauge values.
func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
