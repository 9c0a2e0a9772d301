package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "parscade_ratelimit_rejections_total",
		Help: "Attempts rejected by a client-side rate limiter",
	},
	[]string{"limiter"},
)
