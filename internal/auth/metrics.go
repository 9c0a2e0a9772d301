package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "parscade_auth_transitions_total",
		Help: "Auth state machine actions applied, by action type",
	},
	[]string{"action"},
)
