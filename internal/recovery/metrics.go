package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var phaseTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "parscade_password_reset_transitions_total",
		Help: "Password reset page transitions, by target phase",
	},
	[]string{"phase"},
)
