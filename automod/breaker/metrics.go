package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modgate_breaker_transitions",
	Help: "Number of circuit breaker state transitions, by target state",
}, []string{"breaker", "state"})
