package sensitive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var checkHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modgate_sensitive_hits",
	Help: "Number of sensitive-term hits found in submitted content",
})

var checkFallbacks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modgate_sensitive_fallbacks",
	Help: "Number of checks served by local term lists after a service failure",
})
