package resilience

import "github.com/prometheus/client_golang/prometheus"

var (
	// BreakerState exposes the current state per target: 0=closed, 1=open, 2=half-open.
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "settlement",
		Name:      "breaker_state",
		Help:      "Current breaker state: 0=closed,1=open,2=half-open",
	}, []string{"target"})
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "breaker_transition_total",
		Help:      "Count of breaker state transitions",
	}, []string{"target", "from", "to"})
	BreakerOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "breaker_open_total",
		Help:      "Number of times a breaker transitioned into open state",
	}, []string{"target"})
	// HTTPAttempts counts outbound attempts to the sale API by method and outcome.
	HTTPAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "upstream_attempts_total",
		Help:      "Outbound sale API attempts by method and outcome",
	}, []string{"method", "outcome"})
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerOpenedTotal, HTTPAttempts)
}
