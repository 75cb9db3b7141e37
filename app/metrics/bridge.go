package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(bridgeState, bridgeEvents, healthFailures)
}

var (
	bridgeState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgeq_bridge_state",
			Help: "Bridge state: 0 stopped, 1 starting, 2 running, 3 error, 4 unavailable.",
		},
	)

	bridgeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeq_bridge_events_total",
			Help: "Bridge lifecycle events per kind.",
		},
		[]string{"kind"},
	)

	healthFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forgeq_bridge_health_failures",
			Help: "Consecutive health check failures of the engine.",
		},
	)
)

// BridgeEvent records a bridge lifecycle event with the state it left the bridge in
func BridgeEvent(kind string, stateIndex, failures int) {
	bridgeEvents.WithLabelValues(kind).Inc()
	bridgeState.Set(float64(stateIndex))
	healthFailures.Set(float64(failures))
}
