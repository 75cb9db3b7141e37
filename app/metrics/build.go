package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(buildInfo)
}

var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "forgeq_build_info",
		Help: "A constant metric with the version label.",
	},
	[]string{"version"},
)

// SetBuildInfo sets the version label
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}
