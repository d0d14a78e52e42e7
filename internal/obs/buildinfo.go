package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ServiceName identifies this process in logs, metrics and traces.
const ServiceName = "aula-engine"

// buildInfo is a constant 1 gauge labelled with version and commit.
var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "build_info",
		Help: "aula-engine build information.",
	},
	[]string{"version", "commit"},
)

// InitBuildInfo registers the metrics (once) and publishes build_info.
func InitBuildInfo(version, commit string) {
	Init()
	buildInfo.WithLabelValues(version, commit).Set(1)
}
