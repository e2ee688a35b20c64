package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "passage_build_info",
			Help: "Activation service build information.",
		},
		[]string{"version", "commit", "goversion"},
	)
)

// InitBuildInfo publishes passage_build_info{version,commit,goversion} = 1.
// Calling it again with new labels replaces the previous series.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
