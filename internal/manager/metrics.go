package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics aggregates manager-level counters. Per-plugin accounting lives in
// the persisted state; these cover the host process as a whole.
type metrics struct {
	installs   prometheus.Counter
	uninstalls prometheus.Counter
	executions *prometheus.CounterVec
	duration   prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &metrics{
		installs: factory.NewCounter(prometheus.CounterOpts{
			Name: "quill_plugin_installs_total",
			Help: "Successful plugin installations.",
		}),
		uninstalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "quill_plugin_uninstalls_total",
			Help: "Plugin uninstallations.",
		}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_plugin_executions_total",
			Help: "Plugin method executions by outcome.",
		}, []string{"plugin", "outcome"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "quill_plugin_execution_seconds",
			Help:    "Plugin method execution latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
