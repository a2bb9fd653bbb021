package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	registered *prometheus.CounterVec
	finished   *prometheus.CounterVec
	running    prometheus.Gauge
	duration   *prometheus.HistogramVec
	evicted    prometheus.Counter
}

// newMetrics creates the registry collectors on reg. A nil reg leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		registered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavemesh",
			Subsystem: "registry",
			Name:      "executions_registered_total",
			Help:      "Executions registered, by entity type.",
		}, []string{"entity_type"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wavemesh",
			Subsystem: "registry",
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status.",
		}, []string{"entity_type", "status"}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "wavemesh",
			Subsystem: "registry",
			Name:      "executions_running",
			Help:      "Executions currently running.",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wavemesh",
			Subsystem: "registry",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of finished executions.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"entity_type", "status"}),
		evicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "wavemesh",
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Summaries evicted from the history buffer.",
		}),
	}
}
