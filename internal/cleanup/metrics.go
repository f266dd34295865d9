package cleanup

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricsOnce sync.Once

var metricsInstance *Metrics

// Metrics holds the Prometheus counters for cleanup runs.
type Metrics struct {
	Results   *prometheus.CounterVec // mediavault_cleanup_results_total{result}
	RunsTotal prometheus.Counter     // mediavault_cleanup_runs_total
	Refused   prometheus.Counter     // mediavault_cleanup_refused_total
}

// InitMetrics registers the cleanup metrics once; subsequent calls return
// the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			Results: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "mediavault_cleanup_results_total",
				Help: "Cleanup entry outcomes by result class",
			}, []string{"result"}),

			RunsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "mediavault_cleanup_runs_total",
				Help: "Total cleanup job executions",
			}),

			Refused: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "mediavault_cleanup_refused_total",
				Help: "Cleanup jobs refused for exceeding the per-disk ceiling",
			}),
		}
	})

	return metricsInstance
}

func (m *Metrics) record(stats Stats) {
	m.RunsTotal.Inc()
	m.Results.WithLabelValues("deleted").Add(float64(stats.Deleted))
	m.Results.WithLabelValues("missing").Add(float64(stats.Missing))
	m.Results.WithLabelValues("exists").Add(float64(stats.Exists))
	m.Results.WithLabelValues("preserved").Add(float64(stats.Preserved))
	m.Results.WithLabelValues("skipped_invalid").Add(float64(stats.SkippedInvalid))
	m.Results.WithLabelValues("errors").Add(float64(stats.Errors))
}
