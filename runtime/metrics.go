package runtime

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/warriorguo/taskgraph/types"
)

type engineMetrics struct {
	resultsApplied   *prometheus.CounterVec
	tasksSkipped     prometheus.Counter
	versionConflicts prometheus.Counter
	mutationDuration *prometheus.HistogramVec
}

func newEngineMetrics(reg prometheus.Registerer) (*engineMetrics, error) {
	m := &engineMetrics{
		resultsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskgraph_results_applied_total",
				Help: "Total number of task results recorded, by reported state",
			},
			[]string{"state"},
		),
		tasksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskgraph_cascade_skipped_tasks_total",
			Help: "Total number of tasks the cascade switched to SKIPPED",
		}),
		versionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskgraph_version_conflicts_total",
			Help: "Total number of snapshot saves rejected by optimistic versioning",
		}),
		mutationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskgraph_mutation_duration_seconds",
				Help:    "Duration of load, mutate and save of one run",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.resultsApplied, m.tasksSkipped, m.versionConflicts, m.mutationDuration} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Annotatef(err, "failed to register metrics")
		}
	}
	return m, nil
}

func (m *engineMetrics) observeResults(results []types.TaskResult, skipped []types.TaskWithState) {
	for _, r := range results {
		m.resultsApplied.WithLabelValues(r.State.String()).Inc()
	}
	m.tasksSkipped.Add(float64(len(skipped)))
}

func (m *engineMetrics) observeSave(status types.SaveStatus) {
	if status == types.SaveVersionConflict {
		m.versionConflicts.Inc()
	}
}
