package schedule

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes scheduler counters to Prometheus.
type Metrics struct {
	Submitted *prometheus.CounterVec
	Completed *prometheus.CounterVec
	Failed    *prometheus.CounterVec
	Retried   *prometheus.CounterVec
	TimedOut  prometheus.Counter
	InFlight  prometheus.Gauge
}

// NewMetrics registers the scheduler metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Submitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_tasks_submitted_total",
			Help: "Tasks accepted by the task manager.",
		}, []string{"kind"}),
		Completed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_tasks_completed_total",
			Help: "Tasks that reached the Completed state.",
		}, []string{"kind"}),
		Failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_tasks_failed_total",
			Help: "Tasks that reached the Failed state.",
		}, []string{"kind"}),
		Retried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_tasks_retried_total",
			Help: "Transient task failures that were re-queued.",
		}, []string{"kind"}),
		TimedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "scribe_tasks_timed_out_total",
			Help: "Tasks transitioned to TimedOut by the sweeper.",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_tasks_in_flight",
			Help: "Tasks currently held by a worker.",
		}),
	}
}

// NopMetrics returns metrics bound to a throwaway registry.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
