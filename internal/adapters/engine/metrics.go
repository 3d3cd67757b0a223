package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the outward observability surface: node latency and outcome
// rates, queue depth, dead-letter count and the current resource level,
// all consumable by an external scraper.
type Metrics struct {
	taskLatency   *prometheus.HistogramVec
	taskOutcomes  *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	deadLetters   prometheus.Gauge
	resourceLevel prometheus.Gauge
	inFlight      *prometheus.GaugeVec
	retries       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		taskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "strand",
			Name:      "task_duration_seconds",
			Help:      "Executor invocation latency per node class.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"class"}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "task_outcomes_total",
			Help:      "Task completions by class and outcome.",
		}, []string{"class", "outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "strand",
			Name:      "queue_depth",
			Help:      "Pending tasks awaiting dispatch.",
		}),
		deadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "strand",
			Name:      "dead_letters",
			Help:      "Tasks parked in the dead-letter store.",
		}),
		resourceLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "strand",
			Name:      "resource_level",
			Help:      "Current memory pressure level (0=normal .. 3=protection).",
		}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "strand",
			Name:      "tasks_in_flight",
			Help:      "Currently executing tasks per node class.",
		}, []string{"class"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strand",
			Name:      "task_retries_total",
			Help:      "Tasks re-enqueued with backoff after a transient failure.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.taskLatency,
			m.taskOutcomes,
			m.queueDepth,
			m.deadLetters,
			m.resourceLevel,
			m.inFlight,
			m.retries,
		)
	}

	return m
}
