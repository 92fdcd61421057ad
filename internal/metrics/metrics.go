// Package metrics exposes Prometheus instrumentation for the engine, feeds
// and task runner. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "transit"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	transitionsApplied  *prometheus.CounterVec
	transitionsRejected *prometheus.CounterVec
	feedTransitions     *prometheus.CounterVec
	feedErrors          *prometheus.CounterVec
	feedPosition        *prometheus.GaugeVec
	tasksCreated        *prometheus.CounterVec
	tasksCompleted      *prometheus.CounterVec
	tasksFailed         *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitionsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_applied_total",
			Help:      "Transitions committed by the engine.",
		}, []string{"model", "transition"}),
		transitionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_rejected_total",
			Help:      "Transitions aborted before commit, by error code.",
		}, []string{"model", "code"}),
		feedTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_transitions_total",
			Help:      "Committed transitions delivered by a change feed.",
		}, []string{"feed"}),
		feedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_errors_total",
			Help:      "Change feed iterations or connections that failed.",
		}, []string{"feed"}),
		feedPosition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_position",
			Help:      "Last acknowledged position: seq for the poller, LSN for the replicator.",
		}, []string{"feed"}),
		tasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Tasks materialized, by consumer.",
		}, []string{"consumer"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks whose handler succeeded, by consumer.",
		}, []string{"consumer"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Task attempts that failed and were left for retry, by consumer.",
		}, []string{"consumer"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Consumer handler run time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"consumer"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitionsApplied,
		m.transitionsRejected,
		m.feedTransitions,
		m.feedErrors,
		m.feedPosition,
		m.tasksCreated,
		m.tasksCompleted,
		m.tasksFailed,
		m.taskDuration,
	)
	return m
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) TransitionApplied(model, transition string) {
	if m == nil {
		return
	}
	m.transitionsApplied.WithLabelValues(model, transition).Inc()
}

func (m *Metrics) TransitionRejected(model, code string) {
	if m == nil {
		return
	}
	m.transitionsRejected.WithLabelValues(model, code).Inc()
}

// FeedDelivered records a transition handed to the sink and the feed's
// new position.
func (m *Metrics) FeedDelivered(feed string, position uint64) {
	if m == nil {
		return
	}
	m.feedTransitions.WithLabelValues(feed).Inc()
	m.feedPosition.WithLabelValues(feed).Set(float64(position))
}

func (m *Metrics) FeedError(feed string) {
	if m == nil {
		return
	}
	m.feedErrors.WithLabelValues(feed).Inc()
}

func (m *Metrics) TaskCreated(consumer string) {
	if m == nil {
		return
	}
	m.tasksCreated.WithLabelValues(consumer).Inc()
}

func (m *Metrics) TaskCompleted(consumer string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(consumer).Inc()
	m.taskDuration.WithLabelValues(consumer).Observe(d.Seconds())
}

func (m *Metrics) TaskFailed(consumer string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksFailed.WithLabelValues(consumer).Inc()
	m.taskDuration.WithLabelValues(consumer).Observe(d.Seconds())
}
