package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	tasksEnqueued   *prometheus.CounterVec
	tasksProcessed  *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	scheduledRuns   *prometheus.CounterVec
	emailsSent      *prometheus.CounterVec
	queueLength     prometheus.Gauge
	triggerRequests *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tasksEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportflow_queue_tasks_enqueued_total",
			Help: "Queue tasks enqueued.",
		}, []string{"type"}),
		tasksProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportflow_queue_tasks_processed_total",
			Help: "Queue tasks processed by outcome.",
		}, []string{"type", "status"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reportflow_queue_task_duration_seconds",
			Help:    "Duration of queue task handlers.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"type"}),
		scheduledRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportflow_scheduled_runs_total",
			Help: "Scheduled task executions by outcome.",
		}, []string{"status"}),
		emailsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportflow_emails_total",
			Help: "Report emails by delivery outcome.",
		}, []string{"status"}),
		queueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "reportflow_queue_length",
			Help: "Pending queue tasks observed at the last processing run.",
		}),
		triggerRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportflow_trigger_runs_total",
			Help: "Trigger endpoint invocations by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
	}
}

func (m *Metrics) TaskEnqueued(taskType string) {
	if m == nil {
		return
	}
	m.tasksEnqueued.WithLabelValues(taskType).Inc()
}

func (m *Metrics) TaskProcessed(taskType, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.tasksProcessed.WithLabelValues(taskType, status).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(took.Seconds())
}

func (m *Metrics) ScheduledRun(status string) {
	if m == nil {
		return
	}
	m.scheduledRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) EmailSent(status string) {
	if m == nil {
		return
	}
	m.emailsSent.WithLabelValues(status).Inc()
}

func (m *Metrics) QueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

func (m *Metrics) Trigger(name, outcome string) {
	if m == nil {
		return
	}
	m.triggerRequests.WithLabelValues(name, outcome).Inc()
}
