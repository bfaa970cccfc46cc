package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TaskEnqueued("a")
		m.TaskProcessed("a", "succeeded", time.Second)
		m.ScheduledRun("success")
		m.EmailSent("failed")
		m.QueueLength(3)
		m.Trigger("process-task-queue", "ok")
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.TaskProcessed("export_data", "succeeded", 20*time.Millisecond)
	m.TaskProcessed("export_data", "failed", time.Millisecond)
	m.TaskProcessed("export_data", "succeeded", time.Millisecond)
	m.QueueLength(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksProcessed.WithLabelValues("export_data", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksProcessed.WithLabelValues("export_data", "failed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueLength))
}
