package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// QueueCollector counts tasks claimed from the persistent job queue by
// type, the way the teacher's indexer/controller2 counts scanned
// manifests.
type QueueCollector struct {
	claimed *prometheus.CounterVec
}

// NewQueueCollector registers and returns a QueueCollector.
func NewQueueCollector() *QueueCollector {
	return &QueueCollector{
		claimed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imgtag",
				Subsystem: "queue",
				Name:      "tasks_claimed_total",
				Help:      "Total number of tasks claimed from the job queue, by type.",
			},
			[]string{"task_type"},
		),
	}
}

// ObserveClaim increments the counter for taskType.
func (c *QueueCollector) ObserveClaim(taskType string) {
	c.claimed.WithLabelValues(taskType).Inc()
}
