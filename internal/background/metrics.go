package background

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queuedTasks = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ozone_background_tasks_queued",
	Help: "Number of background tasks waiting for a worker slot",
})

var runningTasks = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ozone_background_tasks_running",
	Help: "Number of background tasks currently running",
})

var tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ozone_background_tasks_completed_total",
	Help: "Number of background tasks finished, by outcome",
}, []string{"task", "status"})

var taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "ozone_background_task_duration_seconds",
	Help:    "Duration of background task runs",
	Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
}, []string{"task"})
