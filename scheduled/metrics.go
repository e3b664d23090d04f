package scheduled

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var scheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ozone_scheduled_actions_created_total",
	Help: "Scheduled actions stored, by action",
}, []string{"action"})

var executions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ozone_scheduled_action_runs_total",
	Help: "Due scheduled actions seen by the processor, by outcome",
}, []string{"outcome"})
