package pusher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pushAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ozone_push_attempts_total",
	Help: "Downstream takedown deliveries attempted, by table, target and outcome",
}, []string{"kind", "event_type", "status"})

var pushExhausted = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ozone_push_events_exhausted",
	Help: "Push rows left unconfirmed after the maximum number of attempts",
}, []string{"kind"})
