package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reversals = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ozone_reversals_total",
	Help: "Expired suspensions and mutes processed by the reversal scanner",
}, []string{"action", "status"})
