package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var subscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ozone_label_subscribers",
	Help: "Number of connected subscribeLabels consumers",
})

var framesSent = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ozone_label_frames_sent_total",
	Help: "Number of #labels frames written to subscribers",
})
