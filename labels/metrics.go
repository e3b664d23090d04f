package labels

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var labelsWrittenCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ozone_labels_written_total",
	Help: "Total number of labels signed and written, by negation.",
}, []string{"neg"})

var labelsResignedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ozone_labels_resigned_total",
	Help: "Total number of label rows re-signed after a signing key rotation.",
})

var sequencerLastSeen = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ozone_label_sequencer_last_seen",
	Help: "Highest label sequence number observed by the sequencer.",
})

var sequencerPolls = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ozone_label_sequencer_polls_total",
	Help: "Sequencer polls run.",
})

var sequencerWakeups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ozone_label_sequencer_wakeups_total",
	Help: "Poll requests, by source. Requests made while one is pending coalesce.",
}, []string{"source"})

var outboxSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ozone_label_outbox_subscribers",
	Help: "Number of outboxes registered for live events.",
})

var slowConsumerDisconnects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ozone_label_outbox_too_slow_total",
	Help: "Outboxes failed because their consumer fell behind the buffer bound.",
})
