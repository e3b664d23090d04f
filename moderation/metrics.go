package moderation

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsLogged = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ozone_moderation_events_logged_total",
	Help: "Moderation events appended to the event log, by action.",
}, []string{"action"})

var emitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "ozone_moderation_emit_duration_seconds",
	Help:    "Time to emit a moderation event including its side effects.",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
}, []string{"action", "status"})

var emailsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ozone_moderation_emails_total",
	Help: "Moderation emails attempted, by delivery outcome.",
}, []string{"status"})

var statusConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ozone_moderation_conflicts_total",
	Help: "Events rejected because they did not apply to the subject's state.",
}, []string{"reason"})

// actionLabel trims the lexicon prefix so metric labels stay short.
func actionLabel(a Action) string {
	s := string(a)
	if i := strings.LastIndexByte(s, '#'); i >= 0 {
		return s[i+1:]
	}
	return s
}
