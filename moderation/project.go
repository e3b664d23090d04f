package moderation

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/util"
)

// Field is one column of a status delta. Columns that are not Set keep their
// stored value.
type Field[T any] struct {
	Set   bool
	Value T
}

func set[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: v}
}

// StatusDelta is the change an event makes to a subject status row.
type StatusDelta struct {
	// Suppressed deltas leave the status row untouched, including its
	// existence.
	Suppressed bool

	ReviewState          Field[string]
	Takendown            Field[bool]
	SuspendUntil         Field[*time.Time]
	MuteUntil            Field[*time.Time]
	MuteReportingUntil   Field[*time.Time]
	Appealed             Field[bool]
	LastAppealedAt       Field[*time.Time]
	Tags                 Field[[]string]
	Comment              Field[*string]
	BlobCids             Field[[]string]
	HostingStatus        Field[string]
	HostingUpdatedAt     Field[*time.Time]
	HostingDeletedAt     Field[*time.Time]
	HostingDeactivatedAt Field[*time.Time]
	LastReviewedBy       Field[*string]
	LastReviewedAt       Field[*time.Time]
	LastReportedAt       Field[*time.Time]
}

func ptr[T any](v T) *T {
	return &v
}

func hours(n int) time.Duration {
	return time.Duration(n) * time.Hour
}

// Project computes the status change caused by evt on current, which is nil
// when the subject has no status row yet. It does no I/O.
func Project(current *models.SubjectStatus, evt *models.ModerationEvent, now time.Time) StatusDelta {
	var d StatusDelta
	action := Action(evt.Action)

	// reports from a reporter who is muted are logged but change nothing
	if action == ActionReport && evt.MetaBool("isReporterMuted") {
		return StatusDelta{Suppressed: true}
	}

	defaultState := ReviewNone
	if current != nil {
		defaultState = current.ReviewState
	}
	createdAt := evt.CreatedAt
	reviewed := func() {
		d.LastReviewedBy = set(ptr(evt.CreatedBy))
		d.LastReviewedAt = set(ptr(createdAt))
	}

	switch action {
	case ActionReport:
		d.ReviewState = set(ReviewOpen)
		d.LastReportedAt = set(ptr(createdAt))
	case ActionAcknowledge:
		reviewed()
		d.ReviewState = set(ReviewClosed)
	case ActionEscalate:
		reviewed()
		d.ReviewState = set(ReviewEscalated)
	case ActionTakedown:
		reviewed()
		d.ReviewState = set(ReviewClosed)
		d.Takendown = set(true)
		d.Appealed = set(false)
		if evt.DurationInHours != nil && *evt.DurationInHours > 0 {
			d.SuspendUntil = set(ptr(now.Add(hours(*evt.DurationInHours))))
		} else {
			d.SuspendUntil = set[*time.Time](nil)
		}
	case ActionReverseTakedown:
		reviewed()
		d.ReviewState = set(ReviewClosed)
		d.Takendown = set(false)
		d.SuspendUntil = set[*time.Time](nil)
	case ActionMute, ActionMuteReporter:
		reviewed()
		d.ReviewState = set(defaultState)
		n := defaultMuteHours
		if evt.DurationInHours != nil && *evt.DurationInHours > 0 {
			n = *evt.DurationInHours
		}
		until := set(ptr(now.Add(hours(n))))
		if action == ActionMute {
			d.MuteUntil = until
		} else {
			d.MuteReportingUntil = until
		}
	case ActionUnmute:
		reviewed()
		d.ReviewState = set(defaultState)
		d.MuteUntil = set[*time.Time](nil)
	case ActionUnmuteReporter:
		reviewed()
		d.ReviewState = set(defaultState)
		d.MuteReportingUntil = set[*time.Time](nil)
	case ActionComment:
		reviewed()
		d.ReviewState = set(defaultState)
		if evt.MetaBool("sticky") {
			if evt.Comment == "" {
				d.Comment = set[*string](nil)
			} else {
				d.Comment = set(ptr(evt.Comment))
			}
		}
	case ActionTag:
		d.ReviewState = set(defaultState)
		var tags []string
		if current != nil {
			tags = slices.Clone(current.Tags)
		}
		tags = append(tags, evt.AddedTags...)
		tags = slices.DeleteFunc(tags, func(t string) bool {
			return slices.Contains(evt.RemovedTags, t)
		})
		d.Tags = set(dedupe(tags))
	case ActionResolveAppeal:
		d.Appealed = set(false)
	case ActionAccountEvent, ActionIdentityEvent, ActionRecordEvent:
		projectHosting(&d, evt, now)
		return d
	}

	if current != nil && current.ReviewState == ReviewEscalated && d.ReviewState.Set && d.ReviewState.Value != ReviewClosed {
		d.ReviewState = set(ReviewEscalated)
	}
	if current != nil && d.ReviewState.Set && d.ReviewState.Value == ReviewNone {
		d.ReviewState = set(current.ReviewState)
	}
	if action == ActionReport && IsAppealReason(evt.MetaString("reportType")) {
		d.Appealed = set(true)
		d.LastAppealedAt = set(ptr(createdAt))
		d.ReviewState = set(ReviewEscalated)
	}
	return d
}

func projectHosting(d *StatusDelta, evt *models.ModerationEvent, now time.Time) {
	at := now
	if ts := evt.MetaString("timestamp"); ts != "" {
		if t, err := util.ParseTimestamp(ts); err == nil {
			at = t.UTC()
		}
	}
	d.HostingUpdatedAt = set(ptr(at))

	switch Action(evt.Action) {
	case ActionAccountEvent:
		switch status := evt.MetaString("status"); status {
		case HostingDeleted:
			d.HostingStatus = set(status)
			d.HostingDeletedAt = set(ptr(at))
		case HostingDeactivated:
			d.HostingStatus = set(status)
			d.HostingDeactivatedAt = set(ptr(at))
		case HostingTakendown, HostingSuspended:
			d.HostingStatus = set(status)
		default:
			if evt.MetaBool("active") {
				d.HostingStatus = set(HostingActive)
			} else {
				d.HostingStatus = set(HostingUnknown)
			}
		}
	case ActionIdentityEvent:
		if evt.MetaBool("tombstone") {
			d.HostingStatus = set(HostingTombstoned)
			d.HostingDeletedAt = set(ptr(at))
		}
	case ActionRecordEvent:
		switch evt.MetaString("op") {
		case "delete":
			d.HostingStatus = set(HostingDeleted)
			d.HostingDeletedAt = set(ptr(at))
		case "create", "update":
			d.HostingStatus = set(HostingActive)
		}
	}
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Apply writes the delta onto row in memory.
func (d StatusDelta) Apply(row *models.SubjectStatus) {
	assign(&row.ReviewState, d.ReviewState)
	assign(&row.Takendown, d.Takendown)
	assign(&row.SuspendUntil, d.SuspendUntil)
	assign(&row.MuteUntil, d.MuteUntil)
	assign(&row.MuteReportingUntil, d.MuteReportingUntil)
	assign(&row.Appealed, d.Appealed)
	assign(&row.LastAppealedAt, d.LastAppealedAt)
	assign(&row.Tags, d.Tags)
	assign(&row.Comment, d.Comment)
	assign(&row.BlobCids, d.BlobCids)
	assign(&row.HostingStatus, d.HostingStatus)
	assign(&row.HostingUpdatedAt, d.HostingUpdatedAt)
	assign(&row.HostingDeletedAt, d.HostingDeletedAt)
	assign(&row.HostingDeactivatedAt, d.HostingDeactivatedAt)
	assign(&row.LastReviewedBy, d.LastReviewedBy)
	assign(&row.LastReviewedAt, d.LastReviewedAt)
	assign(&row.LastReportedAt, d.LastReportedAt)
}

func assign[T any](dst *T, f Field[T]) {
	if f.Set {
		*dst = f.Value
	}
}

// columns returns the delta as column assignments for an upsert. JSON columns
// are encoded here since map assignments skip gorm serializers.
func (d StatusDelta) columns() (map[string]any, error) {
	cols := map[string]any{}
	put := func(name string, ok bool, v any) {
		if ok {
			cols[name] = v
		}
	}
	put("review_state", d.ReviewState.Set, d.ReviewState.Value)
	put("takendown", d.Takendown.Set, d.Takendown.Value)
	put("suspend_until", d.SuspendUntil.Set, d.SuspendUntil.Value)
	put("mute_until", d.MuteUntil.Set, d.MuteUntil.Value)
	put("mute_reporting_until", d.MuteReportingUntil.Set, d.MuteReportingUntil.Value)
	put("appealed", d.Appealed.Set, d.Appealed.Value)
	put("last_appealed_at", d.LastAppealedAt.Set, d.LastAppealedAt.Value)
	put("comment", d.Comment.Set, d.Comment.Value)
	put("hosting_status", d.HostingStatus.Set, d.HostingStatus.Value)
	put("hosting_updated_at", d.HostingUpdatedAt.Set, d.HostingUpdatedAt.Value)
	put("hosting_deleted_at", d.HostingDeletedAt.Set, d.HostingDeletedAt.Value)
	put("hosting_deactivated_at", d.HostingDeactivatedAt.Set, d.HostingDeactivatedAt.Value)
	put("last_reviewed_by", d.LastReviewedBy.Set, d.LastReviewedBy.Value)
	put("last_reviewed_at", d.LastReviewedAt.Set, d.LastReviewedAt.Value)
	put("last_reported_at", d.LastReportedAt.Set, d.LastReportedAt.Value)
	for name, f := range map[string]Field[[]string]{"tags": d.Tags, "blob_cids": d.BlobCids} {
		if !f.Set {
			continue
		}
		b, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		cols[name] = string(b)
	}
	return cols, nil
}
