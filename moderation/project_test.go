package moderation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bluesky-social/ozone/models"
)

var projectNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func modEvent(action Action, meta map[string]any) *models.ModerationEvent {
	return &models.ModerationEvent{
		Action:    string(action),
		CreatedBy: "did:plc:mod",
		CreatedAt: projectNow,
		Meta:      meta,
	}
}

// fold applies actions in order to a status row starting from nothing.
func fold(actions ...Action) *models.SubjectStatus {
	var row *models.SubjectStatus
	for _, a := range actions {
		d := Project(row, modEvent(a, nil), projectNow)
		if row == nil {
			row = &models.SubjectStatus{ReviewState: ReviewNone}
		}
		d.Apply(row)
	}
	return row
}

func TestProjectReviewStateTable(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(ReviewOpen, fold(ActionReport).ReviewState)
	assert.Equal(ReviewClosed, fold(ActionReport, ActionAcknowledge).ReviewState)
	assert.Equal(ReviewEscalated, fold(ActionEscalate).ReviewState)
	assert.Equal(ReviewClosed, fold(ActionReport, ActionTakedown).ReviewState)
	assert.Equal(ReviewClosed, fold(ActionTakedown, ActionReverseTakedown).ReviewState)

	// mute keeps whatever state the subject was in
	assert.Equal(ReviewNone, fold(ActionMute).ReviewState)
	assert.Equal(ReviewOpen, fold(ActionReport, ActionMute).ReviewState)
	assert.Equal(ReviewOpen, fold(ActionReport, ActionComment).ReviewState)
}

func TestProjectStickyEscalation(t *testing.T) {
	assert := assert.New(t)

	all := []Action{
		ActionReport, ActionComment, ActionMute, ActionUnmute, ActionTag,
		ActionMuteReporter, ActionUnmuteReporter, ActionEscalate, ActionResolveAppeal,
	}
	for _, a := range all {
		row := fold(ActionEscalate, a)
		assert.Equal(ReviewEscalated, row.ReviewState, "escalated then %s", a)
	}

	assert.Equal(ReviewClosed, fold(ActionEscalate, ActionAcknowledge).ReviewState)
	assert.Equal(ReviewClosed, fold(ActionEscalate, ActionTakedown).ReviewState)
}

func TestProjectNoneOnlyForFreshRows(t *testing.T) {
	assert := assert.New(t)

	d := Project(nil, modEvent(ActionTag, nil), projectNow)
	assert.True(d.ReviewState.Set)
	assert.Equal(ReviewNone, d.ReviewState.Value)

	current := &models.SubjectStatus{ReviewState: ReviewClosed}
	d = Project(current, modEvent(ActionTag, nil), projectNow)
	assert.Equal(ReviewClosed, d.ReviewState.Value)
}

func TestProjectAppealReport(t *testing.T) {
	assert := assert.New(t)

	current := &models.SubjectStatus{ReviewState: ReviewClosed, Takendown: true}
	d := Project(current, modEvent(ActionReport, map[string]any{"reportType": "com.atproto.moderation.defs#reasonAppeal"}), projectNow)
	assert.Equal(ReviewEscalated, d.ReviewState.Value)
	assert.True(d.Appealed.Value)
	assert.Equal(projectNow, *d.LastAppealedAt.Value)

	d = Project(current, modEvent(ActionReport, map[string]any{"reportType": "com.atproto.moderation.defs#reasonSpam"}), projectNow)
	assert.Equal(ReviewOpen, d.ReviewState.Value)
	assert.False(d.Appealed.Set)

	d = Project(&models.SubjectStatus{ReviewState: ReviewEscalated, Appealed: true}, modEvent(ActionResolveAppeal, nil), projectNow)
	assert.False(d.ReviewState.Set)
	assert.True(d.Appealed.Set)
	assert.False(d.Appealed.Value)
}

func TestProjectMutedReporterSuppressed(t *testing.T) {
	d := Project(nil, modEvent(ActionReport, map[string]any{"isReporterMuted": true}), projectNow)
	assert.True(t, d.Suppressed)
}

func TestProjectTakedownDuration(t *testing.T) {
	assert := assert.New(t)

	evt := modEvent(ActionTakedown, nil)
	n := 1
	evt.DurationInHours = &n
	d := Project(nil, evt, projectNow)
	assert.True(d.Takendown.Value)
	assert.Equal(projectNow.Add(time.Hour), *d.SuspendUntil.Value)
	assert.False(d.Appealed.Value)

	d = Project(nil, modEvent(ActionTakedown, nil), projectNow)
	assert.True(d.SuspendUntil.Set)
	assert.Nil(d.SuspendUntil.Value)
}

func TestProjectMuteDefaults(t *testing.T) {
	assert := assert.New(t)

	d := Project(nil, modEvent(ActionMute, nil), projectNow)
	assert.Equal(projectNow.Add(24*time.Hour), *d.MuteUntil.Value)
	assert.False(d.MuteReportingUntil.Set)

	evt := modEvent(ActionMuteReporter, nil)
	n := 3
	evt.DurationInHours = &n
	d = Project(nil, evt, projectNow)
	assert.Equal(projectNow.Add(3*time.Hour), *d.MuteReportingUntil.Value)

	d = Project(nil, modEvent(ActionUnmuteReporter, nil), projectNow)
	assert.True(d.MuteReportingUntil.Set)
	assert.Nil(d.MuteReportingUntil.Value)
}

func TestProjectTags(t *testing.T) {
	assert := assert.New(t)

	row := &models.SubjectStatus{ReviewState: ReviewNone}
	add := modEvent(ActionTag, nil)
	add.AddedTags = []string{"lang:en"}
	Project(nil, add, projectNow).Apply(row)
	assert.Equal([]string{"lang:en"}, row.Tags)

	swap := modEvent(ActionTag, nil)
	swap.AddedTags = []string{"lang:fr", "lang:fr"}
	swap.RemovedTags = []string{"lang:en"}
	Project(row, swap, projectNow).Apply(row)
	assert.Equal([]string{"lang:fr"}, row.Tags)
}

func TestProjectStickyComment(t *testing.T) {
	assert := assert.New(t)

	d := Project(nil, &models.ModerationEvent{Action: string(ActionComment), Comment: "watch this", Meta: map[string]any{"sticky": true}}, projectNow)
	assert.Equal("watch this", *d.Comment.Value)

	d = Project(nil, &models.ModerationEvent{Action: string(ActionComment), Meta: map[string]any{"sticky": true}}, projectNow)
	assert.True(d.Comment.Set)
	assert.Nil(d.Comment.Value)

	d = Project(nil, &models.ModerationEvent{Action: string(ActionComment), Comment: "note"}, projectNow)
	assert.False(d.Comment.Set)
}

func TestProjectHosting(t *testing.T) {
	assert := assert.New(t)
	ts := "2024-04-30T08:00:00.000Z"
	at := time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC)

	current := &models.SubjectStatus{ReviewState: ReviewEscalated, Takendown: true}
	d := Project(current, modEvent(ActionAccountEvent, map[string]any{"status": "deleted", "timestamp": ts}), projectNow)
	assert.False(d.ReviewState.Set)
	assert.False(d.Takendown.Set)
	assert.Equal(HostingDeleted, d.HostingStatus.Value)
	assert.Equal(at, *d.HostingDeletedAt.Value)
	assert.Equal(at, *d.HostingUpdatedAt.Value)

	d = Project(nil, modEvent(ActionAccountEvent, map[string]any{"active": true, "timestamp": ts}), projectNow)
	assert.Equal(HostingActive, d.HostingStatus.Value)
	d = Project(nil, modEvent(ActionAccountEvent, map[string]any{"active": false, "timestamp": ts}), projectNow)
	assert.Equal(HostingUnknown, d.HostingStatus.Value)
	d = Project(nil, modEvent(ActionAccountEvent, map[string]any{"status": "deactivated", "timestamp": ts}), projectNow)
	assert.Equal(HostingDeactivated, d.HostingStatus.Value)
	assert.Equal(at, *d.HostingDeactivatedAt.Value)

	d = Project(nil, modEvent(ActionIdentityEvent, map[string]any{"tombstone": true, "timestamp": ts}), projectNow)
	assert.Equal(HostingTombstoned, d.HostingStatus.Value)

	d = Project(nil, modEvent(ActionRecordEvent, map[string]any{"op": "delete"}), projectNow)
	assert.Equal(HostingDeleted, d.HostingStatus.Value)
	assert.Equal(projectNow, *d.HostingDeletedAt.Value)
	d = Project(nil, modEvent(ActionRecordEvent, map[string]any{"op": "update"}), projectNow)
	assert.Equal(HostingActive, d.HostingStatus.Value)
}

func TestActionLabel(t *testing.T) {
	assert.Equal(t, "modEventTakedown", actionLabel(ActionTakedown))
}
