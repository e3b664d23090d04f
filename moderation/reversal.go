package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/subject"
)

// ReversalSubject is a subject whose suspension or mute has run out.
type ReversalSubject struct {
	Subject        subject.Subject
	ReverseSuspend bool
	ReverseMute    bool
}

func subjectFromStatus(row *models.SubjectStatus) (subject.Subject, error) {
	cid := ""
	if row.RecordCid != nil {
		cid = *row.RecordCid
	}
	return subject.FromStatusKey(subject.StatusKey{DID: row.Did, RecordPath: row.RecordPath}, cid, row.BlobCids)
}

// SubjectsDueForReversal lists subjects whose suspendUntil or muteUntil is
// before now. Rows that no longer parse as subjects are skipped.
func (p *Projector) SubjectsDueForReversal(ctx context.Context, now time.Time) ([]ReversalSubject, error) {
	var rows []models.SubjectStatus
	err := p.db.WithContext(ctx).
		Where("suspend_until < ? OR mute_until < ?", now, now).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing subjects due for reversal: %w", err)
	}

	out := make([]ReversalSubject, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		subj, err := subjectFromStatus(row)
		if err != nil {
			p.logger.Warn("skipping unparseable status row", "did", row.Did, "recordPath", row.RecordPath, "err", err)
			continue
		}
		out = append(out, ReversalSubject{
			Subject:        subj,
			ReverseSuspend: row.SuspendUntil != nil && row.SuspendUntil.Before(now),
			ReverseMute:    row.MuteUntil != nil && row.MuteUntil.Before(now),
		})
	}
	return out, nil
}

// LastReversibleEvent returns the newest time-boxed event of the given
// action (takedown or mute) on subj, or nil if there is none.
func (p *Projector) LastReversibleEvent(ctx context.Context, subj subject.Subject, action Action) (*models.ModerationEvent, error) {
	if action != ActionTakedown && action != ActionMute {
		return nil, fmt.Errorf("%s is not reversible", action)
	}
	var row models.ModerationEvent
	res := p.db.WithContext(ctx).
		Where("subject_did = ? AND subject_uri = ? AND action = ? AND duration_in_hours IS NOT NULL", subj.DID(), subj.URI(), string(action)).
		Order("id DESC").
		Limit(1).
		Find(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("finding reversible event: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

// ReversibleEvent describes the automatic reversal of a takedown or mute.
type ReversibleEvent struct {
	// Action is the action being reverted: ActionTakedown or ActionMute.
	Action    Action
	Subject   subject.Subject
	CreatedBy string
	CreatedAt time.Time
	Comment   string
}

// RevertState logs the reversing event and, for takedowns, undoes the
// takedown's labels and downstream state.
func (p *Projector) RevertState(ctx context.Context, tx *Tx, rev ReversibleEvent) (*models.ModerationEvent, error) {
	reverse := ActionUnmute
	if rev.Action == ActionTakedown {
		reverse = ActionReverseTakedown
	}
	evt, _, err := p.LogEvent(ctx, tx, LogEventParams{
		Event:     Event{Action: reverse, Comment: rev.Comment},
		Subject:   rev.Subject,
		CreatedBy: rev.CreatedBy,
		CreatedAt: rev.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	if rev.Action == ActionTakedown {
		switch subj := rev.Subject.(type) {
		case subject.Repo:
			err = p.ReverseTakedownRepo(ctx, tx, subj)
		case subject.Record:
			err = p.ReverseTakedownRecord(ctx, tx, subj)
		}
		if err != nil {
			return nil, err
		}
	}
	return evt, nil
}
