package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/subject"
)

// Mailer delivers moderation emails to account holders.
type Mailer interface {
	SendEmail(ctx context.Context, recipientDID, subjectLine, content string) error
}

// Emitter logs events together with the side effects a moderator action
// carries: conflict checks, takedown propagation, labels, bulk acknowledge
// and email.
type Emitter struct {
	p      *Projector
	mailer Mailer
	logger *slog.Logger
}

// NewEmitter returns an Emitter. mailer may be nil, in which case email
// events are logged without being sent.
func NewEmitter(p *Projector, mailer Mailer, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		p:      p,
		mailer: mailer,
		logger: logger.With("component", "emitter"),
	}
}

func (e *Emitter) Projector() *Projector {
	return e.p
}

const badLabelChars = " ,;'\""

func validateLabels(create, negate []string) error {
	for _, val := range slices.Concat(create, negate) {
		if val == "" || strings.ContainsAny(val, badLabelChars) {
			return &ValidationError{Msg: fmt.Sprintf("%q", val), Err: ErrInvalidLabel}
		}
	}
	for _, val := range create {
		if slices.Contains(negate, val) {
			return &ValidationError{Msg: fmt.Sprintf("%q is both created and negated", val), Err: ErrInvalidLabel}
		}
	}
	return nil
}

// Emit validates and logs one moderation event, then applies its side
// effects in the same transaction. Push attempts and label notifications run
// after commit.
func (e *Emitter) Emit(ctx context.Context, params LogEventParams) (*models.ModerationEvent, error) {
	ctx, span := tracer.Start(ctx, "Emit")
	defer span.End()

	start := time.Now()
	evt, err := e.emit(ctx, params)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	emitDuration.WithLabelValues(actionLabel(params.Event.Action), status).Observe(time.Since(start).Seconds())
	return evt, err
}

// checkParams runs the checks that need no database state.
func checkParams(params *LogEventParams) error {
	if params.Subject == nil {
		return invalidf(subject.ErrInvalidSubject, "missing subject")
	}
	action := params.Event.Action
	if !action.Valid() {
		return invalidf(nil, "unknown moderation event type %q", action)
	}
	if action == ActionLabel {
		if err := validateLabels(params.Event.CreateLabelVals, params.Event.NegateLabelVals); err != nil {
			return err
		}
	}
	if (action == ActionMuteReporter || action == ActionUnmuteReporter) && !subject.IsRepo(params.Subject) {
		return invalidf(nil, "subject must be a repo when muting reporter")
	}
	if action == ActionEmail && !subject.IsRepo(params.Subject) {
		return invalidf(nil, "email can only be sent to a repo subject")
	}
	return nil
}

func (e *Emitter) emit(ctx context.Context, params LogEventParams) (*models.ModerationEvent, error) {
	if err := checkParams(&params); err != nil {
		return nil, err
	}

	// sent before the transaction so a slow mail service does not hold the
	// status row lock
	if params.Event.Action == ActionEmail && params.Event.Content != "" {
		delivered := e.sendEmail(ctx, params.Subject.DID(), params.Event.SubjectLine, params.Event.Content)
		params.Event.IsDelivered = &delivered
	}

	var out *models.ModerationEvent
	err := e.p.Transact(ctx, func(tx *Tx) error {
		evt, err := e.EmitTx(ctx, tx, params)
		out = evt
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EmitTx is Emit inside a caller-owned transaction. Email events are logged
// as given and never sent from here.
func (e *Emitter) EmitTx(ctx context.Context, tx *Tx, params LogEventParams) (*models.ModerationEvent, error) {
	if err := checkParams(&params); err != nil {
		return nil, err
	}
	action := params.Event.Action

	if action == ActionTakedown || action == ActionReverseTakedown {
		status, err := getStatus(ctx, tx.db, params.Subject.Key())
		if err != nil {
			return nil, err
		}
		takendown := status != nil && status.Takendown
		if takendown && action == ActionTakedown {
			statusConflicts.WithLabelValues(string(ReasonAlreadyTakendown)).Inc()
			return nil, &ConflictError{Reason: ReasonAlreadyTakendown, Msg: "subject is already taken down"}
		}
		if !takendown && action == ActionReverseTakedown {
			statusConflicts.WithLabelValues(string(ReasonNotTakendown)).Inc()
			return nil, &ConflictError{Reason: ReasonNotTakendown, Msg: "subject is not taken down"}
		}
		// restore every blob the status row holds, not only the ones the
		// caller named
		if rec, ok := params.Subject.(subject.Record); ok && action == ActionReverseTakedown {
			params.Subject = rec.WithBlobCIDs(status.BlobCids)
		}
	}

	evt, _, err := e.p.LogEvent(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	switch subj := params.Subject.(type) {
	case subject.Repo:
		switch action {
		case ActionTakedown:
			err = e.p.TakedownRepo(ctx, tx, subj, evt.ID, evt.DurationInHours != nil)
		case ActionReverseTakedown:
			err = e.p.ReverseTakedownRepo(ctx, tx, subj)
		}
	case subject.Record:
		switch action {
		case ActionTakedown:
			err = e.p.TakedownRecord(ctx, tx, subj, evt.ID)
		case ActionReverseTakedown:
			err = e.p.ReverseTakedownRecord(ctx, tx, subj)
		}
	}
	if err != nil {
		return nil, err
	}

	if (action == ActionTakedown || action == ActionAcknowledge) && evt.MetaBool("acknowledgeAccountSubjects") {
		if err := e.p.ResolveSubjectsForAccount(ctx, tx, evt.SubjectDid, params.CreatedBy); err != nil {
			return nil, err
		}
	}

	if action == ActionLabel {
		uri := evt.SubjectUri
		if uri == "" {
			uri = evt.SubjectDid
		}
		if _, err := e.p.FormatAndCreateLabels(ctx, tx, uri, evt.SubjectCid, params.Event.CreateLabelVals, params.Event.NegateLabelVals); err != nil {
			return nil, err
		}
	}
	return evt, nil
}

// sendEmail reports whether the email was delivered. Failures are logged and
// never block the event.
func (e *Emitter) sendEmail(ctx context.Context, did, subjectLine, content string) bool {
	if e.mailer == nil {
		e.logger.Warn("no mailer configured, email not sent", "did", did)
		emailsSent.WithLabelValues("skipped").Inc()
		return false
	}
	if err := e.mailer.SendEmail(ctx, did, subjectLine, content); err != nil {
		e.logger.Error("failed to send moderation email", "did", did, "err", err)
		emailsSent.WithLabelValues("failed").Inc()
		return false
	}
	emailsSent.WithLabelValues("sent").Inc()
	return true
}

// ResolveSubjectsForAccount acknowledges every open or escalated record of
// did, resolving appeals first where one is pending.
func (p *Projector) ResolveSubjectsForAccount(ctx context.Context, tx *Tx, did, createdBy string) error {
	ctx, span := tracer.Start(ctx, "ResolveSubjectsForAccount")
	defer span.End()

	var rows []models.SubjectStatus
	err := tx.db.WithContext(ctx).
		Where("did = ? AND record_path != '' AND review_state IN ?", did, []string{ReviewOpen, ReviewEscalated}).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("listing subjects to resolve: %w", err)
	}
	span.SetAttributes(attribute.Int("subjects", len(rows)))

	for i := range rows {
		row := &rows[i]
		subj, err := subjectFromStatus(row)
		if err != nil {
			p.logger.Warn("skipping unparseable status row", "did", row.Did, "recordPath", row.RecordPath, "err", err)
			continue
		}
		if row.Appealed {
			_, _, err := p.LogEvent(ctx, tx, LogEventParams{
				Event:     Event{Action: ActionResolveAppeal, Comment: autoResolveAppealComment},
				Subject:   subj,
				CreatedBy: createdBy,
			})
			if err != nil {
				return err
			}
		}
		_, _, err = p.LogEvent(ctx, tx, LogEventParams{
			Event:     Event{Action: ActionAcknowledge, Comment: autoResolveComment},
			Subject:   subj,
			CreatedBy: createdBy,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// IsValidationError reports whether err was caused by bad input rather than
// by the store.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
