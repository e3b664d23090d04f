// Package moderation records moderation decisions and keeps subject status
// in sync with them.
//
// Every decision is appended to the moderation_event log and, in the same
// transaction, folded into the subject's moderation_subject_status row by
// Project. Takedowns additionally write signed labels and push rows for
// downstream services.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bluesky-social/ozone/internal/background"
	"github.com/bluesky-social/ozone/labels"
	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/pusher"
	"github.com/bluesky-social/ozone/subject"
	"github.com/bluesky-social/ozone/util"
	"github.com/bluesky-social/ozone/util/cliutil"
)

var tracer = otel.Tracer("moderation")

// PushAttempter delivers push rows right away. Attempts that fail are left
// for the periodic poller.
type PushAttempter interface {
	AttemptEvent(ctx context.Context, kind pusher.Kind, id uint64) error
}

type Config struct {
	// ServiceDID is the labeler identity and the author of automated events.
	ServiceDID string
	Labels     *labels.Store
	Push       *pusher.Queue
	// Attempter and Background, when both set, run push attempts after
	// commit instead of waiting for the next poll.
	Attempter  PushAttempter
	Background *background.Queue
	Logger     *slog.Logger
	// Clock defaults to time.Now in UTC.
	Clock func() time.Time
}

type Projector struct {
	db         *gorm.DB
	serviceDID string
	labels     *labels.Store
	push       *pusher.Queue
	attempter  PushAttempter
	bg         *background.Queue
	logger     *slog.Logger
	clock      func() time.Time
}

func NewProjector(db *gorm.DB, cfg Config) *Projector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Push == nil {
		cfg.Push = pusher.NewQueue(nil, 0)
	}
	return &Projector{
		db:         db,
		serviceDID: cfg.ServiceDID,
		labels:     cfg.Labels,
		push:       cfg.Push,
		attempter:  cfg.Attempter,
		bg:         cfg.Background,
		logger:     cfg.Logger.With("component", "moderation"),
		clock:      cfg.Clock,
	}
}

func (p *Projector) ServiceDID() string {
	return p.serviceDID
}

func (p *Projector) now() time.Time {
	return p.clock()
}

// Event describes a moderation event to log. Fields that do not apply to
// Action are ignored.
type Event struct {
	Action          Action
	Comment         string
	DurationInHours int

	CreateLabelVals []string
	NegateLabelVals []string
	AddTags         []string
	RemoveTags      []string

	// report
	ReportType string
	// comment
	Sticky bool
	// email
	SubjectLine string
	Content     string
	IsDelivered *bool
	// takedown, acknowledge
	AcknowledgeAccountSubjects bool
	Policies                   []string
	SeverityLevel              string
	StrikeCount                *int
	StrikeExpiresAt            *time.Time

	Hosting       *HostingInfo
	AgeAssurance  *AgeAssuranceInfo
	PriorityScore *int
}

// HostingInfo carries account, identity and record lifecycle events.
type HostingInfo struct {
	Timestamp time.Time
	Active    bool
	Status    string
	Handle    string
	PDSHost   string
	Tombstone bool
	Op        string
	CID       string
}

type AgeAssuranceInfo struct {
	Status    string
	Access    string
	CreatedAt time.Time
}

type LogEventParams struct {
	Event     Event
	Subject   subject.Subject
	CreatedBy string
	// CreatedAt defaults to now.
	CreatedAt  time.Time
	ModTool    *models.ModTool
	ExternalID string
}

// LogEvent appends an event and folds it into the subject's status row.
// The returned status is nil only when a suppressed report hits a subject
// with no status row.
func (p *Projector) LogEvent(ctx context.Context, tx *Tx, params LogEventParams) (*models.ModerationEvent, *models.SubjectStatus, error) {
	ctx, span := tracer.Start(ctx, "LogEvent")
	defer span.End()

	if params.Subject == nil {
		return nil, nil, invalidf(subject.ErrInvalidSubject, "missing subject")
	}
	evt := params.Event
	if !evt.Action.Valid() {
		return nil, nil, invalidf(nil, "unknown moderation event type %q", evt.Action)
	}
	span.SetAttributes(attribute.String("action", string(evt.Action)), attribute.String("did", params.Subject.DID()))

	db := tx.db.WithContext(ctx)
	if params.ExternalID != "" {
		var n int64
		err := db.Model(&models.ModerationEvent{}).
			Where("action = ? AND subject_did = ? AND subject_uri = ? AND external_id = ?",
				string(evt.Action), params.Subject.DID(), params.Subject.URI(), params.ExternalID).
			Count(&n).Error
		if err != nil {
			return nil, nil, fmt.Errorf("checking external id: %w", err)
		}
		if n > 0 {
			return nil, nil, &ValidationError{Msg: params.ExternalID, Err: ErrDuplicateExternalID}
		}
	}

	now := p.now()
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	meta, err := p.eventMeta(ctx, db, &params, now)
	if err != nil {
		return nil, nil, err
	}

	row := &models.ModerationEvent{
		Action:          string(evt.Action),
		SubjectType:     string(params.Subject.Kind()),
		SubjectDid:      params.Subject.DID(),
		SubjectUri:      params.Subject.URI(),
		SubjectCid:      params.Subject.CID(),
		SubjectBlobCids: params.Subject.BlobCIDs(),
		CreatedBy:       params.CreatedBy,
		CreatedAt:       createdAt,
		Comment:         evt.Comment,
		Meta:            meta,
		ModTool:         params.ModTool,
	}
	if m, ok := params.Subject.(subject.Message); ok {
		row.SubjectMessageId = m.MessageID()
	}
	if evt.DurationInHours > 0 {
		d := evt.DurationInHours
		row.DurationInHours = &d
		if evt.Action == ActionTakedown || evt.Action == ActionMute {
			exp := createdAt.Add(hours(d))
			row.ExpiresAt = &exp
		}
	}
	if evt.Action == ActionLabel {
		row.CreateLabelVals = strings.Join(evt.CreateLabelVals, " ")
		row.NegateLabelVals = strings.Join(evt.NegateLabelVals, " ")
	}
	if evt.Action == ActionTag {
		row.AddedTags = slices.Clone(evt.AddTags)
		row.RemovedTags = slices.Clone(evt.RemoveTags)
	}
	if params.ExternalID != "" {
		ext := params.ExternalID
		row.ExternalId = &ext
	}

	if err := db.Create(row).Error; err != nil {
		return nil, nil, fmt.Errorf("inserting moderation event: %w", err)
	}

	status, err := p.adjustStatus(ctx, db, row, params.Subject.BlobCIDs(), now)
	if err != nil {
		return nil, nil, err
	}

	eventsLogged.WithLabelValues(actionLabel(evt.Action)).Inc()
	return row, status, nil
}

func (p *Projector) eventMeta(ctx context.Context, db *gorm.DB, params *LogEventParams, now time.Time) (map[string]any, error) {
	evt := &params.Event
	meta := map[string]any{}

	switch evt.Action {
	case ActionReport:
		meta["reportType"] = evt.ReportType
		muted, err := p.isReportingMuted(ctx, db, params.CreatedBy, now)
		if err != nil {
			return nil, err
		}
		if muted {
			meta["isReporterMuted"] = true
		}
	case ActionComment:
		if evt.Sticky {
			meta["sticky"] = true
		}
	case ActionEmail:
		meta["subjectLine"] = evt.SubjectLine
		if evt.Content != "" {
			meta["content"] = evt.Content
		}
		if evt.IsDelivered != nil {
			meta["isDelivered"] = *evt.IsDelivered
		}
	case ActionTakedown, ActionAcknowledge:
		if evt.AcknowledgeAccountSubjects {
			meta["acknowledgeAccountSubjects"] = true
		}
		if evt.Action == ActionTakedown {
			if len(evt.Policies) > 0 {
				meta["policies"] = strings.Join(evt.Policies, ",")
			}
			if evt.SeverityLevel != "" {
				meta["severityLevel"] = evt.SeverityLevel
			}
			if evt.StrikeCount != nil {
				meta["strikeCount"] = *evt.StrikeCount
			}
			if evt.StrikeExpiresAt != nil {
				meta["strikeExpiresAt"] = util.FormatTimestamp(*evt.StrikeExpiresAt)
			}
		}
	case ActionAccountEvent, ActionIdentityEvent, ActionRecordEvent:
		h := evt.Hosting
		if h == nil {
			return nil, invalidf(nil, "%s requires hosting details", evt.Action)
		}
		ts := h.Timestamp
		if ts.IsZero() {
			ts = now
		}
		meta["timestamp"] = util.FormatTimestamp(ts)
		switch evt.Action {
		case ActionAccountEvent:
			meta["active"] = h.Active
			if h.Status != "" {
				meta["status"] = h.Status
			}
		case ActionIdentityEvent:
			if h.Handle != "" {
				meta["handle"] = h.Handle
			}
			if h.PDSHost != "" {
				meta["pdsHost"] = h.PDSHost
			}
			if h.Tombstone {
				meta["tombstone"] = true
			}
		case ActionRecordEvent:
			meta["op"] = h.Op
			if h.CID != "" {
				meta["cid"] = h.CID
			}
		}
	case ActionAgeAssurance, ActionAgeAssuranceOverride:
		if a := evt.AgeAssurance; a != nil {
			meta["status"] = a.Status
			if a.Access != "" {
				meta["access"] = a.Access
			}
			if !a.CreatedAt.IsZero() {
				meta["createdAt"] = util.FormatTimestamp(a.CreatedAt)
			}
		}
	case ActionPriorityScore:
		if evt.PriorityScore != nil {
			meta["priorityScore"] = *evt.PriorityScore
		}
	}

	if m, ok := params.Subject.(subject.Message); ok && m.ConvoID() != "" {
		meta["convoId"] = m.ConvoID()
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

// isReportingMuted reports whether did is currently muted from reporting.
func (p *Projector) isReportingMuted(ctx context.Context, db *gorm.DB, did string, now time.Time) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&models.SubjectStatus{}).
		Where("did = ? AND record_path = '' AND mute_reporting_until > ?", did, now).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("checking reporter mute: %w", err)
	}
	return n > 0, nil
}

func statusKeyOf(evt *models.ModerationEvent) (subject.StatusKey, error) {
	if evt.SubjectUri != "" {
		return subject.KeyFor(evt.SubjectUri)
	}
	return subject.KeyFor(evt.SubjectDid)
}

// lockStatus reads the status row for key, taking a row lock on Postgres so
// concurrent events for one subject serialize.
func lockStatus(ctx context.Context, db *gorm.DB, key subject.StatusKey) (*models.SubjectStatus, error) {
	q := db.WithContext(ctx).Where("did = ? AND record_path = ?", key.DID, key.RecordPath)
	if cliutil.IsPostgres(db) {
		q = q.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
	}
	var row models.SubjectStatus
	res := q.Limit(1).Find(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("reading subject status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

func (p *Projector) adjustStatus(ctx context.Context, db *gorm.DB, evt *models.ModerationEvent, blobCIDs []string, now time.Time) (*models.SubjectStatus, error) {
	key, err := statusKeyOf(evt)
	if err != nil {
		return nil, invalidf(err, "status key")
	}

	current, err := lockStatus(ctx, db, key)
	if err != nil {
		return nil, err
	}

	delta := Project(current, evt, now)
	if delta.Suppressed {
		return current, nil
	}
	if len(blobCIDs) > 0 {
		delta.BlobCids = set(slices.Clone(blobCIDs))
	}

	fresh := models.SubjectStatus{
		Did:         key.DID,
		RecordPath:  key.RecordPath,
		ReviewState: ReviewNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if evt.SubjectCid != "" {
		c := evt.SubjectCid
		fresh.RecordCid = &c
	}
	delta.Apply(&fresh)

	cols, err := delta.columns()
	if err != nil {
		return nil, err
	}
	cols["updated_at"] = now

	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}, {Name: "record_path"}},
		DoUpdates: clause.Assignments(cols),
	}).Create(&fresh).Error
	if err != nil {
		return nil, fmt.Errorf("upserting subject status: %w", err)
	}

	var out models.SubjectStatus
	if err := db.Where("did = ? AND record_path = ?", key.DID, key.RecordPath).First(&out).Error; err != nil {
		return nil, fmt.Errorf("reading subject status: %w", err)
	}
	return &out, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
