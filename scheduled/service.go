package scheduled

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/subject"
	"github.com/bluesky-social/ozone/util/cliutil"
)

var tracer = otel.Tracer("scheduled")

const ActionTakedown = "takedown"

var (
	ErrActionAlreadyExists = errors.New("a pending scheduled action already exists for this subject")
	ErrInvalidScheduling   = errors.New("invalid scheduling window")
	ErrNoPendingActions    = errors.New("no pending scheduled actions")
)

// Error codes reported for failed cancellations.
const (
	CodeNoPendingActions = "NoPendingActions"
	CodeDatabaseError    = "DatabaseError"
)

// TakedownData is the event payload stored with a scheduled takedown.
type TakedownData struct {
	Comment                    string   `json:"comment,omitempty"`
	DurationInHours            int      `json:"durationInHours,omitempty"`
	AcknowledgeAccountSubjects bool     `json:"acknowledgeAccountSubjects,omitempty"`
	Policies                   []string `json:"policies,omitempty"`
	SeverityLevel              string   `json:"severityLevel,omitempty"`
	StrikeCount                *int     `json:"strikeCount,omitempty"`
	EmailSubject               string   `json:"emailSubject,omitempty"`
	EmailContent               string   `json:"emailContent,omitempty"`
}

func (d TakedownData) toMap() (map[string]any, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TakedownDataOf decodes the event payload of a scheduled action.
func TakedownDataOf(a *models.ScheduledAction) (TakedownData, error) {
	var d TakedownData
	if len(a.EventData) == 0 {
		return d, nil
	}
	b, err := json.Marshal(a.EventData)
	if err != nil {
		return d, err
	}
	err = json.Unmarshal(b, &d)
	return d, err
}

type Service struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewService returns a Service. clock may be nil.
func NewService(db *gorm.DB, clock func() time.Time) *Service {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{db: db, clock: clock}
}

type ScheduleParams struct {
	DID       string
	Action    string
	EventData TakedownData
	// Either ExecuteAt, or a window starting at ExecuteAfter and optionally
	// bounded by ExecuteUntil.
	ExecuteAt    *time.Time
	ExecuteAfter *time.Time
	ExecuteUntil *time.Time
	CreatedBy    string
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// ScheduleAction stores a pending action. A second pending action for the
// same did and action is rejected with ErrActionAlreadyExists.
func (s *Service) ScheduleAction(ctx context.Context, params ScheduleParams) (*models.ScheduledAction, error) {
	ctx, span := tracer.Start(ctx, "ScheduleAction")
	defer span.End()

	if params.Action == "" {
		params.Action = ActionTakedown
	}
	if params.Action != ActionTakedown {
		return nil, fmt.Errorf("unsupported scheduled action %q", params.Action)
	}
	if _, err := subject.NewRepo(params.DID); err != nil {
		return nil, err
	}
	if params.ExecuteAt == nil && params.ExecuteAfter == nil {
		return nil, fmt.Errorf("%w: one of executeAt or executeAfter is required", ErrInvalidScheduling)
	}
	if params.ExecuteAfter != nil && params.ExecuteUntil != nil && !params.ExecuteAfter.Before(*params.ExecuteUntil) {
		return nil, fmt.Errorf("%w: executeAfter must be before executeUntil", ErrInvalidScheduling)
	}
	data, err := params.EventData.toMap()
	if err != nil {
		return nil, fmt.Errorf("encoding event data: %w", err)
	}

	now := s.clock()
	row := &models.ScheduledAction{
		Action:             params.Action,
		EventData:          data,
		Did:                params.DID,
		ExecuteAt:          utc(params.ExecuteAt),
		ExecuteAfter:       utc(params.ExecuteAfter),
		ExecuteUntil:       utc(params.ExecuteUntil),
		RandomizeExecution: params.ExecuteAt == nil && params.ExecuteAfter != nil,
		Status:             models.ScheduledActionPending,
		CreatedBy:          params.CreatedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		err := tx.Model(&models.ScheduledAction{}).
			Where("did = ? AND action = ? AND status = ?", params.DID, params.Action, models.ScheduledActionPending).
			Count(&existing).Error
		if err != nil {
			return err
		}
		if existing > 0 {
			return ErrActionAlreadyExists
		}
		return tx.Create(row).Error
	})
	if isUniqueViolation(err) {
		return nil, ErrActionAlreadyExists
	}
	if err != nil {
		return nil, err
	}
	scheduledTotal.WithLabelValues(params.Action).Inc()
	return row, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type ListFilter struct {
	Statuses []string
	DIDs     []string
	// StartTime and EndTime match actions whose executeAt, executeAfter or
	// executeUntil falls in the range.
	StartTime *time.Time
	EndTime   *time.Time
	// SortDirection is "asc" or "desc" (the default) on id.
	SortDirection string
	Limit         int
	Cursor        string
}

// ListScheduledActions returns one page of actions and the cursor for the
// next page, empty when there is none.
func (s *Service) ListScheduledActions(ctx context.Context, f ListFilter) ([]models.ScheduledAction, string, error) {
	ctx, span := tracer.Start(ctx, "ListScheduledActions")
	defer span.End()

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&models.ScheduledAction{})
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if len(f.DIDs) > 0 {
		q = q.Where("did IN ?", f.DIDs)
	}
	if f.StartTime != nil {
		start := f.StartTime.UTC()
		q = q.Where("execute_at >= ? OR execute_after >= ? OR execute_until >= ?", start, start, start)
	}
	if f.EndTime != nil {
		end := f.EndTime.UTC()
		q = q.Where("execute_at <= ? OR execute_after <= ? OR execute_until <= ?", end, end, end)
	}

	asc := f.SortDirection == "asc"
	if f.Cursor != "" {
		id, err := strconv.ParseUint(f.Cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("malformed cursor %q", f.Cursor)
		}
		if asc {
			q = q.Where("id > ?", id)
		} else {
			q = q.Where("id < ?", id)
		}
	}
	q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: !asc})

	var rows []models.ScheduledAction
	if err := q.Limit(limit).Find(&rows).Error; err != nil {
		return nil, "", fmt.Errorf("listing scheduled actions: %w", err)
	}
	var next string
	if len(rows) == limit {
		next = strconv.FormatUint(rows[len(rows)-1].ID, 10)
	}
	return rows, next, nil
}

type CancelFailure struct {
	DID       string
	Error     string
	ErrorCode string
}

type CancelResult struct {
	Succeeded []string
	Failed    []CancelFailure
}

// CancelScheduledActions cancels the pending actions of each did. A did
// without pending actions is reported as failed with CodeNoPendingActions.
func (s *Service) CancelScheduledActions(ctx context.Context, dids []string, reason string) (*CancelResult, error) {
	ctx, span := tracer.Start(ctx, "CancelScheduledActions")
	defer span.End()

	res := &CancelResult{}
	now := s.clock()
	updates := map[string]any{
		"status":     models.ScheduledActionCancelled,
		"updated_at": now,
	}
	if reason != "" {
		updates["last_failure_reason"] = reason
	}
	for _, did := range dids {
		out := s.db.WithContext(ctx).Model(&models.ScheduledAction{}).
			Where("did = ? AND status = ?", did, models.ScheduledActionPending).
			Updates(updates)
		switch {
		case out.Error != nil:
			res.Failed = append(res.Failed, CancelFailure{DID: did, Error: out.Error.Error(), ErrorCode: CodeDatabaseError})
		case out.RowsAffected == 0:
			res.Failed = append(res.Failed, CancelFailure{DID: did, Error: ErrNoPendingActions.Error(), ErrorCode: CodeNoPendingActions})
		default:
			res.Succeeded = append(res.Succeeded, did)
		}
	}
	return res, nil
}

// PendingActionsToExecute returns pending actions whose executeAt or
// executeAfter has passed, oldest first.
func (s *Service) PendingActionsToExecute(ctx context.Context, now time.Time) ([]models.ScheduledAction, error) {
	now = now.UTC()
	var rows []models.ScheduledAction
	err := s.db.WithContext(ctx).
		Where("status = ?", models.ScheduledActionPending).
		Where("execute_after <= ? OR execute_at <= ?", now, now).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing due scheduled actions: %w", err)
	}
	return rows, nil
}

// MarkExecuted records a successful run. db may be a transaction.
func (s *Service) MarkExecuted(ctx context.Context, db *gorm.DB, id, eventID uint64) error {
	now := s.clock()
	return s.finish(ctx, db, id, map[string]any{
		"status":             models.ScheduledActionExecuted,
		"execution_event_id": eventID,
		"last_executed_at":   now,
		"updated_at":         now,
	})
}

// MarkFailed records a failed run. db may be a transaction.
func (s *Service) MarkFailed(ctx context.Context, db *gorm.DB, id uint64, reason string) error {
	now := s.clock()
	return s.finish(ctx, db, id, map[string]any{
		"status":              models.ScheduledActionFailed,
		"last_failure_reason": reason,
		"last_executed_at":    now,
		"updated_at":          now,
	})
}

func (s *Service) finish(ctx context.Context, db *gorm.DB, id uint64, updates map[string]any) error {
	if db == nil {
		db = s.db
	}
	err := db.WithContext(ctx).Model(&models.ScheduledAction{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("updating scheduled action %d: %w", id, err)
	}
	return nil
}

// claimPending re-reads a pending action inside tx, locking it on postgres.
// It returns nil when the action is no longer pending.
func claimPending(ctx context.Context, tx *gorm.DB, id uint64) (*models.ScheduledAction, error) {
	q := tx.WithContext(ctx).Where("id = ? AND status = ?", id, models.ScheduledActionPending)
	if cliutil.IsPostgres(tx) {
		q = q.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate, Options: clause.LockingOptionsSkipLocked})
	}
	var row models.ScheduledAction
	res := q.Limit(1).Find(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}
