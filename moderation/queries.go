package moderation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/subject"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return min(limit, maxPageSize)
}

func (p *Projector) GetEvent(ctx context.Context, id uint64) (*models.ModerationEvent, error) {
	var row models.ModerationEvent
	if err := p.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if isNotFound(err) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &row, nil
}

// GetEventByExternalID finds the event a caller logged under an idempotency
// key.
func (p *Projector) GetEventByExternalID(ctx context.Context, action Action, subj subject.Subject, externalID string) (*models.ModerationEvent, error) {
	var row models.ModerationEvent
	err := p.db.WithContext(ctx).
		Where("action = ? AND subject_did = ? AND subject_uri = ? AND external_id = ?", string(action), subj.DID(), subj.URI(), externalID).
		First(&row).Error
	if err != nil {
		if isNotFound(err) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &row, nil
}

// GetStatus returns the subject's status row, or nil if it has none.
func (p *Projector) GetStatus(ctx context.Context, subj subject.Subject) (*models.SubjectStatus, error) {
	return getStatus(ctx, p.db, subj.Key())
}

// GetStatusTx reads the status inside tx, seeing its uncommitted writes.
func (p *Projector) GetStatusTx(ctx context.Context, tx *Tx, subj subject.Subject) (*models.SubjectStatus, error) {
	return getStatus(ctx, tx.db, subj.Key())
}

func getStatus(ctx context.Context, db *gorm.DB, key subject.StatusKey) (*models.SubjectStatus, error) {
	var row models.SubjectStatus
	res := db.WithContext(ctx).Where("did = ? AND record_path = ?", key.DID, key.RecordPath).Limit(1).Find(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("reading subject status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

// StatusFilter narrows GetSubjectStatuses. Zero values do not filter.
type StatusFilter struct {
	// Subject is a DID or record AT-URI.
	Subject string
	// IncludeAllUserRecords widens a DID Subject to all of the account's
	// record statuses.
	IncludeAllUserRecords bool
	// SubjectType is "account" or "record".
	SubjectType string
	Collections []string
	// IgnoreSubjects excludes the status rows of these DIDs or record
	// AT-URIs. An ignored DID does not hide the account's records.
	IgnoreSubjects []string

	ReviewState    string
	LastReviewedBy string
	ReviewedAfter  *time.Time
	ReviewedBefore *time.Time
	ReportedAfter  *time.Time
	ReportedBefore *time.Time

	HostingStatuses     []string
	HostingUpdatedAfter *time.Time
	HostingDeletedAfter *time.Time

	Takendown    bool
	Appealed     *bool
	IncludeMuted bool
	OnlyMuted    bool
	Tags         []string
	ExcludeTags  []string

	// SortField is lastReportedAt (default), lastReviewedAt or createdAt.
	SortField string
	// SortDirection is desc (default) or asc.
	SortDirection string
	Limit         int
	Cursor        string
}

var statusSortColumns = map[string]string{
	"":               "last_reported_at",
	"lastReportedAt": "last_reported_at",
	"lastReviewedAt": "last_reviewed_at",
	"createdAt":      "created_at",
}

// GetSubjectStatuses pages through status rows matching f. The returned
// cursor is empty on the last page.
func (p *Projector) GetSubjectStatuses(ctx context.Context, f StatusFilter) ([]models.SubjectStatus, string, error) {
	q := p.db.WithContext(ctx).Model(&models.SubjectStatus{})
	now := p.now()

	if f.Subject != "" {
		key, err := subject.KeyFor(f.Subject)
		if err != nil {
			return nil, "", invalidf(err, "subject filter")
		}
		q = q.Where("did = ?", key.DID)
		if !f.IncludeAllUserRecords {
			q = q.Where("record_path = ?", key.RecordPath)
		}
	} else if f.SubjectType == "account" {
		q = q.Where("record_path = ''")
	} else if f.SubjectType == "record" {
		q = q.Where("record_path != ''")
	}

	if len(f.Collections) > 0 && f.SubjectType != "account" {
		or := p.db.Where("record_path LIKE ?", f.Collections[0]+"/%")
		for _, c := range f.Collections[1:] {
			or = or.Or("record_path LIKE ?", c+"/%")
		}
		q = q.Where("record_path != ''").Where(or)
	}
	for _, ignored := range f.IgnoreSubjects {
		key, err := subject.KeyFor(ignored)
		if err != nil {
			return nil, "", invalidf(err, "ignored subject")
		}
		q = q.Where("NOT (did = ? AND record_path = ?)", key.DID, key.RecordPath)
	}

	if f.ReviewState != "" {
		q = q.Where("review_state = ?", f.ReviewState)
	}
	if f.LastReviewedBy != "" {
		q = q.Where("last_reviewed_by = ?", f.LastReviewedBy)
	}
	if f.ReviewedAfter != nil {
		q = q.Where("last_reviewed_at > ?", *f.ReviewedAfter)
	}
	if f.ReviewedBefore != nil {
		q = q.Where("last_reviewed_at < ?", *f.ReviewedBefore)
	}
	if f.ReportedAfter != nil {
		q = q.Where("last_reported_at > ?", *f.ReportedAfter)
	}
	if f.ReportedBefore != nil {
		q = q.Where("last_reported_at < ?", *f.ReportedBefore)
	}
	if len(f.HostingStatuses) > 0 {
		q = q.Where("hosting_status IN ?", f.HostingStatuses)
	}
	if f.HostingUpdatedAfter != nil {
		q = q.Where("hosting_updated_at > ?", *f.HostingUpdatedAfter)
	}
	if f.HostingDeletedAfter != nil {
		q = q.Where("hosting_deleted_at > ?", *f.HostingDeletedAfter)
	}
	if f.Takendown {
		q = q.Where("takendown = ?", true)
	}
	if f.Appealed != nil {
		q = q.Where("appealed = ?", *f.Appealed)
	}
	if f.OnlyMuted {
		q = q.Where("mute_until > ? OR mute_reporting_until > ?", now, now)
	} else if !f.IncludeMuted {
		q = q.Where("mute_until IS NULL OR mute_until < ?", now)
	}

	// tags are stored as a JSON array of strings
	if len(f.Tags) > 0 {
		or := p.db.Where("tags LIKE ?", jsonTagPattern(f.Tags[0]))
		for _, t := range f.Tags[1:] {
			or = or.Or("tags LIKE ?", jsonTagPattern(t))
		}
		q = q.Where(or)
	}
	for _, t := range f.ExcludeTags {
		q = q.Where("tags IS NULL OR tags NOT LIKE ?", jsonTagPattern(t))
	}

	col, ok := statusSortColumns[f.SortField]
	if !ok {
		return nil, "", invalidf(nil, "unsupported sort field %q", f.SortField)
	}
	asc := strings.EqualFold(f.SortDirection, "asc")
	dir, cmp := "DESC", "<"
	if asc {
		dir, cmp = "ASC", ">"
	}

	if f.Cursor != "" {
		sortVal, id, err := parseStatusCursor(f.Cursor)
		if err != nil {
			return nil, "", invalidf(err, "cursor")
		}
		if sortVal == nil {
			q = q.Where(fmt.Sprintf("%s IS NULL AND id %s ?", col, cmp), id)
		} else {
			q = q.Where(fmt.Sprintf("(%s %s ?) OR (%s = ? AND id %s ?) OR %s IS NULL", col, cmp, col, cmp, col), *sortVal, *sortVal, id)
		}
	}

	limit := pageSize(f.Limit)
	var rows []models.SubjectStatus
	err := q.Order(fmt.Sprintf("%s IS NULL, %s %s, id %s", col, col, dir, dir)).Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, "", fmt.Errorf("listing subject statuses: %w", err)
	}

	cursor := ""
	if len(rows) == limit {
		cursor = statusCursor(&rows[len(rows)-1], col)
	}
	return rows, cursor, nil
}

func jsonTagPattern(tag string) string {
	return `%"` + tag + `"%`
}

func statusSortValue(row *models.SubjectStatus, col string) *time.Time {
	switch col {
	case "last_reviewed_at":
		return row.LastReviewedAt
	case "created_at":
		return &row.CreatedAt
	default:
		return row.LastReportedAt
	}
}

func statusCursor(row *models.SubjectStatus, col string) string {
	v := statusSortValue(row, col)
	id := strconv.FormatUint(row.ID, 10)
	if v == nil {
		return "::" + id
	}
	return v.UTC().Format(time.RFC3339Nano) + "::" + id
}

func parseStatusCursor(c string) (*time.Time, uint64, error) {
	ts, idStr, ok := strings.Cut(c, "::")
	if !ok {
		return nil, 0, fmt.Errorf("malformed cursor %q", c)
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("malformed cursor %q", c)
	}
	if ts == "" {
		return nil, id, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, 0, fmt.Errorf("malformed cursor %q", c)
	}
	t = t.UTC()
	return &t, id, nil
}

// EventFilter narrows GetEvents. Zero values do not filter.
type EventFilter struct {
	// Subject is a DID or record AT-URI.
	Subject               string
	IncludeAllUserRecords bool
	Types                 []Action
	CreatedBy             string
	CreatedAfter          *time.Time
	CreatedBefore         *time.Time
	// SortDirection is desc (default) or asc.
	SortDirection string
	Limit         int
	// Cursor is the id of the last event of the previous page.
	Cursor string
}

// GetEvents pages through the event log by id.
func (p *Projector) GetEvents(ctx context.Context, f EventFilter) ([]models.ModerationEvent, string, error) {
	q := p.db.WithContext(ctx).Model(&models.ModerationEvent{})

	if f.Subject != "" {
		key, err := subject.KeyFor(f.Subject)
		if err != nil {
			return nil, "", invalidf(err, "subject filter")
		}
		q = q.Where("subject_did = ?", key.DID)
		if !f.IncludeAllUserRecords {
			uri := ""
			if !key.IsRepo() {
				uri = "at://" + key.DID + "/" + key.RecordPath
			}
			q = q.Where("subject_uri = ?", uri)
		}
	}
	if len(f.Types) > 0 {
		types := make([]string, 0, len(f.Types))
		for _, t := range f.Types {
			types = append(types, string(t))
		}
		q = q.Where("action IN ?", types)
	}
	if f.CreatedBy != "" {
		q = q.Where("created_by = ?", f.CreatedBy)
	}
	if f.CreatedAfter != nil {
		q = q.Where("created_at > ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		q = q.Where("created_at < ?", *f.CreatedBefore)
	}

	asc := strings.EqualFold(f.SortDirection, "asc")
	if f.Cursor != "" {
		id, err := strconv.ParseUint(f.Cursor, 10, 64)
		if err != nil {
			return nil, "", invalidf(err, "cursor")
		}
		if asc {
			q = q.Where("id > ?", id)
		} else {
			q = q.Where("id < ?", id)
		}
	}
	order := "id DESC"
	if asc {
		order = "id ASC"
	}

	limit := pageSize(f.Limit)
	var rows []models.ModerationEvent
	if err := q.Order(order).Limit(limit).Find(&rows).Error; err != nil {
		return nil, "", fmt.Errorf("listing moderation events: %w", err)
	}
	cursor := ""
	if len(rows) == limit {
		cursor = strconv.FormatUint(rows[len(rows)-1].ID, 10)
	}
	return rows, cursor, nil
}
