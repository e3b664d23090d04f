// Package pusher propagates takedown state to downstream services.
//
// Every takedown or reversal upserts one row per (subject, target) into a
// push table inside the moderation transaction. Rows are then driven to
// completion by the EventPusher, either immediately after commit or by the
// periodic poller, until confirmed or out of attempts.
package pusher

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/util/cliutil"
)

// MaxAttempts bounds delivery attempts per row. Rows that reach it stay
// unconfirmed and are only counted.
const MaxAttempts = 10

const DefaultBatchSize = 100

// Kind selects one of the three push tables.
type Kind string

const (
	KindRepo   Kind = "repo"
	KindRecord Kind = "record"
	KindBlob   Kind = "blob"
)

func (k Kind) model() (any, error) {
	switch k {
	case KindRepo:
		return &models.RepoPushEvent{}, nil
	case KindRecord:
		return &models.RecordPushEvent{}, nil
	case KindBlob:
		return &models.BlobPushEvent{}, nil
	default:
		return nil, fmt.Errorf("unknown push event kind %q", k)
	}
}

// Queue reads and writes push rows. It holds no state besides configuration;
// every method takes the *gorm.DB (usually a transaction) to run on.
type Queue struct {
	eventTypes []string
	batchSize  int
}

// NewQueue returns a Queue that fans each takedown out to eventTypes, the
// downstream targets that are configured.
func NewQueue(eventTypes []string, batchSize int) *Queue {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Queue{eventTypes: eventTypes, batchSize: batchSize}
}

func (q *Queue) EventTypes() []string {
	return q.eventTypes
}

var resetColumns = []string{"takedown_ref", "confirmed_at", "last_attempted", "attempts"}

// EnqueueRepo upserts one row per target for did and resets its delivery
// state. Returns the ids of the affected rows.
func (q *Queue) EnqueueRepo(ctx context.Context, db *gorm.DB, did string, takedownRef string) ([]uint64, error) {
	if len(q.eventTypes) == 0 {
		return nil, nil
	}
	rows := make([]models.RepoPushEvent, 0, len(q.eventTypes))
	for _, et := range q.eventTypes {
		rows = append(rows, models.RepoPushEvent{EventType: et, SubjectDid: did, TakedownRef: &takedownRef})
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_type"}, {Name: "subject_did"}},
		DoUpdates: clause.AssignmentColumns(resetColumns),
	}).Create(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("enqueueing repo push for %s: %w", did, err)
	}
	return q.pluckIDs(ctx, db.Model(&models.RepoPushEvent{}).
		Where("subject_did = ? AND event_type IN ?", did, q.eventTypes))
}

// ReleaseRepo clears the takedown ref on existing rows for did so the next
// delivery reverses the takedown. Subjects that were never pushed are left
// alone.
func (q *Queue) ReleaseRepo(ctx context.Context, db *gorm.DB, did string) ([]uint64, error) {
	scope := db.Model(&models.RepoPushEvent{}).Where("subject_did = ? AND event_type IN ?", did, q.eventTypes)
	return q.release(ctx, db, scope)
}

func (q *Queue) EnqueueRecord(ctx context.Context, db *gorm.DB, uri, did, cid string, takedownRef string) ([]uint64, error) {
	if len(q.eventTypes) == 0 {
		return nil, nil
	}
	rows := make([]models.RecordPushEvent, 0, len(q.eventTypes))
	for _, et := range q.eventTypes {
		rows = append(rows, models.RecordPushEvent{EventType: et, SubjectUri: uri, SubjectDid: did, SubjectCid: cid, TakedownRef: &takedownRef})
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_type"}, {Name: "subject_uri"}},
		DoUpdates: clause.AssignmentColumns(append([]string{"subject_cid"}, resetColumns...)),
	}).Create(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("enqueueing record push for %s: %w", uri, err)
	}
	return q.pluckIDs(ctx, db.Model(&models.RecordPushEvent{}).
		Where("subject_uri = ? AND event_type IN ?", uri, q.eventTypes))
}

func (q *Queue) ReleaseRecord(ctx context.Context, db *gorm.DB, uri string) ([]uint64, error) {
	scope := db.Model(&models.RecordPushEvent{}).Where("subject_uri = ? AND event_type IN ?", uri, q.eventTypes)
	return q.release(ctx, db, scope)
}

// EnqueueBlobs upserts one row per (target, blob). recordURI is informational
// and may be empty.
func (q *Queue) EnqueueBlobs(ctx context.Context, db *gorm.DB, did, recordURI string, blobCIDs []string, takedownRef string) ([]uint64, error) {
	if len(q.eventTypes) == 0 || len(blobCIDs) == 0 {
		return nil, nil
	}
	var uri *string
	if recordURI != "" {
		uri = &recordURI
	}
	rows := make([]models.BlobPushEvent, 0, len(q.eventTypes)*len(blobCIDs))
	for _, et := range q.eventTypes {
		for _, c := range blobCIDs {
			rows = append(rows, models.BlobPushEvent{EventType: et, SubjectDid: did, SubjectBlobCid: c, SubjectUri: uri, TakedownRef: &takedownRef})
		}
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_type"}, {Name: "subject_did"}, {Name: "subject_blob_cid"}},
		DoUpdates: clause.AssignmentColumns(append([]string{"subject_uri"}, resetColumns...)),
	}).Create(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("enqueueing blob push for %s: %w", did, err)
	}
	return q.pluckIDs(ctx, db.Model(&models.BlobPushEvent{}).
		Where("subject_did = ? AND subject_blob_cid IN ? AND event_type IN ?", did, blobCIDs, q.eventTypes))
}

func (q *Queue) ReleaseBlobs(ctx context.Context, db *gorm.DB, did string, blobCIDs []string) ([]uint64, error) {
	if len(blobCIDs) == 0 {
		return nil, nil
	}
	scope := db.Model(&models.BlobPushEvent{}).
		Where("subject_did = ? AND subject_blob_cid IN ? AND event_type IN ?", did, blobCIDs, q.eventTypes)
	return q.release(ctx, db, scope)
}

func (q *Queue) release(ctx context.Context, db *gorm.DB, scope *gorm.DB) ([]uint64, error) {
	if len(q.eventTypes) == 0 {
		return nil, nil
	}
	ids, err := q.pluckIDs(ctx, scope.Session(&gorm.Session{}))
	if err != nil || len(ids) == 0 {
		return ids, err
	}
	err = scope.WithContext(ctx).Session(&gorm.Session{}).Where("id IN ?", ids).Updates(map[string]any{
		"takedown_ref":   nil,
		"confirmed_at":   nil,
		"last_attempted": nil,
		"attempts":       0,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("releasing push rows: %w", err)
	}
	return ids, nil
}

func (q *Queue) pluckIDs(ctx context.Context, scope *gorm.DB) ([]uint64, error) {
	var ids []uint64
	if err := scope.WithContext(ctx).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("reading push row ids: %w", err)
	}
	return ids, nil
}

// pending restricts a query to rows still owed a delivery attempt, locking
// them on Postgres so concurrent claimers skip each other's rows.
func pending(db *gorm.DB) *gorm.DB {
	db = db.Where("confirmed_at IS NULL AND attempts < ?", MaxAttempts)
	if cliutil.IsPostgres(db) {
		db = db.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate, Options: clause.LockingOptionsSkipLocked})
	}
	return db
}

// ClaimRepo locks up to one batch of pending repo rows. Must run inside a
// transaction; the locks are held until it ends.
func (q *Queue) ClaimRepo(ctx context.Context, tx *gorm.DB) ([]models.RepoPushEvent, error) {
	var rows []models.RepoPushEvent
	err := pending(tx.WithContext(ctx)).Order("id ASC").Limit(q.batchSize).Find(&rows).Error
	return rows, err
}

func (q *Queue) ClaimRecord(ctx context.Context, tx *gorm.DB) ([]models.RecordPushEvent, error) {
	var rows []models.RecordPushEvent
	err := pending(tx.WithContext(ctx)).Order("id ASC").Limit(q.batchSize).Find(&rows).Error
	return rows, err
}

func (q *Queue) ClaimBlob(ctx context.Context, tx *gorm.DB) ([]models.BlobPushEvent, error) {
	var rows []models.BlobPushEvent
	err := pending(tx.WithContext(ctx)).Order("id ASC").Limit(q.batchSize).Find(&rows).Error
	return rows, err
}

// ClaimOne locks a single pending row by id into out, which must point to the
// model for kind. Returns false when the row is confirmed, exhausted or held
// by another claimer.
func ClaimOne(ctx context.Context, tx *gorm.DB, id uint64, out any) (bool, error) {
	res := pending(tx.WithContext(ctx)).Where("id = ?", id).Limit(1).Find(out)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkConfirmed records a successful delivery.
func MarkConfirmed(ctx context.Context, db *gorm.DB, kind Kind, id uint64, now time.Time) error {
	m, err := kind.model()
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Model(m).Where("id = ?", id).Updates(map[string]any{
		"confirmed_at":   now,
		"last_attempted": now,
	}).Error
}

// MarkFailed records a failed delivery attempt.
func MarkFailed(ctx context.Context, db *gorm.DB, kind Kind, id uint64, now time.Time) error {
	m, err := kind.model()
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Model(m).Where("id = ?", id).Updates(map[string]any{
		"attempts":       gorm.Expr("attempts + 1"),
		"last_attempted": now,
	}).Error
}

// CountExhausted counts rows that ran out of attempts without confirmation.
func CountExhausted(ctx context.Context, db *gorm.DB, kind Kind) (int64, error) {
	m, err := kind.model()
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.WithContext(ctx).Model(m).Where("confirmed_at IS NULL AND attempts >= ?", MaxAttempts).Count(&n).Error
	return n, err
}
