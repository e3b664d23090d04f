package labels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gorm.io/gorm"

	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/signing"
	"github.com/bluesky-social/ozone/util"
)

// Store signs labels with the service key and writes them to the label table.
type Store struct {
	src      string
	key      *signing.PrivateKey
	pubKey   string
	notifier Notifier
	keyIDs   *lru.Cache[string, uint]
	logger   *slog.Logger
}

// NewStore returns a Store emitting labels as src. notifier may be nil, in
// which case writes never wake a Sequencer early.
func NewStore(src string, key *signing.PrivateKey, notifier Notifier, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	keyIDs, err := lru.New[string, uint](16)
	if err != nil {
		return nil, err
	}
	return &Store{
		src:      src,
		key:      key,
		pubKey:   key.PublicKey().Multibase(),
		notifier: notifier,
		keyIDs:   keyIDs,
		logger:   logger.With("component", "label-store"),
	}, nil
}

// Source is the DID labels from this store are attributed to.
func (s *Store) Source() string {
	return s.src
}

// CreateLabels writes labels and then wakes any listening Sequencer. Callers
// holding an open transaction should use Write and call Notify after commit.
func (s *Store) CreateLabels(ctx context.Context, db *gorm.DB, lbls []Label) ([]models.Label, error) {
	rows, err := s.Write(ctx, db, lbls)
	if err != nil {
		return nil, err
	}
	s.Notify(ctx)
	return rows, nil
}

// Write signs each label and upserts it on (src, uri, cid, val). A row that
// supersedes an earlier one is given a fresh id, so it is emitted again on
// the label stream.
func (s *Store) Write(ctx context.Context, db *gorm.DB, lbls []Label) ([]models.Label, error) {
	if len(lbls) == 0 {
		return nil, nil
	}
	keyID, err := s.activeKeyID(ctx, db)
	if err != nil {
		return nil, err
	}

	rows := make([]models.Label, 0, len(lbls))
	now := util.FormatTimestamp(time.Now())
	for i := range lbls {
		l := lbls[i]
		if l.SourceDID == "" {
			l.SourceDID = s.src
		}
		if l.CreatedAt == "" {
			l.CreatedAt = now
		}
		l.Version = LabelVersion
		l.Sig = nil
		if err := l.Sign(s.key); err != nil {
			return nil, fmt.Errorf("signing label %s on %s: %w", l.Val, l.URI, err)
		}
		rows = append(rows, l.toModel(keyID))
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			row := &rows[i]
			if err := tx.Where("src = ? AND uri = ? AND cid = ? AND val = ?", row.Src, row.Uri, row.Cid, row.Val).
				Delete(&models.Label{}).Error; err != nil {
				return err
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("writing labels: %w", err)
	}

	for _, row := range rows {
		labelsWrittenCounter.WithLabelValues(strconv.FormatBool(row.Neg)).Inc()
	}
	return rows, nil
}

// Notify wakes listening Sequencers. Failures are logged; a sequencer still
// picks the rows up on its next poll.
func (s *Store) Notify(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx); err != nil {
		s.logger.Warn("failed to send label notification", "err", err)
	}
}

// Resign re-signs rows whose signing key is not the active key. The rows keep
// their ids; a re-signature is not a new label.
func (s *Store) Resign(ctx context.Context, db *gorm.DB, rows []models.Label) error {
	keyID, err := s.activeKeyID(ctx, db)
	if err != nil {
		return err
	}
	for i := range rows {
		row := &rows[i]
		if row.SigningKeyID == keyID {
			continue
		}
		l := FromModel(row)
		l.Sig = nil
		if err := l.Sign(s.key); err != nil {
			return fmt.Errorf("re-signing label %d: %w", row.ID, err)
		}
		if err := db.WithContext(ctx).Model(&models.Label{}).Where("id = ?", row.ID).
			Updates(map[string]any{"sig": l.Sig, "signing_key_id": keyID}).Error; err != nil {
			return fmt.Errorf("re-signing label %d: %w", row.ID, err)
		}
		row.Sig = l.Sig
		row.SigningKeyID = keyID
		labelsResignedCounter.Inc()
	}
	return nil
}

func (s *Store) activeKeyID(ctx context.Context, db *gorm.DB) (uint, error) {
	if id, ok := s.keyIDs.Get(s.pubKey); ok {
		return id, nil
	}
	var sk models.SigningKey
	if err := db.WithContext(ctx).Where(models.SigningKey{Key: s.pubKey}).FirstOrCreate(&sk).Error; err != nil {
		return 0, fmt.Errorf("loading signing key id: %w", err)
	}
	s.keyIDs.Add(s.pubKey, sk.ID)
	return sk.ID, nil
}
