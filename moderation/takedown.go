package moderation

import (
	"context"
	"fmt"

	"github.com/bluesky-social/ozone/labels"
	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/pusher"
	"github.com/bluesky-social/ozone/subject"
	"github.com/bluesky-social/ozone/util"
)

func takedownRef(eventID uint64, suspend bool) string {
	if suspend {
		return fmt.Sprintf("BSKY-SUSPEND-%d", eventID)
	}
	return fmt.Sprintf("BSKY-TAKEDOWN-%d", eventID)
}

// TakedownRepo queues the account takedown for every downstream target and
// applies the !takedown (or !suspend) label.
func (p *Projector) TakedownRepo(ctx context.Context, tx *Tx, subj subject.Repo, takedownID uint64, suspend bool) error {
	ids, err := p.push.EnqueueRepo(ctx, tx.db, subj.DID(), takedownRef(takedownID, suspend))
	if err != nil {
		return err
	}
	val := TakedownLabel
	if suspend {
		val = SuspendLabel
	}
	if _, err := p.FormatAndCreateLabels(ctx, tx, subj.DID(), "", []string{val}, nil); err != nil {
		return err
	}
	p.attemptAfterCommit(tx, pusher.KindRepo, ids)
	return nil
}

// ReverseTakedownRepo clears the takedown on every downstream target and
// negates whichever takedown labels are active on the account.
func (p *Projector) ReverseTakedownRepo(ctx context.Context, tx *Tx, subj subject.Repo) error {
	ids, err := p.push.ReleaseRepo(ctx, tx.db, subj.DID())
	if err != nil {
		return err
	}

	var vals []string
	err = tx.db.WithContext(ctx).Model(&models.Label{}).
		Where("uri = ? AND val IN ? AND neg = ?", subj.DID(), []string{TakedownLabel, SuspendLabel}, false).
		Pluck("val", &vals).Error
	if err != nil {
		return fmt.Errorf("reading takedown labels: %w", err)
	}
	if _, err := p.FormatAndCreateLabels(ctx, tx, subj.DID(), "", nil, vals); err != nil {
		return err
	}
	p.attemptAfterCommit(tx, pusher.KindRepo, ids)
	return nil
}

// TakedownRecord labels the record and queues takedowns for the record and
// each of its blobs.
func (p *Projector) TakedownRecord(ctx context.Context, tx *Tx, subj subject.Record, takedownID uint64) error {
	if _, err := p.FormatAndCreateLabels(ctx, tx, subj.URI(), subj.CID(), []string{TakedownLabel}, nil); err != nil {
		return err
	}

	ref := takedownRef(takedownID, false)
	recordIDs, err := p.push.EnqueueRecord(ctx, tx.db, subj.URI(), subj.DID(), subj.CID(), ref)
	if err != nil {
		return err
	}
	blobIDs, err := p.push.EnqueueBlobs(ctx, tx.db, subj.DID(), subj.URI(), subj.BlobCIDs(), ref)
	if err != nil {
		return err
	}
	p.attemptAfterCommit(tx, pusher.KindRecord, recordIDs)
	p.attemptAfterCommit(tx, pusher.KindBlob, blobIDs)
	return nil
}

// ReverseTakedownRecord negates the record's takedown label and releases the
// record and blob push rows.
func (p *Projector) ReverseTakedownRecord(ctx context.Context, tx *Tx, subj subject.Record) error {
	if _, err := p.FormatAndCreateLabels(ctx, tx, subj.URI(), subj.CID(), nil, []string{TakedownLabel}); err != nil {
		return err
	}

	recordIDs, err := p.push.ReleaseRecord(ctx, tx.db, subj.URI())
	if err != nil {
		return err
	}
	blobIDs, err := p.push.ReleaseBlobs(ctx, tx.db, subj.DID(), subj.BlobCIDs())
	if err != nil {
		return err
	}
	p.attemptAfterCommit(tx, pusher.KindRecord, recordIDs)
	p.attemptAfterCommit(tx, pusher.KindBlob, blobIDs)
	return nil
}

func (p *Projector) attemptAfterCommit(tx *Tx, kind pusher.Kind, ids []uint64) {
	if p.attempter == nil || p.bg == nil || len(ids) == 0 {
		return
	}
	tx.AfterCommit(func(ctx context.Context) {
		// the attempt outlives the request that committed the takedown
		p.bg.Add(context.WithoutCancel(ctx), "push-attempt-"+string(kind), func(ctx context.Context) error {
			for _, id := range ids {
				if err := p.attempter.AttemptEvent(ctx, kind, id); err != nil {
					p.logger.Warn("immediate push attempt failed", "kind", kind, "id", id, "err", err)
				}
			}
			return nil
		})
	})
}

// FormatAndCreateLabels signs and writes labels from the service on uri.
// Sequencers are notified once the transaction commits.
func (p *Projector) FormatAndCreateLabels(ctx context.Context, tx *Tx, uri, cid string, create, negate []string) ([]models.Label, error) {
	if len(create) == 0 && len(negate) == 0 {
		return nil, nil
	}
	if p.labels == nil {
		return nil, fmt.Errorf("no label store configured")
	}

	cts := p.now()
	var cidPtr *string
	if cid != "" {
		cidPtr = &cid
	}
	lbls := make([]labels.Label, 0, len(create)+len(negate))
	for _, val := range create {
		lbls = append(lbls, labels.Label{SourceDID: p.serviceDID, URI: uri, CID: cidPtr, Val: val, CreatedAt: util.FormatTimestamp(cts)})
	}
	for _, val := range negate {
		neg := true
		lbls = append(lbls, labels.Label{SourceDID: p.serviceDID, URI: uri, CID: cidPtr, Val: val, Negated: &neg, CreatedAt: util.FormatTimestamp(cts)})
	}

	rows, err := p.labels.Write(ctx, tx.db, lbls)
	if err != nil {
		return nil, err
	}
	tx.AfterCommit(p.labels.Notify)
	return rows, nil
}
