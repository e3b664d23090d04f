package pusher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/bluesky-social/ozone/internal/background"
	"github.com/bluesky-social/ozone/models"
)

var tracer = otel.Tracer("pusher")

const DefaultPollInterval = 30 * time.Second

// StatusUpdater is the downstream side of a delivery. Client implements it.
type StatusUpdater interface {
	UpdateSubjectStatus(ctx context.Context, eventType string, subject any, takedown Takedown) error
}

type EventPusherOptions struct {
	PollInterval time.Duration
	// Concurrency bounds in-flight downstream calls per poll.
	Concurrency int
	Logger      *slog.Logger
	Clock       func() time.Time
}

func DefaultEventPusherOptions() EventPusherOptions {
	return EventPusherOptions{
		PollInterval: DefaultPollInterval,
		Concurrency:  10,
	}
}

// EventPusher drives push rows to confirmation. Each push table has its own
// periodic poller; AttemptEvent delivers a single row on demand.
type EventPusher struct {
	db      *gorm.DB
	queue   *Queue
	updater StatusUpdater
	bg      *background.Queue
	opts    EventPusherOptions
	logger  *slog.Logger

	tasks []*background.PeriodicTask
}

func NewEventPusher(db *gorm.DB, queue *Queue, updater StatusUpdater, bg *background.Queue, opts EventPusherOptions) *EventPusher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	ep := &EventPusher{
		db:      db,
		queue:   queue,
		updater: updater,
		bg:      bg,
		opts:    opts,
		logger:  opts.Logger.With("component", "event-pusher"),
	}
	for _, kind := range []Kind{KindRepo, KindRecord, KindBlob} {
		ep.tasks = append(ep.tasks, background.NewPeriodicTask(bg, "push-"+string(kind), opts.PollInterval, func(ctx context.Context) error {
			_, err := ep.Poll(ctx, kind)
			return err
		}))
	}
	return ep
}

// Start begins the periodic pollers.
func (ep *EventPusher) Start(ctx context.Context) {
	for _, t := range ep.tasks {
		t.Start(ctx)
	}
}

// Destroy stops the pollers and waits for in-flight polls.
func (ep *EventPusher) Destroy(ctx context.Context) error {
	var errs []error
	for _, t := range ep.tasks {
		errs = append(errs, t.Destroy(ctx))
	}
	return errors.Join(errs...)
}

type delivery struct {
	id        uint64
	eventType string
	subject   any
	takedown  Takedown
	err       error
}

func takedownOf(ref *string) Takedown {
	if ref == nil {
		return Takedown{}
	}
	return Takedown{Applied: true, Ref: *ref}
}

func repoDelivery(row *models.RepoPushEvent) *delivery {
	return &delivery{
		id:        row.ID,
		eventType: row.EventType,
		subject:   RepoRef{Type: "com.atproto.admin.defs#repoRef", DID: row.SubjectDid},
		takedown:  takedownOf(row.TakedownRef),
	}
}

func recordDelivery(row *models.RecordPushEvent) *delivery {
	return &delivery{
		id:        row.ID,
		eventType: row.EventType,
		subject:   StrongRef{Type: "com.atproto.repo.strongRef", URI: row.SubjectUri, CID: row.SubjectCid},
		takedown:  takedownOf(row.TakedownRef),
	}
}

func blobDelivery(row *models.BlobPushEvent) *delivery {
	ref := RepoBlobRef{Type: "com.atproto.admin.defs#repoBlobRef", DID: row.SubjectDid, CID: row.SubjectBlobCid}
	if row.SubjectUri != nil {
		ref.RecordURI = *row.SubjectUri
	}
	return &delivery{
		id:        row.ID,
		eventType: row.EventType,
		subject:   ref,
		takedown:  takedownOf(row.TakedownRef),
	}
}

func (ep *EventPusher) claim(ctx context.Context, tx *gorm.DB, kind Kind) ([]*delivery, error) {
	var out []*delivery
	switch kind {
	case KindRepo:
		rows, err := ep.queue.ClaimRepo(ctx, tx)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			out = append(out, repoDelivery(&rows[i]))
		}
	case KindRecord:
		rows, err := ep.queue.ClaimRecord(ctx, tx)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			out = append(out, recordDelivery(&rows[i]))
		}
	case KindBlob:
		rows, err := ep.queue.ClaimBlob(ctx, tx)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			out = append(out, blobDelivery(&rows[i]))
		}
	default:
		return nil, fmt.Errorf("unknown push event kind %q", kind)
	}
	return out, nil
}

// Poll claims one batch of pending rows of kind, delivers them and records
// the outcomes. It returns the number of rows attempted.
func (ep *EventPusher) Poll(ctx context.Context, kind Kind) (int, error) {
	ctx, span := tracer.Start(ctx, "Poll")
	defer span.End()
	span.SetAttributes(attribute.String("kind", string(kind)))

	var attempted int
	err := ep.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := ep.claim(ctx, tx, kind)
		if err != nil {
			return fmt.Errorf("claiming %s push rows: %w", kind, err)
		}
		if len(batch) == 0 {
			return nil
		}
		attempted = len(batch)

		// dispatched calls finish even if ctx is cancelled meanwhile
		callCtx := context.WithoutCancel(ctx)
		var eg errgroup.Group
		eg.SetLimit(ep.opts.Concurrency)
		for _, d := range batch {
			eg.Go(func() error {
				d.err = ep.deliver(callCtx, kind, d)
				return nil
			})
		}
		_ = eg.Wait()

		return ep.record(callCtx, tx, kind, batch)
	})
	if err != nil {
		return attempted, err
	}
	span.SetAttributes(attribute.Int("attempted", attempted))

	ep.updateExhausted(ctx, kind)
	return attempted, nil
}

// AttemptEvent delivers one row right away. Rows that are confirmed,
// exhausted or being delivered by a poller are skipped.
func (ep *EventPusher) AttemptEvent(ctx context.Context, kind Kind, id uint64) error {
	ctx, span := tracer.Start(ctx, "AttemptEvent")
	defer span.End()
	span.SetAttributes(attribute.String("kind", string(kind)), attribute.Int64("id", int64(id)))

	return ep.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d *delivery
		var found bool
		var err error
		switch kind {
		case KindRepo:
			var row models.RepoPushEvent
			if found, err = ClaimOne(ctx, tx, id, &row); found {
				d = repoDelivery(&row)
			}
		case KindRecord:
			var row models.RecordPushEvent
			if found, err = ClaimOne(ctx, tx, id, &row); found {
				d = recordDelivery(&row)
			}
		case KindBlob:
			var row models.BlobPushEvent
			if found, err = ClaimOne(ctx, tx, id, &row); found {
				d = blobDelivery(&row)
			}
		default:
			return fmt.Errorf("unknown push event kind %q", kind)
		}
		if err != nil {
			return fmt.Errorf("claiming %s push row %d: %w", kind, id, err)
		}
		if !found {
			return nil
		}

		callCtx := context.WithoutCancel(ctx)
		d.err = ep.deliver(callCtx, kind, d)
		return ep.record(callCtx, tx, kind, []*delivery{d})
	})
}

func (ep *EventPusher) deliver(ctx context.Context, kind Kind, d *delivery) error {
	err := ep.updater.UpdateSubjectStatus(ctx, d.eventType, d.subject, d.takedown)
	status := "ok"
	if err != nil {
		status = "error"
		ep.logger.Warn("push delivery failed", "kind", kind, "id", d.id, "eventType", d.eventType, "err", err)
	}
	pushAttempts.WithLabelValues(string(kind), d.eventType, status).Inc()
	return err
}

func (ep *EventPusher) record(ctx context.Context, tx *gorm.DB, kind Kind, batch []*delivery) error {
	now := ep.opts.Clock()
	for _, d := range batch {
		var err error
		if d.err == nil {
			err = MarkConfirmed(ctx, tx, kind, d.id, now)
		} else {
			err = MarkFailed(ctx, tx, kind, d.id, now)
		}
		if err != nil {
			return fmt.Errorf("recording %s push outcome for %d: %w", kind, d.id, err)
		}
	}
	return nil
}

func (ep *EventPusher) updateExhausted(ctx context.Context, kind Kind) {
	n, err := CountExhausted(ctx, ep.db, kind)
	if err != nil {
		ep.logger.Warn("failed to count exhausted push rows", "kind", kind, "err", err)
		return
	}
	if n > 0 {
		ep.logger.Error("push rows exhausted their delivery attempts", "kind", kind, "count", n)
	}
	pushExhausted.WithLabelValues(string(kind)).Set(float64(n))
}
