package daemon

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bluesky-social/ozone/internal/background"
	"github.com/bluesky-social/ozone/moderation"
)

var tracer = otel.Tracer("daemon")

const DefaultReversalInterval = time.Minute

type ReversalScannerOptions struct {
	Interval time.Duration
	Logger   *slog.Logger
	Clock    func() time.Time
}

// ReversalScanner reverts suspensions and mutes whose duration has run out.
// Scans are aligned to the wall clock so replicas scan on the same minute.
type ReversalScanner struct {
	proj   *moderation.Projector
	logger *slog.Logger
	clock  func() time.Time
	task   *background.PeriodicTask
}

func NewReversalScanner(proj *moderation.Projector, bg *background.Queue, opts ReversalScannerOptions) *ReversalScanner {
	if opts.Interval <= 0 {
		opts.Interval = DefaultReversalInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	s := &ReversalScanner{
		proj:   proj,
		logger: opts.Logger.With("component", "reversal-scanner"),
		clock:  opts.Clock,
	}
	s.task = background.NewPeriodicTask(bg, "reversal-scan", opts.Interval, s.Scan,
		background.WithWallClockAlignment(), background.WithClock(opts.Clock))
	return s
}

func (s *ReversalScanner) Start(ctx context.Context) {
	s.task.Start(ctx)
}

func (s *ReversalScanner) Destroy(ctx context.Context) error {
	return s.task.Destroy(ctx)
}

// Scan reverts every subject that is due. A subject that fails is logged and
// retried on the next scan.
func (s *ReversalScanner) Scan(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "ReversalScan")
	defer span.End()

	now := s.clock()
	due, err := s.proj.SubjectsDueForReversal(ctx, now)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("due", len(due)))

	for _, rs := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if rs.ReverseSuspend {
			s.revert(ctx, rs, moderation.ActionTakedown, now)
		}
		if rs.ReverseMute {
			s.revert(ctx, rs, moderation.ActionMute, now)
		}
	}
	return nil
}

func (s *ReversalScanner) revert(ctx context.Context, rs moderation.ReversalSubject, action moderation.Action, now time.Time) {
	log := s.logger.With("subject", rs.Subject.String(), "action", action)

	last, err := s.proj.LastReversibleEvent(ctx, rs.Subject, action)
	if err != nil {
		reversals.WithLabelValues(actionName(action), "error").Inc()
		log.Error("failed to find event to revert", "err", err)
		return
	}
	// a mute without a duration still expires after the default period
	if last == nil && action != moderation.ActionMute {
		reversals.WithLabelValues(actionName(action), "missing").Inc()
		log.Warn("no time-boxed event found for expired subject, skipping")
		return
	}
	if last != nil {
		log = log.With("eventId", last.ID)
	}

	err = s.proj.Transact(ctx, func(tx *moderation.Tx) error {
		_, err := s.proj.RevertState(ctx, tx, moderation.ReversibleEvent{
			Action:    action,
			Subject:   rs.Subject,
			CreatedBy: s.proj.ServiceDID(),
			CreatedAt: now,
			Comment:   moderation.ReversalComment,
		})
		return err
	})
	if err != nil {
		reversals.WithLabelValues(actionName(action), "error").Inc()
		log.Error("failed to revert expired action", "err", err)
		return
	}
	reversals.WithLabelValues(actionName(action), "ok").Inc()
	log.Info("reverted expired action")
}

func actionName(a moderation.Action) string {
	if a == moderation.ActionTakedown {
		return "takedown"
	}
	return "mute"
}
