package scheduled

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/moderation"
	"github.com/bluesky-social/ozone/subject"
)

// DefaultInterval is how often the daemon runs the processor.
const DefaultInterval = time.Minute

// Within a randomized window the chance of running on a given tick ramps
// linearly from zero up to maxTickProbability.
const maxTickProbability = 0.1

type ProcessorOptions struct {
	Logger *slog.Logger
	Clock  func() time.Time
	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// Processor runs due scheduled actions as moderation events.
type Processor struct {
	svc     *Service
	emitter *moderation.Emitter
	logger  *slog.Logger
	clock   func() time.Time
	rand    func() float64
}

func NewProcessor(svc *Service, emitter *moderation.Emitter, opts ProcessorOptions) *Processor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Processor{
		svc:     svc,
		emitter: emitter,
		logger:  opts.Logger.With("component", "scheduled-actions"),
		clock:   opts.Clock,
		rand:    opts.Rand,
	}
}

// ShouldExecute decides whether a due action runs now. Fixed-time actions
// always run. Randomized ones run with a probability that grows across the
// window and always once ExecuteUntil has passed.
func ShouldExecute(a *models.ScheduledAction, now time.Time, roll func() float64) bool {
	if !a.RandomizeExecution || a.ExecuteAfter == nil {
		return true
	}
	if now.Before(*a.ExecuteAfter) {
		return false
	}
	if a.ExecuteUntil == nil || !now.Before(*a.ExecuteUntil) {
		return true
	}
	window := a.ExecuteUntil.Sub(*a.ExecuteAfter)
	elapsed := now.Sub(*a.ExecuteAfter)
	p := min(float64(elapsed)/float64(window), 1) * maxTickProbability
	return roll() < p
}

// Run executes every due action. Failures of single actions are recorded on
// the action and do not fail the run.
func (p *Processor) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()

	now := p.clock()
	due, err := p.svc.PendingActionsToExecute(ctx, now)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("due", len(due)))

	for i := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a := &due[i]
		if !ShouldExecute(a, now, p.rand) {
			executions.WithLabelValues("deferred").Inc()
			continue
		}
		if err := p.Execute(ctx, a.ID); err != nil {
			p.logger.Error("failed to run scheduled action", "id", a.ID, "did", a.Did, "err", err)
		}
	}
	return nil
}

type pendingEmail struct {
	did       string
	createdBy string
	subject   string
	content   string
}

// Execute runs one action in its own transaction. An action that is no
// longer pending, for example because another processor ran it, is skipped.
func (p *Processor) Execute(ctx context.Context, id uint64) error {
	ctx, span := tracer.Start(ctx, "Execute")
	defer span.End()
	span.SetAttributes(attribute.Int64("id", int64(id)))

	var (
		email   *pendingEmail
		outcome = "skipped"
	)
	err := p.emitter.Projector().Transact(ctx, func(tx *moderation.Tx) error {
		a, err := claimPending(ctx, tx.DB(), id)
		if err != nil {
			return err
		}
		if a == nil {
			return nil
		}

		evtID, runErr := p.run(ctx, tx, a)
		if runErr != nil {
			outcome = "failed"
			p.logger.Warn("scheduled action failed", "id", a.ID, "did", a.Did, "err", runErr)
			return p.svc.MarkFailed(ctx, tx.DB(), a.ID, runErr.Error())
		}
		outcome = "executed"
		if err := p.svc.MarkExecuted(ctx, tx.DB(), a.ID, evtID); err != nil {
			return err
		}

		data, _ := TakedownDataOf(a)
		if data.EmailContent != "" {
			email = &pendingEmail{
				did:       a.Did,
				createdBy: a.CreatedBy,
				subject:   data.EmailSubject,
				content:   data.EmailContent,
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	executions.WithLabelValues(outcome).Inc()

	if email != nil {
		p.sendEmail(ctx, email)
	}
	return nil
}

// run logs the action's event in a savepoint so a rejected event leaves the
// transaction usable for recording the failure.
func (p *Processor) run(ctx context.Context, tx *moderation.Tx, a *models.ScheduledAction) (uint64, error) {
	data, err := TakedownDataOf(a)
	if err != nil {
		return 0, err
	}
	subj, err := subject.NewRepo(a.Did)
	if err != nil {
		return 0, err
	}
	params := moderation.LogEventParams{
		Event: moderation.Event{
			Action:                     moderation.ActionTakedown,
			Comment:                    data.Comment,
			DurationInHours:            data.DurationInHours,
			AcknowledgeAccountSubjects: data.AcknowledgeAccountSubjects,
			Policies:                   data.Policies,
			SeverityLevel:              data.SeverityLevel,
			StrikeCount:                data.StrikeCount,
		},
		Subject:   subj,
		CreatedBy: a.CreatedBy,
	}

	var evt *models.ModerationEvent
	err = tx.Nested(func(sub *moderation.Tx) error {
		var err error
		evt, err = p.emitter.EmitTx(ctx, sub, params)
		return err
	})
	if err != nil {
		return 0, err
	}
	return evt.ID, nil
}

func (p *Processor) sendEmail(ctx context.Context, m *pendingEmail) {
	subj, err := subject.NewRepo(m.did)
	if err != nil {
		return
	}
	_, err = p.emitter.Emit(ctx, moderation.LogEventParams{
		Event: moderation.Event{
			Action:      moderation.ActionEmail,
			SubjectLine: m.subject,
			Content:     m.content,
		},
		Subject:   subj,
		CreatedBy: m.createdBy,
	})
	if err != nil {
		p.logger.Error("failed to log scheduled takedown email", "did", m.did, "err", err)
	}
}
