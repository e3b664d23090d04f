package daemon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bluesky-social/ozone/internal/background"
	"github.com/bluesky-social/ozone/moderation"
	"github.com/bluesky-social/ozone/pusher"
	"github.com/bluesky-social/ozone/scheduled"
)

type Config struct {
	Projector  *moderation.Projector
	Pusher     *pusher.EventPusher
	Scheduled  *scheduled.Processor
	Background *background.Queue
	Logger     *slog.Logger

	ReversalInterval  time.Duration
	ScheduledInterval time.Duration
}

// Daemon owns the periodic work of a moderation service: push delivery,
// expiry reversal and scheduled actions. All of it runs on one background
// queue.
type Daemon struct {
	logger    *slog.Logger
	pusher    *pusher.EventPusher
	reversal  *ReversalScanner
	scheduled *background.PeriodicTask
}

func New(cfg Config) (*Daemon, error) {
	if cfg.Projector == nil || cfg.Background == nil {
		return nil, errors.New("daemon requires a projector and a background queue")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ScheduledInterval <= 0 {
		cfg.ScheduledInterval = scheduled.DefaultInterval
	}
	d := &Daemon{
		logger: cfg.Logger.With("component", "daemon"),
		pusher: cfg.Pusher,
		reversal: NewReversalScanner(cfg.Projector, cfg.Background, ReversalScannerOptions{
			Interval: cfg.ReversalInterval,
			Logger:   cfg.Logger,
		}),
	}
	if cfg.Scheduled != nil {
		d.scheduled = background.NewPeriodicTask(cfg.Background, "scheduled-actions", cfg.ScheduledInterval, cfg.Scheduled.Run)
	}
	return d, nil
}

func (d *Daemon) Start(ctx context.Context) {
	if d.pusher != nil {
		d.pusher.Start(ctx)
	}
	d.reversal.Start(ctx)
	if d.scheduled != nil {
		d.scheduled.Start(ctx)
	}
	d.logger.Info("daemon started")
}

// Shutdown stops every periodic task and waits for in-flight runs.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error
	if d.pusher != nil {
		errs = append(errs, d.pusher.Destroy(ctx))
	}
	errs = append(errs, d.reversal.Destroy(ctx))
	if d.scheduled != nil {
		errs = append(errs, d.scheduled.Destroy(ctx))
	}
	d.logger.Info("daemon stopped")
	return errors.Join(errs...)
}
