package background

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// PeriodicTask runs a task through a Queue on an interval. At most one run is
// in flight; the next run starts no sooner than interval after the previous
// one ended. With wall-clock alignment the next run starts on the first
// interval boundary after the previous one ended instead.
type PeriodicTask struct {
	log      *slog.Logger
	queue    *Queue
	name     string
	interval time.Duration
	task     Task
	aligned  bool
	now      func() time.Time

	trigger chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type PeriodicOption func(*PeriodicTask)

// WithWallClockAlignment makes runs fire on multiples of the interval, so
// independent processes agree on timing.
func WithWallClockAlignment() PeriodicOption {
	return func(p *PeriodicTask) {
		p.aligned = true
	}
}

func WithClock(now func() time.Time) PeriodicOption {
	return func(p *PeriodicTask) {
		p.now = now
	}
}

func NewPeriodicTask(queue *Queue, name string, interval time.Duration, task Task, opts ...PeriodicOption) *PeriodicTask {
	p := &PeriodicTask{
		log:      queue.log.With("task", name),
		queue:    queue,
		name:     name,
		interval: interval,
		task:     task,
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the scheduling loop. Calling Start on a running task is a
// no-op.
func (p *PeriodicTask) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
}

// Trigger requests a run as soon as the current one (if any) finishes.
// Multiple triggers before that point coalesce into one.
func (p *PeriodicTask) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *PeriodicTask) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		wait := p.interval
		if p.aligned {
			wait = UntilNextBoundary(p.now(), p.interval)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-p.trigger:
			timer.Stop()
		}

		err := p.queue.Add(ctx, p.name, p.task).Wait(context.Background())
		if errors.Is(err, ErrQueueDestroyed) {
			p.log.Info("queue destroyed, stopping periodic task")
			return
		}
	}
}

// Destroy stops future runs and waits for an in-flight run to finish.
func (p *PeriodicTask) Destroy(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UntilNextBoundary returns the time from now until the next multiple of
// interval on the wall clock.
func UntilNextBoundary(now time.Time, interval time.Duration) time.Duration {
	next := now.Truncate(interval).Add(interval)
	return next.Sub(now)
}
