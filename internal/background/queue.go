// Package background provides the scheduling primitives shared by every
// daemon: a bounded work queue and a periodic task wrapper.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var ErrQueueDestroyed = errors.New("background queue destroyed")

// Task is a unit of background work.
type Task func(ctx context.Context) error

// Future resolves when the task it was returned for has finished or was
// skipped.
type Future struct {
	done chan struct{}
	err  error
}

func resolved(err error) *Future {
	f := &Future{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes and returns its error, or until ctx is
// done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue runs tasks with bounded concurrency. Each task receives a context that
// is cancelled only once both the queue has been destroyed and the caller's
// context is done.
type Queue struct {
	log *slog.Logger
	sem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	destroyed bool
	wg        sync.WaitGroup
}

func NewQueue(concurrency int, logger *slog.Logger) *Queue {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		log:    logger.With("component", "background"),
		sem:    semaphore.NewWeighted(int64(concurrency)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add enqueues task. The task is skipped, resolving with the context error, if
// ctx is already done when a slot frees up.
func (q *Queue) Add(ctx context.Context, name string, task Task) *Future {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return resolved(ErrQueueDestroyed)
	}
	q.wg.Add(1)
	q.mu.Unlock()

	queuedTasks.Inc()
	f := &Future{done: make(chan struct{})}
	go func() {
		defer q.wg.Done()
		defer close(f.done)

		// queued work outlives the queue signal, so admission never aborts
		_ = q.sem.Acquire(context.Background(), 1)
		defer q.sem.Release(1)
		queuedTasks.Dec()

		if err := ctx.Err(); err != nil {
			tasksCompleted.WithLabelValues(name, "skipped").Inc()
			f.err = err
			return
		}

		taskCtx, cancel := Both(q.ctx, ctx)
		defer cancel()

		f.err = q.run(taskCtx, name, task)
	}()
	return f
}

func (q *Queue) run(ctx context.Context, name string, task Task) (err error) {
	start := time.Now()
	runningTasks.Inc()
	defer func() {
		runningTasks.Dec()
		if r := recover(); r != nil {
			err = fmt.Errorf("background task %s panicked: %v", name, r)
		}
		status := "ok"
		if err != nil {
			status = "error"
			q.log.Error("background task failed", "task", name, "err", err)
		}
		tasksCompleted.WithLabelValues(name, status).Inc()
		taskDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()
	return task(ctx)
}

// Destroy stops accepting tasks and waits for every accepted task to finish,
// or for ctx to be done.
func (q *Queue) Destroy(ctx context.Context) error {
	q.mu.Lock()
	q.destroyed = true
	q.mu.Unlock()
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}
