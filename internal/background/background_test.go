package background

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBothContext(t *testing.T) {
	assert := assert.New(t)

	a, cancelA := context.WithCancel(context.Background())
	b, cancelB := context.WithCancel(context.Background())
	ctx, cancel := Both(a, b)
	defer cancel()

	cancelA()
	select {
	case <-ctx.Done():
		t.Fatal("derived context done after only one parent")
	case <-time.After(20 * time.Millisecond):
	}

	cancelB()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("derived context not done after both parents")
	}
	assert.ErrorIs(ctx.Err(), context.Canceled)
}

func TestBothAlreadyDone(t *testing.T) {
	a, cancelA := context.WithCancel(context.Background())
	b, cancelB := context.WithCancel(context.Background())
	cancelA()
	cancelB()

	ctx, cancel := Both(a, b)
	defer cancel()
	assert.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, time.Millisecond)
}

func TestQueueBoundedConcurrency(t *testing.T) {
	assert := assert.New(t)
	q := NewQueue(2, nil)

	var running, peak atomic.Int32
	var futures []*Future
	for i := 0; i < 6; i++ {
		futures = append(futures, q.Add(context.Background(), "bounded", func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	for _, f := range futures {
		assert.NoError(f.Wait(context.Background()))
	}
	assert.LessOrEqual(peak.Load(), int32(2))
	assert.Equal(int32(0), running.Load())
}

func TestQueueFutureError(t *testing.T) {
	q := NewQueue(1, nil)
	boom := errors.New("boom")
	err := q.Add(context.Background(), "fails", func(ctx context.Context) error {
		return boom
	}).Wait(context.Background())
	assert.ErrorIs(t, err, boom)

	err = q.Add(context.Background(), "panics", func(ctx context.Context) error {
		panic("oops")
	}).Wait(context.Background())
	assert.ErrorContains(t, err, "panicked")
}

func TestQueueDestroyDrains(t *testing.T) {
	assert := assert.New(t)
	q := NewQueue(1, nil)

	release := make(chan struct{})
	var ran atomic.Int32
	var taskCtxErr error
	var mu sync.Mutex

	first := q.Add(context.Background(), "first", func(ctx context.Context) error {
		<-release
		mu.Lock()
		taskCtxErr = ctx.Err()
		mu.Unlock()
		ran.Add(1)
		return nil
	})
	// queued behind the first task
	second := q.Add(context.Background(), "second", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})

	destroyed := make(chan error)
	go func() {
		destroyed <- q.Destroy(context.Background())
	}()

	// destroy is waiting on in-flight work
	select {
	case <-destroyed:
		t.Fatal("destroy returned before in-flight work finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-destroyed)
	assert.NoError(first.Wait(context.Background()))
	assert.NoError(second.Wait(context.Background()))
	assert.Equal(int32(2), ran.Load())

	// the caller's context was live, so the queue signal alone did not cancel the task
	mu.Lock()
	assert.NoError(taskCtxErr)
	mu.Unlock()

	err := q.Add(context.Background(), "late", func(ctx context.Context) error { return nil }).Wait(context.Background())
	assert.ErrorIs(err, ErrQueueDestroyed)
}

func TestQueueSkipsCancelledCaller(t *testing.T) {
	q := NewQueue(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := q.Add(ctx, "skipped", func(ctx context.Context) error {
		called = true
		return nil
	}).Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestPeriodicTaskNoOverlap(t *testing.T) {
	assert := assert.New(t)
	q := NewQueue(4, nil)

	var runs, inflight, overlaps atomic.Int32
	p := NewPeriodicTask(q, "tick", 5*time.Millisecond, func(ctx context.Context) error {
		if inflight.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		runs.Add(1)
		return nil
	})
	p.Start(context.Background())

	assert.Eventually(func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Destroy(context.Background()))
	assert.Equal(int32(0), overlaps.Load())
	assert.Equal(int32(0), inflight.Load())

	// no runs after destroy
	n := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(n, runs.Load())
}

func TestPeriodicTaskDestroyWaitsForRun(t *testing.T) {
	q := NewQueue(1, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	p := NewPeriodicTask(q, "slow", time.Hour, func(ctx context.Context) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})
	p.Start(context.Background())
	p.Trigger()
	<-started

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, p.Destroy(context.Background()))
	assert.True(t, finished.Load())
}

func TestPeriodicTaskTriggerCoalesces(t *testing.T) {
	q := NewQueue(1, nil)
	var runs atomic.Int32
	release := make(chan struct{})
	p := NewPeriodicTask(q, "coalesce", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	})
	p.Start(context.Background())
	p.Trigger()
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	// a burst while running queues exactly one more run
	for i := 0; i < 5; i++ {
		p.Trigger()
	}
	close(release)
	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), runs.Load())
	require.NoError(t, p.Destroy(context.Background()))
}

func TestUntilNextBoundary(t *testing.T) {
	assert := assert.New(t)
	now := time.Date(2024, 1, 1, 12, 0, 40, 0, time.UTC)
	assert.Equal(20*time.Second, UntilNextBoundary(now, time.Minute))

	onBoundary := time.Date(2024, 1, 1, 12, 1, 0, 0, time.UTC)
	assert.Equal(time.Minute, UntilNextBoundary(onBoundary, time.Minute))
}
