package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/insta-saver/internal/content"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	result := make(chan content.Delivery, 1)
	errCh := make(chan error, 1)

	go func() {
		d, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- d
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	id, err := q.Enqueue(context.Background(), content.Job{RequestID: "req-1"})
	require.NoError(t, err)

	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, id, got.JobID)
		require.Equal(t, "req-1", got.Job.RequestID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}

	ids, err := q.Identities(context.Background(), content.JobActive)
	require.NoError(t, err)
	require.Equal(t, []string{"req-1"}, ids)
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue()
	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, content.Job{RequestID: id})
		require.NoError(t, err)
	}
	for _, want := range []string{"a", "b", "c"} {
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, d.Job.RequestID)
	}
}

func TestQueueDelayedJobsWaitForClock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	q := NewQueue(WithClock(clock.Now), WithPollInterval(5*time.Millisecond))

	_, err := q.Enqueue(ctx, content.Job{RequestID: "later"}, content.WithDelay(time.Minute))
	require.NoError(t, err)

	ids, err := q.Identities(ctx, content.JobDelayed)
	require.NoError(t, err)
	require.Equal(t, []string{"later"}, ids)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	clock.Advance(time.Minute)
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "later", d.Job.RequestID)
}

func TestQueueCompleteFailAndClean(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	q := NewQueue(WithClock(clock.Now))

	for _, id := range []string{"ok", "bad"} {
		_, err := q.Enqueue(ctx, content.Job{RequestID: id})
		require.NoError(t, err)
	}
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, first.JobID))
	require.NoError(t, q.Fail(ctx, second.JobID, "boom"))

	done, err := q.Identities(ctx, content.JobCompleted)
	require.NoError(t, err)
	require.Equal(t, []string{"ok"}, done)
	failed, err := q.Identities(ctx, content.JobFailed)
	require.NoError(t, err)
	require.Equal(t, []string{"bad"}, failed)

	removed, err := q.Clean(ctx, time.Hour, content.JobCompleted)
	require.NoError(t, err)
	require.Zero(t, removed)

	clock.Advance(2 * time.Hour)
	removed, err = q.Clean(ctx, time.Hour, content.JobCompleted)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	removed, err = q.Clean(ctx, 0, content.JobFailed)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = q.Clean(ctx, 0, content.JobWaiting)
	require.Error(t, err)
}

func TestQueueDrainDropsPendingWork(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue()
	_, err := q.Enqueue(ctx, content.Job{RequestID: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, content.Job{RequestID: "b"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, content.Job{RequestID: "c"}, content.WithDelay(time.Hour))
	require.NoError(t, err)
	active, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Drain(ctx))
	ids, err := q.Identities(ctx, content.JobWaiting, content.JobDelayed, content.JobActive)
	require.NoError(t, err)
	require.Empty(t, ids)

	// Acknowledging a drained job is harmless.
	require.NoError(t, q.Complete(ctx, active.JobID))
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	_, err = q.Enqueue(ctx, content.Job{RequestID: "x"})
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueCloseUnblocksConsumers(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock on close")
	}

	_, err := q.Enqueue(context.Background(), content.Job{RequestID: "late"})
	require.ErrorIs(t, err, ErrClosed)
}
