package reaper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/insta-saver/internal/content"
	"github.com/JakeFAU/insta-saver/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type countingNudger struct{ n atomic.Int32 }

func (c *countingNudger) Nudge() { c.n.Add(1) }

func claimAt(t *testing.T, store *memory.RequestStore, id string, at time.Time, retries int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateRequest(ctx, content.ContentRequest{
		ID:         id,
		Status:     content.StatusPending,
		RetryCount: retries,
	}))
	_, err := store.ClaimRequest(ctx, id, at)
	require.NoError(t, err)
}

func TestReapOnceRevertsOnlyStaleRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(10_000, 0)
	store := memory.NewRequestStore()
	claimAt(t, store, "stuck", now.Add(-11*time.Minute), 2)
	claimAt(t, store, "working", now.Add(-time.Minute), 0)
	nudger := &countingNudger{}

	r := New(store, fixedClock{t: now}, nudger, Config{StaleAfter: 10 * time.Minute}, zap.NewNop())
	ids, err := r.ReapOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"stuck"}, ids)
	require.Equal(t, int32(1), nudger.n.Load())

	stuck, err := store.GetRequest(ctx, "stuck")
	require.NoError(t, err)
	require.Equal(t, content.StatusPending, stuck.Status)
	require.Equal(t, 3, stuck.RetryCount)
	require.Equal(t, now, stuck.UpdatedAt)

	working, err := store.GetRequest(ctx, "working")
	require.NoError(t, err)
	require.Equal(t, content.StatusProcessing, working.Status)
}

func TestReapOnceWithNothingStaleDoesNotNudge(t *testing.T) {
	t.Parallel()

	nudger := &countingNudger{}
	r := New(memory.NewRequestStore(), fixedClock{t: time.Unix(1, 0)}, nudger, Config{}, nil)
	ids, err := r.ReapOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, ids)
	require.Zero(t, nudger.n.Load())
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	now := time.Unix(10_000, 0)
	store := memory.NewRequestStore()
	claimAt(t, store, "stuck", now.Add(-time.Hour), 0)
	r := New(store, fixedClock{t: now}, nil, Config{Interval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		req, err := store.GetRequest(context.Background(), "stuck")
		return err == nil && req.Status == content.StatusPending
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after context cancel")
	}
}
