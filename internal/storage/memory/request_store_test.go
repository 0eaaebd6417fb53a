package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/insta-saver/internal/content"
)

func seed(t *testing.T, s *RequestStore, id string, at time.Time, retry int) {
	t.Helper()
	require.NoError(t, s.CreateRequest(context.Background(), content.ContentRequest{
		ID:          id,
		ChatID:      1,
		RequestURL:  "https://www.instagram.com/p/" + id + "/",
		Status:      content.StatusPending,
		RetryCount:  retry,
		RequestedAt: at,
		UpdatedAt:   at,
	}))
}

func TestRequestStoreClaimIsExclusive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRequestStore()
	seed(t, s, "a", time.Unix(1, 0), 0)

	claimed, err := s.ClaimRequest(ctx, "a", time.Unix(2, 0))
	require.NoError(t, err)
	require.Equal(t, content.StatusProcessing, claimed.Status)

	_, err = s.ClaimRequest(ctx, "a", time.Unix(3, 0))
	require.ErrorIs(t, err, content.ErrNotFound)

	_, err = s.ClaimRequest(ctx, "missing", time.Unix(3, 0))
	require.ErrorIs(t, err, content.ErrNotFound)
}

func TestRequestStoreRequeueRequiresProcessing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRequestStore()
	seed(t, s, "a", time.Unix(1, 0), 0)

	require.ErrorIs(t, s.RequeueRequest(ctx, "a", 1, time.Unix(2, 0)), content.ErrNotFound)

	_, err := s.ClaimRequest(ctx, "a", time.Unix(2, 0))
	require.NoError(t, err)
	require.NoError(t, s.RequeueRequest(ctx, "a", 1, time.Unix(3, 0)))

	got, err := s.GetRequest(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, content.StatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, time.Unix(3, 0), got.UpdatedAt)
}

func TestRequestStoreListPendingOrderAndCap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRequestStore()
	seed(t, s, "late", time.Unix(30, 0), 0)
	seed(t, s, "early", time.Unix(10, 0), 2)
	seed(t, s, "over", time.Unix(5, 0), 6)
	seed(t, s, "busy", time.Unix(1, 0), 0)
	_, err := s.ClaimRequest(ctx, "busy", time.Unix(40, 0))
	require.NoError(t, err)

	pending, err := s.ListPending(ctx, 5)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "early", pending[0].ID)
	require.Equal(t, "late", pending[1].ID)

	ids, err := s.DeleteExhausted(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, []string{"over"}, ids)
	require.Equal(t, 3, s.Len())
}

func TestRequestStoreRevertStale(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRequestStore()
	seed(t, s, "old", time.Unix(1, 0), 1)
	seed(t, s, "fresh", time.Unix(1, 0), 0)
	_, err := s.ClaimRequest(ctx, "old", time.Unix(10, 0))
	require.NoError(t, err)
	_, err = s.ClaimRequest(ctx, "fresh", time.Unix(100, 0))
	require.NoError(t, err)

	ids, err := s.RevertStale(ctx, time.Unix(50, 0), time.Unix(120, 0))
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, ids)

	old, err := s.GetRequest(ctx, "old")
	require.NoError(t, err)
	require.Equal(t, content.StatusPending, old.Status)
	require.Equal(t, 2, old.RetryCount)

	fresh, err := s.GetRequest(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, content.StatusProcessing, fresh.Status)
}

func TestRequestStoreConcurrentMetricIncrements(t *testing.T) {
	t.Parallel()

	s := NewRequestStore()
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.IncrementMetrics(context.Background(), content.BucketVideo, time.Unix(1, 0)))
		}()
	}
	wg.Wait()

	m, err := s.GetMetrics(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, n, m.TotalRequests)
	require.EqualValues(t, n, m.VideoCount)
	require.Zero(t, m.ImageCount)
	require.Zero(t, m.SidecarCount)
}

func TestRequestStoreUpsertUserCountsRequests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRequestStore()
	who := content.Requester{UserName: "neo", FirstName: "Thomas"}
	for i := 0; i < 3; i++ {
		require.NoError(t, s.UpsertUser(ctx, 42, who, time.Unix(int64(i), 0)))
	}
	user, ok := s.User(42)
	require.True(t, ok)
	require.Equal(t, 3, user.RequestCount)
	require.Equal(t, time.Unix(2, 0), user.LastUpdated)
	require.Equal(t, "neo", user.UserName)
}

func TestRequestStoreCreateRejectsDuplicates(t *testing.T) {
	t.Parallel()

	s := NewRequestStore()
	seed(t, s, "a", time.Unix(1, 0), 0)
	err := s.CreateRequest(context.Background(), content.ContentRequest{ID: "a"})
	require.Error(t, err)
	require.Error(t, s.CreateRequest(context.Background(), content.ContentRequest{}))
}
