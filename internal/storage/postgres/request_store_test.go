package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/insta-saver/internal/content"
)

var requestCols = []string{
	"id", "chat_id", "message_id", "request_url", "short_code",
	"requested_by_user_name", "requested_by_first_name", "status", "retry_count",
	"requested_at", "updated_at",
}

func newMockStore(t *testing.T) (*RequestStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewRequestStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestNewRequestStoreWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewRequestStoreWithPool(nil)
	require.Error(t, err)
}

func TestNewRequestStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewRequestStore(context.Background(), Config{})
	require.ErrorContains(t, err, "database.url is required")
}

func TestCreateRequestInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	req := content.ContentRequest{
		ID:          "req-1",
		ChatID:      42,
		MessageID:   7,
		RequestURL:  "https://www.instagram.com/p/abc/",
		ShortCode:   "abc",
		RequestedBy: content.Requester{UserName: "neo", FirstName: "Thomas"},
		RequestedAt: now,
		UpdatedAt:   now,
	}

	mock.ExpectExec("INSERT INTO content_requests").
		WithArgs("req-1", int64(42), 7, req.RequestURL, "abc", "neo", "Thomas", "PENDING", 0, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateRequest(context.Background(), req))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRequestRequiresID(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)
	require.Error(t, store.CreateRequest(context.Background(), content.ContentRequest{}))
}

func TestClaimRequestReturnsRecord(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000100, 0).UTC()
	requested := now.Add(-time.Minute)

	mock.ExpectQuery("UPDATE content_requests").
		WithArgs("req-1", "PROCESSING", now, "PENDING").
		WillReturnRows(pgxmock.NewRows(requestCols).AddRow(
			"req-1", int64(42), 7, "https://www.instagram.com/p/abc/", "abc",
			"neo", "Thomas", "PROCESSING", 2, requested, now,
		))

	req, err := store.ClaimRequest(context.Background(), "req-1", now)
	require.NoError(t, err)
	require.Equal(t, content.StatusProcessing, req.Status)
	require.Equal(t, 2, req.RetryCount)
	require.Equal(t, "neo", req.RequestedBy.UserName)
	require.Equal(t, requested, req.RequestedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimRequestMissingIsNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000100, 0).UTC()

	mock.ExpectQuery("UPDATE content_requests").
		WithArgs("gone", "PROCESSING", now, "PENDING").
		WillReturnRows(pgxmock.NewRows(requestCols))

	_, err := store.ClaimRequest(context.Background(), "gone", now)
	require.ErrorIs(t, err, content.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimRequestWrapsDriverErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000100, 0).UTC()

	mock.ExpectQuery("UPDATE content_requests").
		WithArgs("req-1", "PROCESSING", now, "PENDING").
		WillReturnError(errors.New("connection reset"))

	_, err := store.ClaimRequest(context.Background(), "req-1", now)
	require.ErrorContains(t, err, "claim request")
	require.NotErrorIs(t, err, content.ErrNotFound)
}

func TestRequeueRequestUpdatesStatusAndCount(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000200, 0).UTC()

	mock.ExpectExec("UPDATE content_requests").
		WithArgs("req-1", "PENDING", 3, now, "PROCESSING").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.RequeueRequest(context.Background(), "req-1", 3, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueRequestNoRowsIsNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000200, 0).UTC()

	mock.ExpectExec("UPDATE content_requests").
		WithArgs("req-1", "PENDING", 3, now, "PROCESSING").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, store.RequeueRequest(context.Background(), "req-1", 3, now), content.ErrNotFound)
}

func TestDeleteRequestReportsRemoval(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM content_requests").
		WithArgs("req-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM content_requests").
		WithArgs("req-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	removed, err := store.DeleteRequest(context.Background(), "req-1")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = store.DeleteRequest(context.Background(), "req-1")
	require.NoError(t, err)
	require.False(t, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingOrdersOldestFirst(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	t0 := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("ORDER BY requested_at ASC").
		WithArgs("PENDING", 5).
		WillReturnRows(pgxmock.NewRows(requestCols).
			AddRow("a", int64(1), 1, "https://www.instagram.com/p/a/", "a", "", "A", "PENDING", 0, t0, t0).
			AddRow("b", int64(2), 2, "https://www.instagram.com/p/b/", "b", "", "B", "PENDING", 3, t0.Add(time.Second), t0))

	reqs, err := store.ListPending(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	require.Equal(t, "a", reqs[0].ID)
	require.Equal(t, "b", reqs[1].ID)
	require.Equal(t, 3, reqs[1].RetryCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExhaustedReturnsIDs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("DELETE FROM content_requests").
		WithArgs("PENDING", 5).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("old-1").AddRow("old-2"))

	ids, err := store.DeleteExhausted(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, []string{"old-1", "old-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevertStaleIncrementsRetryCount(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000600, 0).UTC()
	cutoff := now.Add(-10 * time.Minute)

	mock.ExpectQuery("retry_count = retry_count \\+ 1").
		WithArgs("PENDING", now, "PROCESSING", cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("stuck"))

	ids, err := store.RevertStale(context.Background(), cutoff, now)
	require.NoError(t, err)
	require.Equal(t, []string{"stuck"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementMetricsUsesSingleUpsert(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000300, 0).UTC()
	testCases := []struct {
		bucket content.Bucket
		column string
	}{
		{content.BucketVideo, "graph_video_count"},
		{content.BucketImage, "graph_image_count"},
		{content.BucketSidecar, "graph_sidecar_count"},
	}

	for _, tc := range testCases {
		t.Run(string(tc.bucket), func(t *testing.T) {
			t.Parallel()

			store, mock := newMockStore(t)
			mock.ExpectExec("INSERT INTO metrics \\(id, total_requests, " + tc.column + ", last_updated\\)").
				WithArgs(metricsRowID, now).
				WillReturnResult(pgxmock.NewResult("INSERT", 1))

			require.NoError(t, store.IncrementMetrics(context.Background(), tc.bucket, now))
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestIncrementMetricsRejectsUnknownBucket(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)
	err := store.IncrementMetrics(context.Background(), content.Bucket("audio"), time.Now())
	require.ErrorContains(t, err, "unknown metrics bucket")
}

func TestGetMetricsMissingRowIsZero(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT total_requests").
		WithArgs(metricsRowID).
		WillReturnRows(pgxmock.NewRows([]string{
			"total_requests", "graph_video_count", "graph_image_count", "graph_sidecar_count", "last_updated",
		}))

	m, err := store.GetMetrics(context.Background())
	require.NoError(t, err)
	require.Equal(t, content.Metrics{}, m)
}

func TestGetMetricsReadsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000300, 0).UTC()
	mock.ExpectQuery("SELECT total_requests").
		WithArgs(metricsRowID).
		WillReturnRows(pgxmock.NewRows([]string{
			"total_requests", "graph_video_count", "graph_image_count", "graph_sidecar_count", "last_updated",
		}).AddRow(int64(10), int64(4), int64(5), int64(1), now))

	m, err := store.GetMetrics(context.Background())
	require.NoError(t, err)
	require.Equal(t, content.Metrics{TotalRequests: 10, VideoCount: 4, ImageCount: 5, SidecarCount: 1, LastUpdated: now}, m)
}

func TestUpsertUserIncrementsOnConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000400, 0).UTC()
	mock.ExpectExec("ON CONFLICT \\(chat_id\\) DO UPDATE").
		WithArgs(int64(42), "neo", "Thomas", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertUser(context.Background(), 42, content.Requester{UserName: "neo", FirstName: "Thomas"}, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRequiresRealPool(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)
	require.Error(t, store.Migrate(context.Background()))
}

func TestSchemaVersionRequiresRealPool(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)
	_, err := store.SchemaVersion(context.Background())
	require.ErrorContains(t, err, "pgxpool")
}
