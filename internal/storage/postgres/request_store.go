// Package postgres provides the Postgres-backed record store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/JakeFAU/insta-saver/internal/content"
	"github.com/JakeFAU/insta-saver/internal/storage/postgres/migrations"
)

// metricsRowID is the fixed primary key of the metrics singleton.
const metricsRowID = 1

// Config controls the Postgres connection pool used by the record store.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RequestStore implements content.Store on top of a pgx pool.
type RequestStore struct {
	pool pgxIface
	raw  *pgxpool.Pool
}

var _ content.Store = (*RequestStore)(nil)

// NewRequestStore connects to Postgres and verifies the connection.
func NewRequestStore(ctx context.Context, cfg Config) (*RequestStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &RequestStore{pool: pool, raw: pool}, nil
}

// NewRequestStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRequestStoreWithPool(pool pgxIface) (*RequestStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	raw, _ := pool.(*pgxpool.Pool)
	return &RequestStore{pool: pool, raw: raw}, nil
}

// Migrate applies the embedded schema migrations.
func (s *RequestStore) Migrate(ctx context.Context) error {
	if s.raw == nil {
		return fmt.Errorf("migrations require a pgxpool connection")
	}
	db := stdlib.OpenDBFromPool(s.raw)
	defer db.Close() //nolint:errcheck
	if err := migrations.Up(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *RequestStore) SchemaVersion(ctx context.Context) (int64, error) {
	if s.raw == nil {
		return 0, fmt.Errorf("schema version requires a pgxpool connection")
	}
	db := stdlib.OpenDBFromPool(s.raw)
	defer db.Close() //nolint:errcheck
	return migrations.Version(ctx, db)
}

// Ping verifies the database is reachable.
func (s *RequestStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RequestStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const requestColumns = `id, chat_id, message_id, request_url, short_code,
	requested_by_user_name, requested_by_first_name, status, retry_count,
	requested_at, updated_at`

// CreateRequest inserts a new request row.
func (s *RequestStore) CreateRequest(ctx context.Context, req content.ContentRequest) error {
	if req.ID == "" {
		return fmt.Errorf("request id is required")
	}
	if req.Status == "" {
		req.Status = content.StatusPending
	}
	query := `
INSERT INTO content_requests (` + requestColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := s.pool.Exec(ctx, query,
		req.ID,
		req.ChatID,
		req.MessageID,
		req.RequestURL,
		req.ShortCode,
		req.RequestedBy.UserName,
		req.RequestedBy.FirstName,
		string(req.Status),
		req.RetryCount,
		req.RequestedAt,
		req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// GetRequest loads a single request by id.
func (s *RequestStore) GetRequest(ctx context.Context, id string) (content.ContentRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM content_requests WHERE id = $1`
	req, err := scanRequest(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return content.ContentRequest{}, content.ErrNotFound
		}
		return content.ContentRequest{}, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// ClaimRequest flips a PENDING request to PROCESSING in a single statement so
// that concurrent deliveries of the same id cannot both win.
func (s *RequestStore) ClaimRequest(ctx context.Context, id string, at time.Time) (content.ContentRequest, error) {
	query := `
UPDATE content_requests
SET status = $2, updated_at = $3
WHERE id = $1 AND status = $4
RETURNING ` + requestColumns
	req, err := scanRequest(s.pool.QueryRow(ctx, query,
		id,
		string(content.StatusProcessing),
		at,
		string(content.StatusPending),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return content.ContentRequest{}, content.ErrNotFound
		}
		return content.ContentRequest{}, fmt.Errorf("claim request: %w", err)
	}
	return req, nil
}

// RequeueRequest reverts a PROCESSING request to PENDING with a new retry count.
func (s *RequestStore) RequeueRequest(ctx context.Context, id string, retryCount int, at time.Time) error {
	query := `
UPDATE content_requests
SET status = $2, retry_count = $3, updated_at = $4
WHERE id = $1 AND status = $5 AND retry_count <= $3`
	tag, err := s.pool.Exec(ctx, query,
		id,
		string(content.StatusPending),
		retryCount,
		at,
		string(content.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("requeue request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return content.ErrNotFound
	}
	return nil
}

// DeleteRequest destroys a request and reports whether a row was removed.
func (s *RequestStore) DeleteRequest(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM content_requests WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete request: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListPending returns dispatchable requests, oldest first.
func (s *RequestStore) ListPending(ctx context.Context, maxRetryCount int) ([]content.ContentRequest, error) {
	query := `
SELECT ` + requestColumns + `
FROM content_requests
WHERE status = $1 AND retry_count <= $2
ORDER BY requested_at ASC`
	rows, err := s.pool.Query(ctx, query, string(content.StatusPending), maxRetryCount)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []content.ContentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending rows: %w", err)
	}
	return out, nil
}

// DeleteExhausted destroys PENDING requests that are past the retry cap.
func (s *RequestStore) DeleteExhausted(ctx context.Context, maxRetryCount int) ([]string, error) {
	query := `
DELETE FROM content_requests
WHERE status = $1 AND retry_count > $2
RETURNING id`
	return s.collectIDs(ctx, "delete exhausted", query, string(content.StatusPending), maxRetryCount)
}

// RevertStale returns abandoned PROCESSING requests to PENDING. The abandoned
// attempt counts against the retry budget.
func (s *RequestStore) RevertStale(ctx context.Context, cutoff time.Time, at time.Time) ([]string, error) {
	query := `
UPDATE content_requests
SET status = $1, retry_count = retry_count + 1, updated_at = $2
WHERE status = $3 AND updated_at < $4
RETURNING id`
	return s.collectIDs(ctx, "revert stale", query,
		string(content.StatusPending),
		at,
		string(content.StatusProcessing),
		cutoff,
	)
}

func (s *RequestStore) collectIDs(ctx context.Context, op string, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: scan id: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return ids, nil
}

// IncrementMetrics bumps the total and one media bucket in a single upsert.
// The row is created lazily on the first completion.
func (s *RequestStore) IncrementMetrics(ctx context.Context, bucket content.Bucket, at time.Time) error {
	var query string
	switch bucket {
	case content.BucketVideo:
		query = `
INSERT INTO metrics (id, total_requests, graph_video_count, last_updated)
VALUES ($1, 1, 1, $2)
ON CONFLICT (id) DO UPDATE
SET total_requests = metrics.total_requests + 1,
	graph_video_count = metrics.graph_video_count + 1,
	last_updated = EXCLUDED.last_updated`
	case content.BucketImage:
		query = `
INSERT INTO metrics (id, total_requests, graph_image_count, last_updated)
VALUES ($1, 1, 1, $2)
ON CONFLICT (id) DO UPDATE
SET total_requests = metrics.total_requests + 1,
	graph_image_count = metrics.graph_image_count + 1,
	last_updated = EXCLUDED.last_updated`
	case content.BucketSidecar:
		query = `
INSERT INTO metrics (id, total_requests, graph_sidecar_count, last_updated)
VALUES ($1, 1, 1, $2)
ON CONFLICT (id) DO UPDATE
SET total_requests = metrics.total_requests + 1,
	graph_sidecar_count = metrics.graph_sidecar_count + 1,
	last_updated = EXCLUDED.last_updated`
	default:
		return fmt.Errorf("unknown metrics bucket: %s", bucket)
	}
	if _, err := s.pool.Exec(ctx, query, metricsRowID, at); err != nil {
		return fmt.Errorf("increment metrics: %w", err)
	}
	return nil
}

// GetMetrics reads the metrics singleton.
func (s *RequestStore) GetMetrics(ctx context.Context) (content.Metrics, error) {
	query := `
SELECT total_requests, graph_video_count, graph_image_count, graph_sidecar_count, last_updated
FROM metrics
WHERE id = $1`
	var m content.Metrics
	err := s.pool.QueryRow(ctx, query, metricsRowID).Scan(
		&m.TotalRequests,
		&m.VideoCount,
		&m.ImageCount,
		&m.SidecarCount,
		&m.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return content.Metrics{}, nil
		}
		return content.Metrics{}, fmt.Errorf("get metrics: %w", err)
	}
	return m, nil
}

// UpsertUser creates the user on first contact and bumps the request counter
// afterwards.
func (s *RequestStore) UpsertUser(ctx context.Context, chatID int64, who content.Requester, at time.Time) error {
	query := `
INSERT INTO users (chat_id, user_name, first_name, request_count, last_updated)
VALUES ($1, $2, $3, 1, $4)
ON CONFLICT (chat_id) DO UPDATE
SET request_count = users.request_count + 1,
	last_updated = EXCLUDED.last_updated`
	if _, err := s.pool.Exec(ctx, query, chatID, who.UserName, who.FirstName, at); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func scanRequest(row pgx.Row) (content.ContentRequest, error) {
	var (
		req    content.ContentRequest
		status string
	)
	err := row.Scan(
		&req.ID,
		&req.ChatID,
		&req.MessageID,
		&req.RequestURL,
		&req.ShortCode,
		&req.RequestedBy.UserName,
		&req.RequestedBy.FirstName,
		&status,
		&req.RetryCount,
		&req.RequestedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return content.ContentRequest{}, err //nolint:wrapcheck
	}
	req.Status = content.Status(status)
	return req, nil
}
