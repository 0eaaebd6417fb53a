package content

import (
	"context"
	"io"
	"time"
)

// Store persists requests, the metrics singleton and users.
type Store interface {
	// CreateRequest inserts a new PENDING request.
	CreateRequest(ctx context.Context, req ContentRequest) error
	// GetRequest loads a request by id.
	GetRequest(ctx context.Context, id string) (ContentRequest, error)
	// ClaimRequest flips a PENDING request to PROCESSING and returns it.
	// It returns ErrNotFound when no PENDING record with the id exists.
	ClaimRequest(ctx context.Context, id string, at time.Time) (ContentRequest, error)
	// RequeueRequest flips a PROCESSING request back to PENDING with the given
	// retry count. It returns ErrNotFound when no PROCESSING record exists.
	RequeueRequest(ctx context.Context, id string, retryCount int, at time.Time) error
	// DeleteRequest destroys a request. Deleting a missing id is not an error.
	DeleteRequest(ctx context.Context, id string) (bool, error)
	// ListPending returns PENDING requests whose retry count is at most
	// maxRetryCount, ordered by requestedAt ascending.
	ListPending(ctx context.Context, maxRetryCount int) ([]ContentRequest, error)
	// DeleteExhausted destroys PENDING requests whose retry count exceeds
	// maxRetryCount and returns their ids.
	DeleteExhausted(ctx context.Context, maxRetryCount int) ([]string, error)
	// RevertStale moves PROCESSING requests last updated before cutoff back to
	// PENDING, incrementing their retry count, and returns their ids.
	RevertStale(ctx context.Context, cutoff time.Time, at time.Time) ([]string, error)
	// IncrementMetrics atomically bumps the total and one bucket.
	IncrementMetrics(ctx context.Context, bucket Bucket, at time.Time) error
	// GetMetrics reads the singleton; a zero value is returned if absent.
	GetMetrics(ctx context.Context) (Metrics, error)
	// UpsertUser records activity for a chat.
	UpsertUser(ctx context.Context, chatID int64, who Requester, at time.Time) error
}

// EnqueueOptions tune a single enqueue call.
type EnqueueOptions struct {
	Delay time.Duration
}

// EnqueueOption mutates EnqueueOptions.
type EnqueueOption func(*EnqueueOptions)

// WithDelay schedules the job to become visible after d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Delay = d
	}
}

// Queue is the disposable, at-least-once dispatch queue.
type Queue interface {
	Enqueue(ctx context.Context, job Job, opts ...EnqueueOption) (string, error)
	// Dequeue blocks until a job is available or ctx ends.
	Dequeue(ctx context.Context) (Delivery, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, reason string) error
	// Identities lists the request ids of jobs in the given states.
	Identities(ctx context.Context, states ...JobState) ([]string, error)
	// Drain removes all waiting, delayed and active jobs.
	Drain(ctx context.Context) error
	// Clean removes completed or failed job metadata older than grace.
	Clean(ctx context.Context, grace time.Duration, state JobState) (int, error)
}

// Scraper turns a post URL into downloadable media.
type Scraper interface {
	Scrape(ctx context.Context, url string) (MediaResult, error)
}

// Notifier delivers results back to the chat front-end.
type Notifier interface {
	Deliver(ctx context.Context, chatID int64, who Requester, result MediaResult, messageID int) error
	NotifyEviction(ctx context.Context, chatID int64, who Requester, requestURL string, messageID int) error
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewID() (string, error)
}
