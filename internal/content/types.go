package content

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist or cannot be claimed.
var ErrNotFound = errors.New("content request not found")

// Status enumerates the lifecycle states a stored request can be in.
type Status string

const (
	// StatusPending marks a request waiting to be dispatched.
	StatusPending Status = "PENDING"
	// StatusProcessing marks a request held in-flight by a worker.
	StatusProcessing Status = "PROCESSING"
)

// Requester carries the display info of the chat user who asked for content.
type Requester struct {
	UserName  string `json:"userName"`
	FirstName string `json:"firstName"`
}

// DisplayName returns the best human-readable handle for the requester.
func (r Requester) DisplayName() string {
	if r.UserName != "" {
		return "@" + r.UserName
	}
	return r.FirstName
}

// ContentRequest is the durable unit of work.
type ContentRequest struct {
	ID          string
	ChatID      int64
	MessageID   int
	RequestURL  string
	ShortCode   string
	RequestedBy Requester
	Status      Status
	RetryCount  int
	RequestedAt time.Time
	UpdatedAt   time.Time
}

// Job returns the queue payload snapshot for the request.
func (r ContentRequest) Job() Job {
	return Job{
		RequestID:   r.ID,
		MessageID:   r.MessageID,
		ShortCode:   r.ShortCode,
		RequestURL:  r.RequestURL,
		RequestedBy: r.RequestedBy,
		RetryCount:  r.RetryCount,
		ChatID:      r.ChatID,
	}
}

// Job is the snapshot a worker needs to process a request.
type Job struct {
	RequestID   string    `json:"id"`
	MessageID   int       `json:"messageId"`
	ShortCode   string    `json:"shortCode"`
	RequestURL  string    `json:"requestUrl"`
	RequestedBy Requester `json:"requestedBy"`
	RetryCount  int       `json:"retryCount"`
	ChatID      int64     `json:"chatId"`
}

// JobState names a queue-internal job state.
type JobState string

const (
	// JobWaiting jobs are ready to be dequeued.
	JobWaiting JobState = "waiting"
	// JobDelayed jobs become waiting once their delay elapses.
	JobDelayed JobState = "delayed"
	// JobActive jobs are held by a consumer.
	JobActive JobState = "active"
	// JobCompleted jobs were acknowledged successfully.
	JobCompleted JobState = "completed"
	// JobFailed jobs were acknowledged with an error.
	JobFailed JobState = "failed"
)

// Delivery is a dequeued job together with its queue-internal identity.
type Delivery struct {
	JobID      string
	Job        Job
	EnqueuedAt time.Time
}

// MediaType is the classifier reported by the scraper.
type MediaType string

const (
	// MediaVideo is a single video post.
	MediaVideo MediaType = "GraphVideo"
	// MediaImage is a single image post.
	MediaImage MediaType = "GraphImage"
	// MediaSidecar is a carousel of images and/or videos.
	MediaSidecar MediaType = "GraphSidecar"
)

// MediaKind distinguishes entries of a carousel.
type MediaKind string

const (
	// KindVideo is a video entry.
	KindVideo MediaKind = "video"
	// KindImage is an image entry.
	KindImage MediaKind = "image"
)

// MediaItem is one downloadable asset.
type MediaItem struct {
	Kind         MediaKind `json:"kind"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
}

// MediaResult is what the scraper extracts from a post.
type MediaResult struct {
	MediaType     MediaType   `json:"mediaType"`
	ShortCode     string      `json:"shortCode,omitempty"`
	SourceURL     string      `json:"sourceUrl"`
	Caption       string      `json:"caption,omitempty"`
	OwnerUserName string      `json:"ownerUserName,omitempty"`
	Items         []MediaItem `json:"items"`
}

// Bucket is a metrics counter bucket keyed by media type.
type Bucket string

const (
	// BucketVideo counts GraphVideo completions.
	BucketVideo Bucket = "video"
	// BucketImage counts GraphImage completions.
	BucketImage Bucket = "image"
	// BucketSidecar counts sidecars and any unrecognized media type.
	BucketSidecar Bucket = "sidecar"
)

// BucketFor maps a media type to its counter bucket.
func BucketFor(mt MediaType) Bucket {
	switch mt {
	case MediaVideo:
		return BucketVideo
	case MediaImage:
		return BucketImage
	default:
		return BucketSidecar
	}
}

// Metrics is the singleton completion aggregate.
type Metrics struct {
	TotalRequests int64     `json:"totalRequests"`
	VideoCount    int64     `json:"graphVideoCount"`
	ImageCount    int64     `json:"graphImageCount"`
	SidecarCount  int64     `json:"graphSidecarCount"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// User is ingestion-side bookkeeping for a chat.
type User struct {
	ChatID       int64
	UserName     string
	FirstName    string
	RequestCount int
	LastUpdated  time.Time
}
