// Package archive keeps JSON snapshots of delivered results in a blob store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/insta-saver/internal/content"
)

const contentType = "application/json"

// Snapshot is the archived document.
type Snapshot struct {
	RequestID   string              `json:"requestId"`
	ChatID      int64               `json:"chatId"`
	ShortCode   string              `json:"shortCode"`
	RequestURL  string              `json:"requestUrl"`
	RequestedBy content.Requester   `json:"requestedBy"`
	RetryCount  int                 `json:"retryCount"`
	RequestedAt time.Time           `json:"requestedAt"`
	ArchivedAt  time.Time           `json:"archivedAt"`
	Result      content.MediaResult `json:"result"`
}

// Archiver writes snapshots under a date-partitioned prefix.
type Archiver struct {
	blobs  content.BlobStore
	prefix string
	clock  content.Clock
}

// New constructs an Archiver.
func New(blobs content.BlobStore, prefix string, clock content.Clock) *Archiver {
	return &Archiver{blobs: blobs, prefix: strings.Trim(prefix, "/"), clock: clock}
}

// ObjectPath returns prefix/YYYY/MM/DD/<shortcode>-<id>.json.
func ObjectPath(prefix string, req content.ContentRequest, at time.Time) string {
	name := fmt.Sprintf("%s-%s.json", req.ShortCode, req.ID)
	return path.Join(prefix, at.UTC().Format("2006/01/02"), name)
}

// Archive stores the snapshot and returns its URI.
func (a *Archiver) Archive(ctx context.Context, req content.ContentRequest, result content.MediaResult) (string, error) {
	now := a.clock.Now()
	doc := Snapshot{
		RequestID:   req.ID,
		ChatID:      req.ChatID,
		ShortCode:   req.ShortCode,
		RequestURL:  req.RequestURL,
		RequestedBy: req.RequestedBy,
		RetryCount:  req.RetryCount,
		RequestedAt: req.RequestedAt,
		ArchivedAt:  now,
		Result:      result,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	uri, err := a.blobs.PutObject(ctx, ObjectPath(a.prefix, req, now), contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put snapshot: %w", err)
	}
	return uri, nil
}
