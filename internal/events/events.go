// Package events defines the lifecycle events emitted by the worker pool.
package events

import (
	"time"

	"github.com/JakeFAU/insta-saver/internal/content"
)

const (
	// TypeCompleted is emitted after a request was delivered and destroyed.
	TypeCompleted = "content.completed"
	// TypeEvicted is emitted after a request exhausted its retries.
	TypeEvicted = "content.evicted"
)

// Lifecycle is the payload published for both event types.
type Lifecycle struct {
	Type       string            `json:"type"`
	RequestID  string            `json:"requestId"`
	ChatID     int64             `json:"chatId"`
	ShortCode  string            `json:"shortCode"`
	RequestURL string            `json:"requestUrl"`
	RetryCount int               `json:"retryCount"`
	MediaType  content.MediaType `json:"mediaType,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Completed builds a completion event.
func Completed(req content.ContentRequest, mt content.MediaType, at time.Time) Lifecycle {
	return Lifecycle{
		Type:       TypeCompleted,
		RequestID:  req.ID,
		ChatID:     req.ChatID,
		ShortCode:  req.ShortCode,
		RequestURL: req.RequestURL,
		RetryCount: req.RetryCount,
		MediaType:  mt,
		OccurredAt: at,
	}
}

// Evicted builds an eviction event.
func Evicted(req content.ContentRequest, retryCount int, reason string, at time.Time) Lifecycle {
	return Lifecycle{
		Type:       TypeEvicted,
		RequestID:  req.ID,
		ChatID:     req.ChatID,
		ShortCode:  req.ShortCode,
		RequestURL: req.RequestURL,
		RetryCount: retryCount,
		Reason:     reason,
		OccurredAt: at,
	}
}
