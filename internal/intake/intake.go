// Package intake turns chat submissions into durable PENDING requests.
package intake

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/insta-saver/internal/content"
	"github.com/JakeFAU/insta-saver/internal/metrics"
)

// ErrInvalidURL is returned for messages that are not Instagram post links.
var ErrInvalidURL = errors.New("not an instagram post url")

var postURL = regexp.MustCompile(`^https://www\.instagram\.com/(p|reel|reels|tv)/([A-Za-z0-9_-]+)`)

// Submission is one link posted by a chat user.
type Submission struct {
	ChatID    int64
	MessageID int
	URL       string
	Requester content.Requester
}

// Nudger requests an early reconciliation pass.
type Nudger interface {
	Nudge()
}

// Service validates submissions and records them.
type Service struct {
	store  content.Store
	ids    content.IDGenerator
	clock  content.Clock
	nudger Nudger
	logger *zap.Logger
}

// New constructs a Service. nudger may be nil.
func New(store content.Store, ids content.IDGenerator, clock content.Clock, nudger Nudger, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Service{store: store, ids: ids, clock: clock, nudger: nudger, logger: logger}
}

// ShortCode extracts the post short code from an Instagram URL.
func ShortCode(raw string) (string, error) {
	m := postURL.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return "", ErrInvalidURL
	}
	return m[2], nil
}

// Submit creates a PENDING request for the submission and returns it.
func (s *Service) Submit(ctx context.Context, sub Submission) (content.ContentRequest, error) {
	fields := strings.Fields(sub.URL)
	if len(fields) == 0 {
		return content.ContentRequest{}, ErrInvalidURL
	}
	requestURL := fields[0]
	code, err := ShortCode(requestURL)
	if err != nil {
		return content.ContentRequest{}, err
	}

	id, err := s.ids.NewID()
	if err != nil {
		return content.ContentRequest{}, fmt.Errorf("new request id: %w", err)
	}
	now := s.clock.Now()
	req := content.ContentRequest{
		ID:          id,
		ChatID:      sub.ChatID,
		MessageID:   sub.MessageID,
		RequestURL:  requestURL,
		ShortCode:   code,
		RequestedBy: sub.Requester,
		Status:      content.StatusPending,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return content.ContentRequest{}, fmt.Errorf("create request: %w", err)
	}
	metrics.ObserveIngested()

	// User bookkeeping never blocks dispatch of an already recorded request.
	if err := s.store.UpsertUser(ctx, sub.ChatID, sub.Requester, now); err != nil {
		s.logger.Warn("upsert user failed", zap.Int64("chat_id", sub.ChatID), zap.Error(err))
	}
	if s.nudger != nil {
		s.nudger.Nudge()
	}
	s.logger.Info("request accepted",
		zap.String("request_id", id),
		zap.String("short_code", code),
		zap.Int64("chat_id", sub.ChatID),
	)
	return req, nil
}
