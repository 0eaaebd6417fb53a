// Package memory provides in-memory stores for local development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/insta-saver/internal/content"
)

// RequestStore is an in-memory content.Store. Every mutation happens under a
// single lock, which gives the same per-statement atomicity as the Postgres
// implementation.
type RequestStore struct {
	mu       sync.RWMutex
	requests map[string]content.ContentRequest
	metrics  *content.Metrics
	users    map[int64]content.User
}

var _ content.Store = (*RequestStore)(nil)

// NewRequestStore constructs an empty RequestStore.
func NewRequestStore() *RequestStore {
	return &RequestStore{
		requests: make(map[string]content.ContentRequest),
		users:    make(map[int64]content.User),
	}
}

// CreateRequest stores a new request.
func (s *RequestStore) CreateRequest(_ context.Context, req content.ContentRequest) error {
	if req.ID == "" {
		return errors.New("request id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return errors.New("request already exists")
	}
	if req.Status == "" {
		req.Status = content.StatusPending
	}
	s.requests[req.ID] = req
	return nil
}

// GetRequest returns a copy of the stored request.
func (s *RequestStore) GetRequest(_ context.Context, id string) (content.ContentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return content.ContentRequest{}, content.ErrNotFound
	}
	return req, nil
}

// ClaimRequest flips PENDING to PROCESSING.
func (s *RequestStore) ClaimRequest(_ context.Context, id string, at time.Time) (content.ContentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || req.Status != content.StatusPending {
		return content.ContentRequest{}, content.ErrNotFound
	}
	req.Status = content.StatusProcessing
	req.UpdatedAt = at
	s.requests[id] = req
	return req, nil
}

// RequeueRequest flips PROCESSING back to PENDING with a new retry count.
func (s *RequestStore) RequeueRequest(_ context.Context, id string, retryCount int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || req.Status != content.StatusProcessing || retryCount < req.RetryCount {
		return content.ErrNotFound
	}
	req.Status = content.StatusPending
	req.RetryCount = retryCount
	req.UpdatedAt = at
	s.requests[id] = req
	return nil
}

// DeleteRequest removes a request.
func (s *RequestStore) DeleteRequest(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[id]; !ok {
		return false, nil
	}
	delete(s.requests, id)
	return true, nil
}

// ListPending returns PENDING requests within the retry budget, oldest first.
func (s *RequestStore) ListPending(_ context.Context, maxRetryCount int) ([]content.ContentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []content.ContentRequest
	for _, req := range s.requests {
		if req.Status == content.StatusPending && req.RetryCount <= maxRetryCount {
			out = append(out, req)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

// DeleteExhausted removes PENDING requests past the retry budget.
func (s *RequestStore) DeleteExhausted(_ context.Context, maxRetryCount int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, req := range s.requests {
		if req.Status == content.StatusPending && req.RetryCount > maxRetryCount {
			ids = append(ids, id)
			delete(s.requests, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RevertStale returns abandoned PROCESSING requests to PENDING.
func (s *RequestStore) RevertStale(_ context.Context, cutoff time.Time, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, req := range s.requests {
		if req.Status == content.StatusProcessing && req.UpdatedAt.Before(cutoff) {
			req.Status = content.StatusPending
			req.RetryCount++
			req.UpdatedAt = at
			s.requests[id] = req
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// IncrementMetrics bumps the total and one bucket.
func (s *RequestStore) IncrementMetrics(_ context.Context, bucket content.Bucket, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics == nil {
		s.metrics = &content.Metrics{}
	}
	switch bucket {
	case content.BucketVideo:
		s.metrics.VideoCount++
	case content.BucketImage:
		s.metrics.ImageCount++
	case content.BucketSidecar:
		s.metrics.SidecarCount++
	default:
		return errors.New("unknown metrics bucket: " + string(bucket))
	}
	s.metrics.TotalRequests++
	s.metrics.LastUpdated = at
	return nil
}

// GetMetrics returns a copy of the metrics singleton.
func (s *RequestStore) GetMetrics(_ context.Context) (content.Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.metrics == nil {
		return content.Metrics{}, nil
	}
	return *s.metrics, nil
}

// UpsertUser records activity for a chat.
func (s *RequestStore) UpsertUser(_ context.Context, chatID int64, who content.Requester, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[chatID]
	if !ok {
		user = content.User{ChatID: chatID, UserName: who.UserName, FirstName: who.FirstName}
	}
	user.RequestCount++
	user.LastUpdated = at
	s.users[chatID] = user
	return nil
}

// User returns the stored user for inspection.
func (s *RequestStore) User(chatID int64) (content.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[chatID]
	return user, ok
}

// Len returns the number of stored requests.
func (s *RequestStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// Ping always succeeds.
func (s *RequestStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *RequestStore) Close() {}
