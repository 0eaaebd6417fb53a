// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/insta-saver/internal/content"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

type entry struct {
	id         string
	job        content.Job
	enqueuedAt time.Time
	readyAt    time.Time
	finishedAt time.Time
	reason     string
}

// Queue is an in-memory content.Queue. Jobs move through the same states as
// the Redis implementation: waiting, delayed, active, completed and failed.
type Queue struct {
	mu        sync.Mutex
	seq       int64
	waiting   []*entry
	delayed   []*entry
	active    map[string]*entry
	completed map[string]*entry
	failed    map[string]*entry
	signal    chan struct{}
	closed    bool
	now       func() time.Time
	poll      time.Duration
}

var _ content.Queue = (*Queue)(nil)

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithPollInterval sets how often Dequeue rechecks delayed jobs.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// NewQueue constructs an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		active:    make(map[string]*entry),
		completed: make(map[string]*entry),
		failed:    make(map[string]*entry),
		signal:    make(chan struct{}, 1),
		now:       time.Now,
		poll:      50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a job, optionally delayed.
func (q *Queue) Enqueue(ctx context.Context, job content.Job, opts ...content.EnqueueOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("enqueue canceled: %w", err)
	}
	var o content.EnqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	q.seq++
	now := q.now()
	e := &entry{
		id:         strconv.FormatInt(q.seq, 10),
		job:        job,
		enqueuedAt: now,
		readyAt:    now.Add(o.Delay),
	}
	if o.Delay > 0 {
		q.delayed = append(q.delayed, e)
	} else {
		q.waiting = append(q.waiting, e)
	}
	q.notify()
	return e.id, nil
}

// Dequeue pops the oldest ready job and marks it active.
func (q *Queue) Dequeue(ctx context.Context) (content.Delivery, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		d, ok, err := q.take()
		if err != nil {
			return content.Delivery{}, err
		}
		if ok {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return content.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.signal:
		case <-ticker.C:
		}
	}
}

func (q *Queue) take() (content.Delivery, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return content.Delivery{}, false, ErrClosed
	}
	q.promote()
	if len(q.waiting) == 0 {
		return content.Delivery{}, false, nil
	}
	e := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.active[e.id] = e
	if len(q.waiting) > 0 {
		q.notify()
	}
	return content.Delivery{JobID: e.id, Job: e.job, EnqueuedAt: e.enqueuedAt}, true, nil
}

// promote moves due delayed jobs to waiting. Callers hold mu.
func (q *Queue) promote() {
	now := q.now()
	kept := q.delayed[:0]
	for _, e := range q.delayed {
		if !e.readyAt.After(now) {
			q.waiting = append(q.waiting, e)
			continue
		}
		kept = append(kept, e)
	}
	q.delayed = kept
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Complete acknowledges an active job.
func (q *Queue) Complete(_ context.Context, jobID string) error {
	return q.finish(jobID, "", q.completed)
}

// Fail acknowledges an active job with a reason.
func (q *Queue) Fail(_ context.Context, jobID string, reason string) error {
	return q.finish(jobID, reason, q.failed)
}

func (q *Queue) finish(jobID, reason string, into map[string]*entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.active[jobID]
	if !ok {
		// Drained while the worker held it.
		return nil
	}
	delete(q.active, jobID)
	e.finishedAt = q.now()
	e.reason = reason
	into[jobID] = e
	return nil
}

// Identities lists request ids across the requested states.
func (q *Queue) Identities(_ context.Context, states ...content.JobState) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for _, state := range states {
		switch state {
		case content.JobWaiting:
			for _, e := range q.waiting {
				ids = append(ids, e.job.RequestID)
			}
		case content.JobDelayed:
			for _, e := range q.delayed {
				ids = append(ids, e.job.RequestID)
			}
		case content.JobActive:
			for _, e := range q.active {
				ids = append(ids, e.job.RequestID)
			}
		case content.JobCompleted:
			for _, e := range q.completed {
				ids = append(ids, e.job.RequestID)
			}
		case content.JobFailed:
			for _, e := range q.failed {
				ids = append(ids, e.job.RequestID)
			}
		default:
			return nil, fmt.Errorf("unknown job state %q", state)
		}
	}
	return ids, nil
}

// Drain drops every waiting, delayed and active job.
func (q *Queue) Drain(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiting = nil
	q.delayed = nil
	q.active = make(map[string]*entry)
	return nil
}

// Clean removes completed or failed jobs that finished more than grace ago.
func (q *Queue) Clean(_ context.Context, grace time.Duration, state content.JobState) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var set map[string]*entry
	switch state {
	case content.JobCompleted:
		set = q.completed
	case content.JobFailed:
		set = q.failed
	default:
		return 0, fmt.Errorf("cannot clean job state %q", state)
	}
	cutoff := q.now().Add(-grace)
	removed := 0
	for id, e := range set {
		if !e.finishedAt.After(cutoff) {
			delete(set, id)
			removed++
		}
	}
	return removed, nil
}

// Close stops the queue; blocked consumers return ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Ping reports ErrClosed once the queue is closed.
func (q *Queue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}
