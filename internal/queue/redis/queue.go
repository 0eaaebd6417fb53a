// Package redis implements the dispatch queue on Redis lists and sorted sets.
//
// Key layout, all under a configurable prefix:
//
//	{prefix}:id         INCR counter for job ids
//	{prefix}:job:{id}   hash holding the encoded job and timestamps
//	{prefix}:wait       list of ready job ids (LPUSH in, RPOP out)
//	{prefix}:active     list of job ids held by consumers
//	{prefix}:delayed    zset of job ids scored by ready time (unix ms)
//	{prefix}:completed  zset of job ids scored by finish time (unix ms)
//	{prefix}:failed     zset of job ids scored by finish time (unix ms)
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/insta-saver/internal/content"
)

const (
	defaultConnectionTimeout = 2 * time.Second
	defaultPrefix            = "instasaver:content"
	defaultPollInterval      = 250 * time.Millisecond

	fieldData       = "data"
	fieldRequestID  = "requestId"
	fieldEnqueuedAt = "enqueuedAt"
	fieldFinishedAt = "finishedAt"
	fieldReason     = "reason"
)

// Config holds connection settings for the queue.
type Config struct {
	Addr     string
	Password string `json:"-"`
	DB       int
	Prefix   string
}

// Queue is a content.Queue backed by Redis.
type Queue struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	poll   time.Duration
	logger *zap.Logger
}

var _ content.Queue = (*Queue)(nil)

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source used for scores.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithPollInterval sets how long Dequeue sleeps when nothing is ready.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// WithLogger sets the logger used for failures Dequeue cannot return.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Queue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(client, cfg.Prefix, opts...), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string, opts ...Option) *Queue {
	if prefix == "" {
		prefix = defaultPrefix
	}
	q := &Queue{
		client: client,
		prefix: prefix,
		now:    time.Now,
		poll:   defaultPollInterval,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) key(name string) string { return q.prefix + ":" + name }

func (q *Queue) jobKey(id string) string { return q.prefix + ":job:" + id }

func (q *Queue) stateKey(state content.JobState) (string, bool, error) {
	switch state {
	case content.JobWaiting:
		return q.key("wait"), false, nil
	case content.JobActive:
		return q.key("active"), false, nil
	case content.JobDelayed:
		return q.key("delayed"), true, nil
	case content.JobCompleted:
		return q.key("completed"), true, nil
	case content.JobFailed:
		return q.key("failed"), true, nil
	default:
		return "", false, fmt.Errorf("unknown job state %q", state)
	}
}

func millis(t time.Time) int64 { return t.UnixMilli() }

// Enqueue stores the job and makes it waiting or delayed.
func (q *Queue) Enqueue(ctx context.Context, job content.Job, opts ...content.EnqueueOption) (string, error) {
	var o content.EnqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	seq, err := q.client.Incr(ctx, q.key("id")).Result()
	if err != nil {
		return "", fmt.Errorf("allocate job id: %w", err)
	}
	id := strconv.FormatInt(seq, 10)
	now := q.now()

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id),
			fieldData, string(data),
			fieldRequestID, job.RequestID,
			fieldEnqueuedAt, millis(now),
		)
		if o.Delay > 0 {
			pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(millis(now.Add(o.Delay))), Member: id})
		} else {
			pipe.LPush(ctx, q.key("wait"), id)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Dequeue moves the oldest waiting job to active and returns it.
func (q *Queue) Dequeue(ctx context.Context) (content.Delivery, error) {
	for {
		if err := q.promoteDelayed(ctx); err != nil {
			return content.Delivery{}, err
		}
		id, err := q.client.RPopLPush(ctx, q.key("wait"), q.key("active")).Result()
		switch {
		case errors.Is(err, redis.Nil):
			timer := time.NewTimer(q.poll)
			select {
			case <-ctx.Done():
				timer.Stop()
				return content.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			case <-timer.C:
			}
			continue
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return content.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctxErr)
			}
			return content.Delivery{}, fmt.Errorf("dequeue job: %w", err)
		}

		fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
		if err != nil {
			return content.Delivery{}, fmt.Errorf("load job %s: %w", id, err)
		}
		if len(fields) == 0 {
			// Metadata was removed underneath us; drop the orphaned id.
			q.dropActive(ctx, id)
			continue
		}
		var job content.Job
		if err := json.Unmarshal([]byte(fields[fieldData]), &job); err != nil {
			q.dropActive(ctx, id)
			return content.Delivery{}, fmt.Errorf("decode job %s: %w", id, err)
		}
		enqueued, _ := strconv.ParseInt(fields[fieldEnqueuedAt], 10, 64)
		return content.Delivery{JobID: id, Job: job, EnqueuedAt: time.UnixMilli(enqueued)}, nil
	}
}

// promoteDelayed moves due delayed jobs onto the wait list. Only the caller
// whose ZREM succeeds pushes the id, so concurrent consumers never duplicate.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(millis(q.now()), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed jobs: %w", err)
	}
	for _, id := range due {
		removed, err := q.client.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return fmt.Errorf("promote job %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.key("wait"), id).Err(); err != nil {
			return fmt.Errorf("promote job %s: %w", id, err)
		}
	}
	return nil
}

// Complete acknowledges an active job.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, content.JobCompleted, "")
}

// Fail acknowledges an active job with a failure reason.
func (q *Queue) Fail(ctx context.Context, jobID string, reason string) error {
	return q.finish(ctx, jobID, content.JobFailed, reason)
}

// dropActive removes an unusable id from the active list.
func (q *Queue) dropActive(ctx context.Context, id string) {
	if err := q.client.LRem(ctx, q.key("active"), 1, id).Err(); err != nil {
		q.logger.Warn("failed to drop job from active list", zap.String("job_id", id), zap.Error(err))
	}
}

func (q *Queue) finish(ctx context.Context, jobID string, state content.JobState, reason string) error {
	removed, err := q.client.LRem(ctx, q.key("active"), 1, jobID).Result()
	if err != nil {
		return fmt.Errorf("release job %s: %w", jobID, err)
	}
	if removed == 0 {
		// Drained while a consumer held it.
		return nil
	}
	target, _, err := q.stateKey(state)
	if err != nil {
		return err
	}
	now := q.now()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, target, redis.Z{Score: float64(millis(now)), Member: jobID})
		pipe.HSet(ctx, q.jobKey(jobID), fieldFinishedAt, millis(now), fieldReason, reason)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark job %s %s: %w", jobID, state, err)
	}
	return nil
}

func (q *Queue) jobIDs(ctx context.Context, state content.JobState) ([]string, error) {
	key, sorted, err := q.stateKey(state)
	if err != nil {
		return nil, err
	}
	if sorted {
		return q.client.ZRange(ctx, key, 0, -1).Result()
	}
	return q.client.LRange(ctx, key, 0, -1).Result()
}

// Identities returns the request ids of jobs in the given states.
func (q *Queue) Identities(ctx context.Context, states ...content.JobState) ([]string, error) {
	var jobIDs []string
	for _, state := range states {
		ids, err := q.jobIDs(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("list %s jobs: %w", state, err)
		}
		jobIDs = append(jobIDs, ids...)
	}
	if len(jobIDs) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(jobIDs))
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range jobIDs {
			cmds[i] = pipe.HGet(ctx, q.jobKey(id), fieldRequestID)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load job identities: %w", err)
	}
	out := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		requestID, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load job identity: %w", err)
		}
		out = append(out, requestID)
	}
	return out, nil
}

// Drain removes every waiting, delayed and active job with its metadata.
func (q *Queue) Drain(ctx context.Context) error {
	var keys []string
	for _, state := range []content.JobState{content.JobWaiting, content.JobDelayed, content.JobActive} {
		ids, err := q.jobIDs(ctx, state)
		if err != nil {
			return fmt.Errorf("drain %s jobs: %w", state, err)
		}
		for _, id := range ids {
			keys = append(keys, q.jobKey(id))
		}
	}
	keys = append(keys, q.key("wait"), q.key("delayed"), q.key("active"))
	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}
	return nil
}

// Clean removes completed or failed jobs that finished more than grace ago.
func (q *Queue) Clean(ctx context.Context, grace time.Duration, state content.JobState) (int, error) {
	if state != content.JobCompleted && state != content.JobFailed {
		return 0, fmt.Errorf("cannot clean job state %q", state)
	}
	key, _, err := q.stateKey(state)
	if err != nil {
		return 0, err
	}
	cutoff := millis(q.now().Add(-grace))
	ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan %s jobs: %w", state, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	members := make([]any, len(ids))
	hashes := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		hashes[i] = q.jobKey(id)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, key, members...)
		pipe.Del(ctx, hashes...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("clean %s jobs: %w", state, err)
	}
	return len(ids), nil
}

// Ping checks if Redis is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}
