// Package reconciler keeps the dispatch queue in agreement with the
// PENDING records of the record store.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/insta-saver/internal/content"
	"github.com/JakeFAU/insta-saver/internal/metrics"
	"github.com/JakeFAU/insta-saver/internal/retry"
)

// DefaultInterval is used when Config.Interval is not positive.
const DefaultInterval = 60 * time.Second

// liveStates are the queue states that count as "already dispatched".
var liveStates = []content.JobState{content.JobWaiting, content.JobDelayed, content.JobActive}

// Config controls Reconciler behavior.
type Config struct {
	Interval time.Duration
}

// Result summarizes a single pass.
type Result struct {
	Pending  int
	Enqueued int
	Evicted  int
}

// Reconciler enqueues PENDING records that have no live job.
type Reconciler struct {
	store  content.Store
	queue  content.Queue
	policy retry.Policy
	cfg    Config
	nudge  chan struct{}
	logger *zap.Logger
}

// New constructs a Reconciler.
func New(store content.Store, queue content.Queue, policy retry.Policy, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Reconciler{
		store:  store,
		queue:  queue,
		policy: policy,
		cfg:    cfg,
		nudge:  make(chan struct{}, 1),
		logger: logger,
	}
}

// Startup discards every queued job and finished-job record, then rebuilds
// the queue from the store. It must complete before workers start.
func (r *Reconciler) Startup(ctx context.Context) (Result, error) {
	if err := r.queue.Drain(ctx); err != nil {
		return Result{}, fmt.Errorf("drain queue: %w", err)
	}
	for _, state := range []content.JobState{content.JobCompleted, content.JobFailed} {
		if _, err := r.queue.Clean(ctx, 0, state); err != nil {
			return Result{}, fmt.Errorf("clean %s jobs: %w", state, err)
		}
	}
	r.logger.Info("queue drained")
	return r.ReconcileOnce(ctx)
}

// ReconcileOnce performs one pass: evict over-cap PENDING records, then
// enqueue each remaining PENDING record that has no live job, oldest first.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Result, error) {
	var res Result

	evicted, err := r.store.DeleteExhausted(ctx, r.policy.Cap())
	if err != nil {
		return res, fmt.Errorf("evict exhausted requests: %w", err)
	}
	res.Evicted = len(evicted)
	for _, id := range evicted {
		r.logger.Warn("evicted exhausted request", zap.String("request_id", id))
	}

	live, err := r.queue.Identities(ctx, liveStates...)
	if err != nil {
		return res, fmt.Errorf("list queue identities: %w", err)
	}
	seen := make(map[string]struct{}, len(live))
	for _, id := range live {
		seen[id] = struct{}{}
	}

	pending, err := r.store.ListPending(ctx, r.policy.Cap())
	if err != nil {
		return res, fmt.Errorf("list pending requests: %w", err)
	}
	res.Pending = len(pending)

	for _, req := range pending {
		if _, ok := seen[req.ID]; ok {
			continue
		}
		if _, err := r.queue.Enqueue(ctx, req.Job()); err != nil {
			metrics.ObserveReconcile(res.Enqueued, res.Evicted)
			return res, fmt.Errorf("enqueue request %s: %w", req.ID, err)
		}
		seen[req.ID] = struct{}{}
		res.Enqueued++
	}

	metrics.ObserveReconcile(res.Enqueued, res.Evicted)
	if res.Enqueued > 0 || res.Evicted > 0 {
		r.logger.Info("reconciled queue",
			zap.Int("pending", res.Pending),
			zap.Int("enqueued", res.Enqueued),
			zap.Int("evicted", res.Evicted),
		)
	}
	return res, nil
}

// Nudge requests an immediate pass. Nudges arriving while one is already
// queued are coalesced.
func (r *Reconciler) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Run reconciles on every tick or nudge until the context finishes. Pass
// errors are logged and retried on the next trigger.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.nudge:
		}
		if _, err := r.ReconcileOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("reconcile failed", zap.Error(err))
		}
	}
}
