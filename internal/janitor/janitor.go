// Package janitor purges finished-job metadata from the dispatch queue.
package janitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/insta-saver/internal/content"
	"github.com/JakeFAU/insta-saver/internal/metrics"
)

const (
	// DefaultInterval is used when Config.Interval is not positive.
	DefaultInterval = 60 * time.Second
	// DefaultRetention is used when Config.Retention is not positive.
	DefaultRetention = time.Hour
)

// Config controls Janitor behavior.
type Config struct {
	Interval  time.Duration
	Retention time.Duration
}

// Result counts purged jobs per state.
type Result struct {
	Completed int
	Failed    int
}

// Janitor periodically cleans completed and failed jobs. It never touches
// the record store.
type Janitor struct {
	queue  content.Queue
	cfg    Config
	logger *zap.Logger
}

// New constructs a Janitor.
func New(queue content.Queue, cfg Config, logger *zap.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Janitor{queue: queue, cfg: cfg, logger: logger}
}

// SweepOnce cleans both finished states. A failure on one state does not
// prevent the other from being cleaned.
func (j *Janitor) SweepOnce(ctx context.Context) (Result, error) {
	var res Result
	var firstErr error
	for _, state := range []content.JobState{content.JobCompleted, content.JobFailed} {
		n, err := j.queue.Clean(ctx, j.cfg.Retention, state)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("clean %s jobs: %w", state, err)
			}
			continue
		}
		metrics.ObserveJanitor(string(state), n)
		if state == content.JobCompleted {
			res.Completed = n
		} else {
			res.Failed = n
		}
	}
	return res, firstErr
}

// Run sweeps on every tick until the context finishes.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		res, err := j.SweepOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			j.logger.Error("queue clean failed", zap.Error(err))
		}
		if res.Completed > 0 || res.Failed > 0 {
			j.logger.Debug("queue cleaned",
				zap.Int("completed", res.Completed),
				zap.Int("failed", res.Failed),
			)
		}
	}
}
