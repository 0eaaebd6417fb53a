// Package reaper returns requests abandoned in PROCESSING to PENDING.
package reaper

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
	// DefaultStaleAfter is used when Config.StaleAfter is not positive.
	DefaultStaleAfter = 10 * time.Minute
)

// Config controls Reaper behavior.
type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// Nudger is notified when records become dispatchable again.
type Nudger interface {
	Nudge()
}

// Reaper reverts PROCESSING records whose last update is older than
// StaleAfter. The revert counts as a failed attempt.
type Reaper struct {
	store  content.Store
	clock  content.Clock
	nudger Nudger
	cfg    Config
	logger *zap.Logger
}

// New constructs a Reaper. nudger may be nil.
func New(store content.Store, clock content.Clock, nudger Nudger, cfg Config, logger *zap.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Reaper{store: store, clock: clock, nudger: nudger, cfg: cfg, logger: logger}
}

// ReapOnce reverts stale records and returns their ids.
func (r *Reaper) ReapOnce(ctx context.Context) ([]string, error) {
	now := r.clock.Now()
	ids, err := r.store.RevertStale(ctx, now.Add(-r.cfg.StaleAfter), now)
	if err != nil {
		return nil, fmt.Errorf("revert stale requests: %w", err)
	}
	metrics.ObserveReaper(len(ids))
	if len(ids) > 0 {
		r.logger.Warn("reverted stale requests", zap.Strings("request_ids", ids))
		if r.nudger != nil {
			r.nudger.Nudge()
		}
	}
	return ids, nil
}

// Run reaps on every tick until the context finishes.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := r.ReapOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("reap failed", zap.Error(err))
		}
	}
}
