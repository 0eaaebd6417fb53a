// Package aggregator records completion counters.
package aggregator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/insta-saver/internal/content"
	"github.com/JakeFAU/insta-saver/internal/metrics"
)

// Aggregator maps media types to buckets and increments the persisted
// metrics singleton. It holds no in-process state, so concurrent callers
// never lose updates.
type Aggregator struct {
	store  content.Store
	clock  content.Clock
	logger *zap.Logger
}

// New constructs an Aggregator.
func New(store content.Store, clock content.Clock, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Aggregator{store: store, clock: clock, logger: logger}
}

// RecordCompletion counts one delivered request of the given media type.
func (a *Aggregator) RecordCompletion(ctx context.Context, mt content.MediaType) error {
	bucket := content.BucketFor(mt)
	if err := a.store.IncrementMetrics(ctx, bucket, a.clock.Now()); err != nil {
		return fmt.Errorf("increment %s metrics: %w", bucket, err)
	}
	metrics.ObserveCompletion(string(bucket))
	a.logger.Debug("completion recorded",
		zap.String("media_type", string(mt)),
		zap.String("bucket", string(bucket)),
	)
	return nil
}

// Snapshot returns the persisted counters.
func (a *Aggregator) Snapshot(ctx context.Context) (content.Metrics, error) {
	m, err := a.store.GetMetrics(ctx)
	if err != nil {
		return content.Metrics{}, fmt.Errorf("read metrics: %w", err)
	}
	return m, nil
}
