// Package dispatcher manages worker fan-out over the dispatch queue.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner is a long-lived consumer that blocks until ctx finishes.
type Runner interface {
	Run(ctx context.Context)
}

const defaultRestartDelay = time.Second

// Dispatcher runs a fixed pool of workers.
type Dispatcher struct {
	workers      []Runner
	restartDelay time.Duration
	logger       *zap.Logger
}

// New creates a Dispatcher over the provided workers.
func New(workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, restartDelay: defaultRestartDelay, logger: logger}
}

// Size reports the pool's concurrency.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting worker pool", zap.Int("concurrency", len(d.workers)))
	var wg sync.WaitGroup
	for i, w := range d.workers {
		wg.Add(1)
		go func(idx int, wk Runner) {
			defer wg.Done()
			d.supervise(ctx, idx, wk)
		}(i, w)
	}
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("worker pool stopped")
}

// supervise keeps a worker slot filled: a runner that panics is restarted
// after restartDelay until ctx finishes.
func (d *Dispatcher) supervise(ctx context.Context, idx int, wk Runner) {
	for {
		if !d.runOnce(ctx, idx, wk) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.restartDelay):
		}
		d.logger.Info("restarting worker", zap.Int("worker", idx))
	}
}

// runOnce reports whether the runner panicked.
func (d *Dispatcher) runOnce(ctx context.Context, idx int, wk Runner) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("worker crashed", zap.Int("worker", idx), zap.Any("panic", r))
			crashed = true
		}
	}()
	wk.Run(ctx)
	return false
}
