// Package worker implements the per-request fetch and delivery pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/insta-saver/internal/content"
	"github.com/JakeFAU/insta-saver/internal/events"
	"github.com/JakeFAU/insta-saver/internal/metrics"
	"github.com/JakeFAU/insta-saver/internal/retry"
)

const (
	defaultScrapeTimeout  = 60 * time.Second
	defaultDeliverTimeout = 60 * time.Second
	defaultErrorBackoff   = time.Second
	bookkeepingTimeout    = 10 * time.Second
	tracerName            = "github.com/JakeFAU/insta-saver/internal/worker"
)

// Job outcomes reported to metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeRequeued  = "requeued"
	OutcomeEvicted   = "evicted"
	OutcomeSkipped   = "skipped"
	OutcomeReleased  = "released"
	OutcomeCrashed   = "crashed"
)

// Config controls Worker behavior.
type Config struct {
	ScrapeTimeout    time.Duration
	DeliveryDelay    time.Duration
	DeliverTimeout   time.Duration
	NotifyOnEviction bool
	ErrorBackoff     time.Duration

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Recorder counts successful completions.
type Recorder interface {
	RecordCompletion(ctx context.Context, mt content.MediaType) error
}

// Archiver keeps a copy of a delivered result.
type Archiver interface {
	Archive(ctx context.Context, req content.ContentRequest, result content.MediaResult) (string, error)
}

// Worker consumes dispatch jobs and drives each request to completion,
// requeue or eviction.
type Worker struct {
	queue     content.Queue
	store     content.Store
	scraper   content.Scraper
	notifier  content.Notifier
	archiver  Archiver
	recorder  Recorder
	publisher content.Publisher
	clock     content.Clock
	policy    retry.Policy
	cfg       Config
	tracer    trace.Tracer
	logger    *zap.Logger
}

// New constructs a Worker. archiver and publisher may be nil.
func New(
	queue content.Queue,
	store content.Store,
	scraper content.Scraper,
	notifier content.Notifier,
	archiver Archiver,
	recorder Recorder,
	publisher content.Publisher,
	clock content.Clock,
	policy retry.Policy,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = defaultScrapeTimeout
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = defaultDeliverTimeout
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaultErrorBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	metrics.Init()
	return &Worker{
		queue:     queue,
		store:     store,
		scraper:   scraper,
		notifier:  notifier,
		archiver:  archiver,
		recorder:  recorder,
		publisher: publisher,
		clock:     clock,
		policy:    policy,
		cfg:       cfg,
		tracer:    cfg.TracerProvider.Tracer(tracerName),
		logger:    logger,
	}
}

// Run blocks, consuming jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}
		w.logger.Debug("dequeued job",
			zap.String("job_id", d.JobID),
			zap.String("request_id", d.Job.RequestID),
		)
		w.Process(ctx, d)
	}
}

// Process runs one delivery through the state machine and acknowledges it.
func (w *Worker) Process(ctx context.Context, d content.Delivery) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := w.tracer.Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("job.id", d.JobID),
		attribute.String("request.id", d.Job.RequestID),
	))
	defer span.End()

	outcome, reason := w.handle(ctx, d)
	metrics.ObserveJob(outcome)
	span.SetAttributes(attribute.String("job.outcome", outcome))
	if reason != "" {
		span.SetStatus(codes.Error, reason)
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	var err error
	if reason == "" {
		err = w.queue.Complete(ackCtx, d.JobID)
	} else {
		err = w.queue.Fail(ackCtx, d.JobID, reason)
	}
	if err != nil {
		w.logger.Warn("queue ack failed", zap.String("job_id", d.JobID), zap.Error(err))
	}
}

// handle drives one delivery. A panic outside the attempt (store, recorder,
// publisher) fails the job; a record left PROCESSING is recovered by the reaper.
func (w *Worker) handle(ctx context.Context, d content.Delivery) (outcome string, reason string) {
	logger := w.logger.With(zap.String("request_id", d.Job.RequestID), zap.String("job_id", d.JobID))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job handling panicked", zap.Any("panic", r))
			outcome, reason = OutcomeCrashed, fmt.Sprintf("panic: %v", r)
		}
	}()

	req, err := w.store.ClaimRequest(ctx, d.Job.RequestID, w.clock.Now())
	if errors.Is(err, content.ErrNotFound) {
		logger.Debug("no claimable record; skipping job")
		return OutcomeSkipped, ""
	}
	if err != nil {
		// Never claimed, so the record is still PENDING and the reconciler
		// will dispatch it again.
		logger.Error("claim request failed", zap.Error(err))
		return OutcomeSkipped, err.Error()
	}

	result, err := w.attempt(ctx, req)

	// Follow-up writes must land even when shutdown cancels ctx.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if err == nil {
		w.finish(bookCtx, logger, req, result)
		return OutcomeCompleted, ""
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the attempt; give the record back unpenalized.
		if rerr := w.store.RequeueRequest(bookCtx, req.ID, req.RetryCount, w.clock.Now()); rerr != nil {
			logger.Warn("release on shutdown failed", zap.Error(rerr))
		}
		logger.Info("attempt interrupted by shutdown", zap.Error(err))
		return OutcomeReleased, err.Error()
	}

	logger.Warn("attempt failed", zap.Int("retry_count", req.RetryCount), zap.Error(err))
	return w.fail(bookCtx, logger, req, err), err.Error()
}

// attempt runs the scrape, the delivery delay, the delivery and the delete.
// Any error, including a panic, is a failure outcome for the retry policy.
func (w *Worker) attempt(ctx context.Context, req content.ContentRequest) (result content.MediaResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	scrapeCtx, cancel := context.WithTimeout(ctx, w.cfg.ScrapeTimeout)
	start := time.Now()
	result, err = w.scraper.Scrape(scrapeCtx, req.RequestURL)
	cancel()
	if err != nil {
		metrics.ObserveScrape("error", time.Since(start))
		return content.MediaResult{}, fmt.Errorf("scrape %s: %w", req.RequestURL, err)
	}
	metrics.ObserveScrape("ok", time.Since(start))
	if result.ShortCode == "" {
		result.ShortCode = req.ShortCode
	}

	if w.cfg.DeliveryDelay > 0 {
		select {
		case <-ctx.Done():
			return content.MediaResult{}, fmt.Errorf("delivery delay: %w", ctx.Err())
		case <-time.After(w.cfg.DeliveryDelay):
		}
	}

	deliverCtx, cancel := context.WithTimeout(ctx, w.cfg.DeliverTimeout)
	err = w.notifier.Deliver(deliverCtx, req.ChatID, req.RequestedBy, result, req.MessageID)
	cancel()
	if err != nil {
		return content.MediaResult{}, fmt.Errorf("deliver: %w", err)
	}

	if w.archiver != nil {
		if uri, err := w.archiver.Archive(ctx, req, result); err != nil {
			w.logger.Warn("archive result failed", zap.String("request_id", req.ID), zap.Error(err))
		} else {
			w.logger.Debug("archived result", zap.String("request_id", req.ID), zap.String("uri", uri))
		}
	}

	removed, err := w.store.DeleteRequest(ctx, req.ID)
	if err != nil {
		return content.MediaResult{}, fmt.Errorf("delete request: %w", err)
	}
	if !removed {
		return content.MediaResult{}, errAlreadyGone
	}
	return result, nil
}

var errAlreadyGone = errors.New("request removed by another actor")

func (w *Worker) finish(ctx context.Context, logger *zap.Logger, req content.ContentRequest, result content.MediaResult) {
	if w.recorder != nil {
		if err := w.recorder.RecordCompletion(ctx, result.MediaType); err != nil {
			logger.Error("record completion failed", zap.Error(err))
		}
	}
	w.publish(ctx, logger, events.TypeCompleted, events.Completed(req, result.MediaType, w.clock.Now()))
	logger.Info("request completed",
		zap.String("short_code", result.ShortCode),
		zap.String("media_type", string(result.MediaType)),
		zap.Int("retry_count", req.RetryCount),
	)
}

func (w *Worker) fail(ctx context.Context, logger *zap.Logger, req content.ContentRequest, cause error) string {
	if errors.Is(cause, errAlreadyGone) {
		return OutcomeSkipped
	}
	decision := w.policy.Decide(req.RetryCount, retry.Failed)
	switch decision.Action {
	case retry.Requeue:
		err := w.store.RequeueRequest(ctx, req.ID, decision.RetryCount, w.clock.Now())
		switch {
		case errors.Is(err, content.ErrNotFound):
			logger.Warn("record left PROCESSING before requeue")
		case err != nil:
			logger.Error("requeue request failed", zap.Error(err))
		default:
			logger.Info("request requeued", zap.Int("retry_count", decision.RetryCount))
		}
		return OutcomeRequeued
	default:
		w.evict(ctx, logger, req, decision.RetryCount, cause)
		return OutcomeEvicted
	}
}

func (w *Worker) evict(ctx context.Context, logger *zap.Logger, req content.ContentRequest, retryCount int, cause error) {
	if _, err := w.store.DeleteRequest(ctx, req.ID); err != nil {
		logger.Error("evict request failed", zap.Error(err))
		return
	}
	logger.Warn("request evicted after exhausting retries",
		zap.Int("retry_count", retryCount),
		zap.String("request_url", req.RequestURL),
		zap.Error(cause),
	)
	w.publish(ctx, logger, events.TypeEvicted, events.Evicted(req, retryCount, cause.Error(), w.clock.Now()))
	if w.cfg.NotifyOnEviction {
		if err := w.notifier.NotifyEviction(ctx, req.ChatID, req.RequestedBy, req.RequestURL, req.MessageID); err != nil {
			logger.Warn("eviction notice failed", zap.Error(err))
		}
	}
}

func (w *Worker) publish(ctx context.Context, logger *zap.Logger, eventType string, payload events.Lifecycle) {
	if w.publisher == nil {
		return
	}
	if _, err := w.publisher.Publish(ctx, eventType, payload); err != nil {
		logger.Warn("publish event failed", zap.String("event_type", eventType), zap.Error(err))
	}
}
