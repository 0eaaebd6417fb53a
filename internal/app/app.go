// Package app constructs every long-lived service once and runs them under a
// shared lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/insta-saver/internal/aggregator"
	"github.com/JakeFAU/insta-saver/internal/api"
	"github.com/JakeFAU/insta-saver/internal/archive"
	gcsarchive "github.com/JakeFAU/insta-saver/internal/archive/gcs"
	localarchive "github.com/JakeFAU/insta-saver/internal/archive/local"
	memoryarchive "github.com/JakeFAU/insta-saver/internal/archive/memory"
	"github.com/JakeFAU/insta-saver/internal/bot"
	"github.com/JakeFAU/insta-saver/internal/clock/system"
	"github.com/JakeFAU/insta-saver/internal/config"
	"github.com/JakeFAU/insta-saver/internal/content"
	"github.com/JakeFAU/insta-saver/internal/dispatcher"
	"github.com/JakeFAU/insta-saver/internal/events"
	pubsubevents "github.com/JakeFAU/insta-saver/internal/events/pubsub"
	"github.com/JakeFAU/insta-saver/internal/id/uuid"
	"github.com/JakeFAU/insta-saver/internal/intake"
	"github.com/JakeFAU/insta-saver/internal/janitor"
	"github.com/JakeFAU/insta-saver/internal/notifier/telegram"
	redisqueue "github.com/JakeFAU/insta-saver/internal/queue/redis"
	"github.com/JakeFAU/insta-saver/internal/reaper"
	"github.com/JakeFAU/insta-saver/internal/reconciler"
	"github.com/JakeFAU/insta-saver/internal/retry"
	"github.com/JakeFAU/insta-saver/internal/scraper"
	collyfetcher "github.com/JakeFAU/insta-saver/internal/scraper/colly"
	"github.com/JakeFAU/insta-saver/internal/scraper/headless"
	"github.com/JakeFAU/insta-saver/internal/storage/postgres"
	"github.com/JakeFAU/insta-saver/internal/telemetry"
	"github.com/JakeFAU/insta-saver/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Version is stamped into trace resources; overridden at link time.
var Version = "dev"

// Store is the record store plus a liveness probe.
type Store interface {
	content.Store
	Ping(ctx context.Context) error
}

// Queue is the dispatch queue plus a liveness probe.
type Queue interface {
	content.Queue
	Ping(ctx context.Context) error
}

// TelegramAPI is the subset of *tgbotapi.BotAPI shared by the bot and the
// notifier.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	SendMediaGroup(config tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Option overrides a dependency that would otherwise be built from config.
type Option func(*options)

type options struct {
	store     Store
	queue     Queue
	telegram  TelegramAPI
	scraper   content.Scraper
	publisher content.Publisher
	blobs     content.BlobStore
	clock     content.Clock
}

// WithStore injects a record store.
func WithStore(s Store) Option { return func(o *options) { o.store = s } }

// WithQueue injects a dispatch queue.
func WithQueue(q Queue) Option { return func(o *options) { o.queue = q } }

// WithTelegram injects the Bot API client.
func WithTelegram(t TelegramAPI) Option { return func(o *options) { o.telegram = t } }

// WithScraper injects the scraper.
func WithScraper(s content.Scraper) Option { return func(o *options) { o.scraper = s } }

// WithPublisher injects the lifecycle event publisher.
func WithPublisher(p content.Publisher) Option { return func(o *options) { o.publisher = p } }

// WithBlobStore injects the archive blob store.
func WithBlobStore(b content.BlobStore) Option { return func(o *options) { o.blobs = b } }

// WithClock injects the clock.
func WithClock(c content.Clock) Option { return func(o *options) { o.clock = c } }

// App holds the shared services.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	opts   options

	store      Store
	queue      Queue
	clock      content.Clock
	policy     retry.Policy
	reconciler *reconciler.Reconciler
	aggregator *aggregator.Aggregator

	closers []func() error
}

// Connect reaches the record store and the queue broker. Either failing is
// returned as an error; callers treat it as fatal.
func Connect(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, policy: retry.NewPolicy(cfg.Retry.Cap)}
	for _, opt := range opts {
		opt(&a.opts)
	}

	a.clock = a.opts.clock
	if a.clock == nil {
		a.clock = system.New()
	}

	a.store = a.opts.store
	if a.store == nil {
		store, err := postgres.NewRequestStore(ctx, postgres.Config{
			DSN:      cfg.Database.URL,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect record store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
	}

	a.queue = a.opts.queue
	if a.queue == nil {
		q, err := redisqueue.Dial(ctx, redisqueue.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, redisqueue.WithLogger(logger.Named("queue")))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect queue: %w", err)
		}
		a.queue = q
		a.closers = append(a.closers, q.Close)
	}

	a.reconciler = reconciler.New(a.store, a.queue, a.policy,
		reconciler.Config{Interval: cfg.Reconciler.Interval()}, logger.Named("reconciler"))
	a.aggregator = aggregator.New(a.store, a.clock, logger.Named("aggregator"))
	logger.Info("connected to store and queue")
	return a, nil
}

// Reconciler exposes the reconciler for one-off passes.
func (a *App) Reconciler() *reconciler.Reconciler {
	return a.reconciler
}

// Serve rebuilds the queue from the store, then runs every component until
// ctx is canceled or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	tg := a.opts.telegram
	if tg == nil {
		client, err := bot.Dial(a.cfg.Telegram.Token)
		if err != nil {
			return err
		}
		tg = client
	}

	if a.cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: "insta-saver",
			Version:     Version,
			Exporter:    a.cfg.Tracing.Exporter,
			SampleRatio: a.cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return tp.Shutdown(shutdownCtx)
		})
	}

	scr, err := a.buildScraper()
	if err != nil {
		return err
	}
	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		return err
	}
	archiver, err := a.buildArchiver(ctx)
	if err != nil {
		return err
	}

	notifier := telegram.New(tg, telegram.Config{
		MessagesPerSecond: a.cfg.Telegram.MessagesPerSecond,
		Burst:             a.cfg.Telegram.Burst,
	}, a.logger.Named("notifier"))

	workerCfg := worker.Config{
		ScrapeTimeout:    a.cfg.ScrapeTimeout(),
		DeliveryDelay:    a.cfg.DeliveryDelay(),
		DeliverTimeout:   a.cfg.DeliverTimeout(),
		NotifyOnEviction: a.cfg.Worker.NotifyOnEviction,
	}
	runners := make([]dispatcher.Runner, 0, a.cfg.Worker.Concurrency)
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		var arch worker.Archiver
		if archiver != nil {
			arch = archiver
		}
		runners = append(runners, worker.New(
			a.queue, a.store, scr, notifier, arch, a.aggregator, publisher,
			a.clock, a.policy, workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	pool := dispatcher.New(runners, a.logger.Named("dispatcher"))

	intakeSvc := intake.New(a.store, uuid.New(), a.clock, a.reconciler, a.logger.Named("intake"))
	chatBot := bot.New(tg, intakeSvc, a.logger.Named("bot"), bot.WithPollTimeout(a.cfg.Telegram.PollTimeoutSec))
	jan := janitor.New(a.queue, janitor.Config{
		Interval:  a.cfg.Janitor.Interval(),
		Retention: a.cfg.Janitor.Retention(),
	}, a.logger.Named("janitor"))
	rep := reaper.New(a.store, a.clock, a.reconciler, reaper.Config{
		Interval:   a.cfg.Reaper.Interval(),
		StaleAfter: a.cfg.Reaper.StaleAfter(),
	}, a.logger.Named("reaper"))

	apiServer := api.NewServer(a.aggregator, map[string]api.Pinger{
		"store": a.store,
		"queue": a.queue,
	}, api.Config{
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: time.Duration(a.cfg.Server.RequestTimeoutMs) * time.Millisecond,
	}, a.logger.Named("api"))
	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// A failed rebuild is not fatal: the periodic pass enqueues PENDING
	// records, and stale jobs left in the queue fail the conditional claim.
	if res, err := a.reconciler.Startup(ctx); err != nil {
		a.logger.Error("startup reconciliation failed; relying on periodic passes", zap.Error(err))
		a.reconciler.Nudge()
	} else {
		a.logger.Info("queue rebuilt from store",
			zap.Int("pending", res.Pending),
			zap.Int("enqueued", res.Enqueued),
			zap.Int("evicted", res.Evicted),
		)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range []func(context.Context){pool.Run, a.reconciler.Run, jan.Run, rep.Run, chatBot.Run} {
		g.Go(func() error {
			run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) buildScraper() (content.Scraper, error) {
	if a.opts.scraper != nil {
		return a.opts.scraper, nil
	}
	sc := a.cfg.Scraper
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent: sc.UserAgent,
		Timeout:   time.Duration(sc.ProbeTimeoutMs) * time.Millisecond,
	})
	var renderer scraper.Fetcher
	if sc.Headless.Enabled {
		h, err := headless.NewChromedp(headless.Config{
			MaxParallel:       sc.Headless.MaxParallel,
			UserAgent:         sc.UserAgent,
			NavigationTimeout: time.Duration(sc.Headless.NavTimeoutMs) * time.Millisecond,
			SettleDelay:       time.Duration(sc.Headless.SettleDelayMs) * time.Millisecond,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			renderer = h
			a.closers = append(a.closers, func() error { h.Close(); return nil })
		}
	}
	return scraper.New(probe, renderer, scraper.NewDetector(sc.Headless.BodyThreshold), a.logger.Named("scraper")), nil
}

func (a *App) buildPublisher(ctx context.Context) (content.Publisher, error) {
	if a.opts.publisher != nil {
		return a.opts.publisher, nil
	}
	if a.cfg.PubSub.ProjectID == "" {
		return nil, nil
	}
	p, err := pubsubevents.Dial(ctx, a.cfg.PubSub.ProjectID, map[string]string{
		events.TypeCompleted: a.cfg.PubSub.CompletedTopic,
		events.TypeEvicted:   a.cfg.PubSub.EvictedTopic,
	})
	if err != nil {
		return nil, fmt.Errorf("connect pubsub: %w", err)
	}
	a.closers = append(a.closers, p.Close)
	return p, nil
}

func (a *App) buildArchiver(ctx context.Context) (*archive.Archiver, error) {
	blobs := a.opts.blobs
	if blobs == nil {
		switch a.cfg.Storage.Provider {
		case "", "none":
			return nil, nil
		case "memory":
			blobs = memoryarchive.NewBlobStore()
		case "local":
			store, err := localarchive.New(localarchive.Config{BaseDir: a.cfg.Storage.BaseDir})
			if err != nil {
				return nil, fmt.Errorf("open local archive: %w", err)
			}
			blobs = store
		case "gcs":
			store, err := gcsarchive.Dial(ctx, gcsarchive.Config{Bucket: a.cfg.Storage.GCSBucket})
			if err != nil {
				return nil, fmt.Errorf("open gcs archive: %w", err)
			}
			a.closers = append(a.closers, store.Close)
			blobs = store
		default:
			return nil, fmt.Errorf("unknown storage provider %q", a.cfg.Storage.Provider)
		}
	}
	return archive.New(blobs, a.cfg.Storage.Prefix, a.clock), nil
}

// Close releases every owned resource in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing resource", zap.Error(err))
		}
	}
	a.closers = nil
}
