// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Janitor    JanitorConfig    `mapstructure:"janitor"`
	Reaper     ReaperConfig     `mapstructure:"reaper"`
	Scraper    ScraperConfig    `mapstructure:"scraper"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port             int    `mapstructure:"port"`
	APIKey           string `mapstructure:"api_key"`
	RequestTimeoutMs int    `mapstructure:"request_timeout_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig controls access to the dispatch queue broker.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// TelegramConfig configures the bot and delivery pacing.
type TelegramConfig struct {
	Token             string  `mapstructure:"token"`
	PollTimeoutSec    int     `mapstructure:"poll_timeout_seconds"`
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// WorkerConfig governs the worker pool.
type WorkerConfig struct {
	Concurrency      int  `mapstructure:"concurrency"`
	ScrapeTimeoutMs  int  `mapstructure:"scrape_timeout_ms"`
	DeliveryDelayMs  int  `mapstructure:"delivery_delay_ms"`
	DeliverTimeoutMs int  `mapstructure:"deliver_timeout_ms"`
	NotifyOnEviction bool `mapstructure:"notify_on_eviction"`
}

// RetryConfig bounds per-request attempts.
type RetryConfig struct {
	Cap int `mapstructure:"cap"`
}

// ReconcilerConfig sets the reconciliation cadence.
type ReconcilerConfig struct {
	IntervalMs int `mapstructure:"interval_ms"`
}

// JanitorConfig sets queue hygiene cadence and retention.
type JanitorConfig struct {
	IntervalMs  int `mapstructure:"interval_ms"`
	RetentionMs int `mapstructure:"retention_ms"`
}

// ReaperConfig sets stale PROCESSING recovery.
type ReaperConfig struct {
	IntervalMs   int `mapstructure:"interval_ms"`
	StaleAfterMs int `mapstructure:"stale_after_ms"`
}

// ScraperConfig configures the probe and headless fallback.
type ScraperConfig struct {
	UserAgent      string         `mapstructure:"user_agent"`
	ProbeTimeoutMs int            `mapstructure:"probe_timeout_ms"`
	Headless       HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutMs  int  `mapstructure:"nav_timeout_ms"`
	SettleDelayMs int  `mapstructure:"settle_delay_ms"`
	BodyThreshold int  `mapstructure:"body_threshold"`
}

// StorageConfig selects where delivered results are archived.
type StorageConfig struct {
	// Provider is one of none, memory, local or gcs.
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	BaseDir   string `mapstructure:"base_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// TracingConfig controls OpenTelemetry spans around worker attempts.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Exporter    string  `mapstructure:"exporter"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// PubSubConfig holds lifecycle event topics. Empty ProjectID disables events.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	CompletedTopic string `mapstructure:"completed_topic"`
	EvictedTopic   string `mapstructure:"evicted_topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SAVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindAliases(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// bindAliases lets the conventional unprefixed variables populate their keys.
func bindAliases(v *viper.Viper) error {
	aliases := map[string][]string{
		"database.url":   {"SAVER_DATABASE_URL", "DATABASE_URL"},
		"redis.addr":     {"SAVER_REDIS_ADDR", "REDIS_ADDR"},
		"redis.password": {"SAVER_REDIS_PASSWORD", "REDIS_PASSWORD"},
		"telegram.token": {"SAVER_TELEGRAM_TOKEN", "TELEGRAM_TOKEN"},
		"server.port":    {"SAVER_SERVER_PORT", "PORT"},
	}
	for key, envs := range aliases {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.request_timeout_ms", 30000)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "instasaver:content")
	v.SetDefault("telegram.poll_timeout_seconds", 60)
	v.SetDefault("telegram.messages_per_second", 20)
	v.SetDefault("telegram.burst", 1)
	v.SetDefault("worker.concurrency", 5)
	v.SetDefault("worker.scrape_timeout_ms", 60000)
	v.SetDefault("worker.delivery_delay_ms", 500)
	v.SetDefault("worker.deliver_timeout_ms", 60000)
	v.SetDefault("worker.notify_on_eviction", false)
	v.SetDefault("retry.cap", 5)
	v.SetDefault("reconciler.interval_ms", 60000)
	v.SetDefault("janitor.interval_ms", 60000)
	v.SetDefault("janitor.retention_ms", 3600000)
	v.SetDefault("reaper.interval_ms", 60000)
	v.SetDefault("reaper.stale_after_ms", 600000)
	v.SetDefault("scraper.user_agent", "Mozilla/5.0 (compatible; insta-saver/1.0)")
	v.SetDefault("scraper.probe_timeout_ms", 15000)
	v.SetDefault("scraper.headless.enabled", true)
	v.SetDefault("scraper.headless.max_parallel", 2)
	v.SetDefault("scraper.headless.nav_timeout_ms", 45000)
	v.SetDefault("scraper.headless.settle_delay_ms", 500)
	v.SetDefault("scraper.headless.body_threshold", 2048)
	v.SetDefault("storage.provider", "none")
	v.SetDefault("storage.prefix", "results")
	v.SetDefault("pubsub.completed_topic", "content-completed")
	v.SetDefault("pubsub.evicted_topic", "content-evicted")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be > 0"))
	}
	if c.Worker.ScrapeTimeoutMs <= 0 {
		errs = append(errs, errors.New("worker.scrape_timeout_ms must be > 0"))
	}
	if c.Worker.DeliveryDelayMs < 0 {
		errs = append(errs, errors.New("worker.delivery_delay_ms must be >= 0"))
	}
	if c.Retry.Cap <= 0 {
		errs = append(errs, errors.New("retry.cap must be > 0"))
	}
	for key, ms := range map[string]int{
		"reconciler.interval_ms": c.Reconciler.IntervalMs,
		"janitor.interval_ms":    c.Janitor.IntervalMs,
		"reaper.interval_ms":     c.Reaper.IntervalMs,
	} {
		if ms <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if c.Janitor.RetentionMs < 0 {
		errs = append(errs, errors.New("janitor.retention_ms must be >= 0"))
	}
	if c.Worker.DeliverTimeoutMs <= 0 {
		errs = append(errs, errors.New("worker.deliver_timeout_ms must be > 0"))
	}
	if c.Reaper.StaleAfter() <= c.ScrapeTimeout()+c.DeliveryDelay()+c.DeliverTimeout() {
		errs = append(errs, errors.New("reaper.stale_after_ms must exceed worker.scrape_timeout_ms + worker.delivery_delay_ms + worker.deliver_timeout_ms"))
	}
	if c.Scraper.Headless.Enabled && c.Scraper.Headless.MaxParallel <= 0 {
		errs = append(errs, errors.New("scraper.headless.max_parallel must be > 0 when headless is enabled"))
	}
	switch c.Storage.Provider {
	case "", "none", "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			errs = append(errs, errors.New("storage.base_dir must be set for the local provider"))
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket must be set for the gcs provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.provider %q", c.Storage.Provider))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("unknown tracing.exporter %q", c.Tracing.Exporter))
	}
	if c.Telegram.MessagesPerSecond <= 0 {
		errs = append(errs, errors.New("telegram.messages_per_second must be > 0"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// ScrapeTimeout bounds one scrape attempt.
func (c Config) ScrapeTimeout() time.Duration { return ms(c.Worker.ScrapeTimeoutMs) }

// DeliveryDelay is the pause between scrape and delivery.
func (c Config) DeliveryDelay() time.Duration { return ms(c.Worker.DeliveryDelayMs) }

// DeliverTimeout bounds a single delivery to the chat.
func (c Config) DeliverTimeout() time.Duration { return ms(c.Worker.DeliverTimeoutMs) }

// StaleAfter is how long a record may stay PROCESSING.
func (c ReaperConfig) StaleAfter() time.Duration { return ms(c.StaleAfterMs) }

// Interval is the reaper cadence.
func (c ReaperConfig) Interval() time.Duration { return ms(c.IntervalMs) }

// Interval is the reconciliation cadence.
func (c ReconcilerConfig) Interval() time.Duration { return ms(c.IntervalMs) }

// Interval is the janitor cadence.
func (c JanitorConfig) Interval() time.Duration { return ms(c.IntervalMs) }

// Retention is how long finished job metadata is kept.
func (c JanitorConfig) Retention() time.Duration { return ms(c.RetentionMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
