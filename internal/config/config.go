// Package config defines the top-level configuration for copybot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COPYBOT_* environment variables.
type Config struct {
	Registry RegistryConfig `toml:"registry"`
	Feed     FeedConfig     `toml:"feed"`
	Dedup    DedupConfig    `toml:"dedup"`
	Trader   TraderConfig   `toml:"trader"`
	Decision DecisionConfig `toml:"decision"`
	Risk     RiskConfig     `toml:"risk"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// RegistryConfig locates the curated trader roster.
type RegistryConfig struct {
	Path           string   `toml:"path"`
	ReloadInterval duration `toml:"reload_interval"`
	// MonitoredWallets is the legacy comma list; entries default to unverified.
	MonitoredWallets []string `toml:"monitored_wallets"`
}

// FeedConfig holds every event source adapter.
type FeedConfig struct {
	Chain          ChainFeedConfig     `toml:"chain"`
	LiveFeed       LiveFeedConfig      `toml:"livefeed"`
	DataAPI        DataAPIConfig       `toml:"data_api"`
	Subgraph       SubgraphConfig      `toml:"subgraph"`
	Positions      PositionsFeedConfig `toml:"positions"`
	BackoffInitial duration            `toml:"backoff_initial"`
	BackoffMax     duration            `toml:"backoff_max"`
	DegradedAfter  duration            `toml:"degraded_after"`
}

// ChainFeedConfig is the Polygon log subscription.
type ChainFeedConfig struct {
	Enabled        bool     `toml:"enabled"`
	WSURL          string   `toml:"ws_url"`
	Exchanges      []string `toml:"exchanges"`
	CoalesceWindow duration `toml:"coalesce_window"`
}

// LiveFeedConfig is the Polymarket live-data websocket.
type LiveFeedConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
}

// DataAPIConfig is the trades poller against data-api.polymarket.com.
type DataAPIConfig struct {
	Enabled      bool     `toml:"enabled"`
	BaseURL      string   `toml:"base_url"`
	Fast         bool     `toml:"fast"`
	Interval     duration `toml:"interval"`
	FastInterval duration `toml:"fast_interval"`
	Limit        int      `toml:"limit"`
	RatePerSec   float64  `toml:"rate_per_sec"`
	Burst        int      `toml:"burst"`
	// SharedRateLimit caps requests per minute across processes through Redis. 0 disables it.
	SharedRateLimit int `toml:"shared_rate_limit"`
}

// SubgraphConfig is the Goldsky orderbook subgraph poller.
type SubgraphConfig struct {
	Enabled   bool     `toml:"enabled"`
	URL       string   `toml:"url"`
	APIKey    string   `toml:"api_key"`
	Interval  duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
}

// PositionsFeedConfig is the position-diff poller.
type PositionsFeedConfig struct {
	Enabled          bool     `toml:"enabled"`
	Interval         duration `toml:"interval"`
	MinPositionValue float64  `toml:"min_position_value"`
}

// DedupConfig bounds the per-address recency window and reorder buffer.
type DedupConfig struct {
	WindowSize        int      `toml:"window_size"`
	WindowAge         duration `toml:"window_age"`
	ReorderDelay      duration `toml:"reorder_delay"`
	SharedTTL         duration `toml:"shared_ttl"`
	FingerprintBucket duration `toml:"fingerprint_bucket"`
}

// TraderConfig tunes the trader state machine.
type TraderConfig struct {
	SilenceWindow        duration `toml:"silence_window"`
	LosingPnLThreshold   float64  `toml:"losing_pnl_threshold"`
	MaxConsecutiveLosses int      `toml:"max_consecutive_losses"`
	PnLWindow            duration `toml:"pnl_window"`
	SweepInterval        duration `toml:"sweep_interval"`
}

// DecisionConfig is the copy policy.
type DecisionConfig struct {
	MirrorEnabled      bool     `toml:"mirror_enabled"`
	Capital            float64  `toml:"capital"`
	RiskFraction       float64  `toml:"risk_fraction"`
	MaxTradeFraction   float64  `toml:"max_trade_fraction"`
	MaxMirroredTraders int      `toml:"max_mirrored_traders"`
	StalenessThreshold duration `toml:"staleness_threshold"`
	MinOrderNotional   float64  `toml:"min_order_notional"`
	MirrorLosing       bool     `toml:"mirror_losing"`
	MirrorClasses      []string `toml:"mirror_classes"`
}

// RiskConfig drives the execution circuit breaker.
type RiskConfig struct {
	MaxConsecutiveFailures int      `toml:"max_consecutive_failures"`
	MaxDailyNotional       float64  `toml:"max_daily_notional"`
	Cooldown               duration `toml:"cooldown"`
}

// DispatchConfig configures destinations and their retry policy.
type DispatchConfig struct {
	QueueSize     int      `toml:"queue_size"`
	Workers       int      `toml:"workers"`
	RatePerSec    float64  `toml:"rate_per_sec"`
	Burst         int      `toml:"burst"`
	MaxAttempts   int      `toml:"max_attempts"`
	RetryInitial  duration `toml:"retry_initial"`
	RetryMax      duration `toml:"retry_max"`
	DrainTimeout  duration `toml:"drain_timeout"`
	NotifyMirrors bool     `toml:"notify_mirrors"`
	Stream        string   `toml:"stream"`
	FeedChannel   string   `toml:"feed_channel"`
	WebhookURL    string   `toml:"webhook_url"`
	WebhookSecret string   `toml:"webhook_secret"`
	// WebhookSecretFile is a sealed secret file used when WebhookSecret is
	// empty. It is opened with SecretPassword.
	WebhookSecretFile string `toml:"webhook_secret_file"`
	SecretPassword    string `toml:"-"`
}

// PipelineConfig sizes the ingestion pipeline and its background jobs.
type PipelineConfig struct {
	Partitions           int      `toml:"partitions"`
	IngestBuffer         int      `toml:"ingest_buffer"`
	ShutdownGrace        duration `toml:"shutdown_grace"`
	RecordBatch          int      `toml:"record_batch"`
	RecordFlush          duration `toml:"record_flush"`
	ArchiveEnabled       bool     `toml:"archive_enabled"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	ArchiveCron          string   `toml:"archive_cron"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver     string `toml:"driver"` // postgres | sqlite
	SQLitePath string `toml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled bool `toml:"enabled"`
	// URL (redis:// or rediss://) replaces Addr, Password and DB when set.
	URL        string `toml:"url"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit caps requests per client IP per minute when Redis is
	// enabled. Zero disables it.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// Classes limits trade messages to these classifications. Empty means all.
	Classes []string `toml:"classes"`
	// Cooldown suppresses an identical message repeated within the window.
	Cooldown duration `toml:"cooldown"`
}

// MetricsConfig controls counter persistence.
type MetricsConfig struct {
	FlushInterval duration `toml:"flush_interval"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Registry: RegistryConfig{
			Path:           "traders.csv",
			ReloadInterval: duration{time.Minute},
		},
		Feed: FeedConfig{
			Chain: ChainFeedConfig{
				Enabled: false,
				Exchanges: []string{
					"0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E", // CTFExchange
					"0xC5d563A36AE78145C45a50134d48A1215220f80a", // NegRiskCTFExchange
				},
				CoalesceWindow: duration{150 * time.Millisecond},
			},
			LiveFeed: LiveFeedConfig{
				Enabled: true,
				URL:     "wss://ws-live-data.polymarket.com/",
			},
			DataAPI: DataAPIConfig{
				Enabled:      true,
				BaseURL:      "https://data-api.polymarket.com",
				Interval:     duration{60 * time.Second},
				FastInterval: duration{10 * time.Second},
				Limit:        50,
				RatePerSec:   5,
				Burst:        5,
			},
			Subgraph: SubgraphConfig{
				Enabled:   false,
				Interval:  duration{30 * time.Second},
				BatchSize: 500,
			},
			Positions: PositionsFeedConfig{
				Enabled:          false,
				Interval:         duration{60 * time.Second},
				MinPositionValue: 10,
			},
			BackoffInitial: duration{2 * time.Second},
			BackoffMax:     duration{60 * time.Second},
			DegradedAfter:  duration{2 * time.Minute},
		},
		Dedup: DedupConfig{
			WindowSize:        512,
			WindowAge:         duration{10 * time.Minute},
			ReorderDelay:      duration{50 * time.Millisecond},
			SharedTTL:         duration{0},
			FingerprintBucket: duration{time.Minute},
		},
		Trader: TraderConfig{
			SilenceWindow:        duration{72 * time.Hour},
			LosingPnLThreshold:   -500,
			MaxConsecutiveLosses: 5,
			PnLWindow:            duration{7 * 24 * time.Hour},
			SweepInterval:        duration{time.Minute},
		},
		Decision: DecisionConfig{
			MirrorEnabled:      true,
			Capital:            1000,
			RiskFraction:       0.05,
			MaxTradeFraction:   0.10,
			MaxMirroredTraders: 3,
			StalenessThreshold: duration{30 * time.Second},
			MinOrderNotional:   1,
			MirrorLosing:       false,
			MirrorClasses: []string{
				string(domain.ClassHFArbitrage),
				string(domain.ClassNicheAsymmetric),
				string(domain.ClassNegRisk),
				string(domain.ClassBasic),
			},
		},
		Risk: RiskConfig{
			MaxConsecutiveFailures: 5,
			MaxDailyNotional:       100,
			Cooldown:               duration{15 * time.Minute},
		},
		Dispatch: DispatchConfig{
			QueueSize:     100,
			Workers:       2,
			RatePerSec:    10,
			Burst:         5,
			MaxAttempts:   3,
			RetryInitial:  duration{2 * time.Second},
			RetryMax:      duration{30 * time.Second},
			DrainTimeout:  duration{5 * time.Second},
			NotifyMirrors: true,
			Stream:        "copybot:actions:mirror",
			FeedChannel:   "copybot:actions",
		},
		Pipeline: PipelineConfig{
			Partitions:           8,
			IngestBuffer:         1024,
			ShutdownGrace:        duration{5 * time.Second},
			RecordBatch:          200,
			RecordFlush:          duration{2 * time.Second},
			ArchiveEnabled:       false,
			ArchiveRetentionDays: 30,
			ArchiveCron:          "0 3 * * *",
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "copybot.db",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "copybot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "copybot-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events:   []string{"trade", "mirror", "dead_letter", "source_degraded", "error"},
			Cooldown: duration{5 * time.Minute},
		},
		Metrics: MetricsConfig{
			FlushInterval: duration{30 * time.Second},
		},
		Mode:     "run",
		LogLevel: "info",
	}
}

// PollInterval is the data-api interval for the configured speed.
func (c DataAPIConfig) PollInterval() time.Duration {
	if c.Fast {
		return c.FastInterval.Duration
	}
	return c.Interval.Duration
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":         true,
	"monitor":     true,
	"roster":      true,
	"deadletters": true,
	"seal":        true,
	"stream":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, monitor, roster, deadletters, seal, stream)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Registry
	if c.Registry.Path == "" && len(c.Registry.MonitoredWallets) == 0 {
		errs = append(errs, "registry: path or monitored_wallets must be set")
	}
	if c.Registry.ReloadInterval.Duration <= 0 {
		errs = append(errs, "registry: reload_interval must be > 0")
	}

	// Feeds
	f := c.Feed
	if !f.Chain.Enabled && !f.LiveFeed.Enabled && !f.DataAPI.Enabled && !f.Subgraph.Enabled && !f.Positions.Enabled {
		errs = append(errs, "feed: at least one source must be enabled")
	}
	if f.Chain.Enabled {
		if f.Chain.WSURL == "" {
			errs = append(errs, "feed.chain: ws_url is required when enabled")
		}
		if len(f.Chain.Exchanges) == 0 {
			errs = append(errs, "feed.chain: exchanges must not be empty")
		}
		for _, ex := range f.Chain.Exchanges {
			if _, err := domain.ParseAddress(ex); err != nil {
				errs = append(errs, fmt.Sprintf("feed.chain: exchange %q is not an address", ex))
			}
		}
	}
	if f.LiveFeed.Enabled && f.LiveFeed.URL == "" {
		errs = append(errs, "feed.livefeed: url is required when enabled")
	}
	if f.DataAPI.Enabled || f.Positions.Enabled {
		if f.DataAPI.BaseURL == "" {
			errs = append(errs, "feed.data_api: base_url is required")
		}
		if f.DataAPI.RatePerSec <= 0 {
			errs = append(errs, "feed.data_api: rate_per_sec must be > 0")
		}
	}
	if f.DataAPI.Enabled && f.DataAPI.PollInterval() <= 0 {
		errs = append(errs, "feed.data_api: poll interval must be > 0")
	}
	if f.Subgraph.Enabled && f.Subgraph.URL == "" {
		errs = append(errs, "feed.subgraph: url is required when enabled")
	}
	if f.Positions.Enabled && f.Positions.Interval.Duration <= 0 {
		errs = append(errs, "feed.positions: interval must be > 0")
	}
	if f.BackoffInitial.Duration <= 0 || f.BackoffMax.Duration < f.BackoffInitial.Duration {
		errs = append(errs, "feed: backoff_initial must be > 0 and <= backoff_max")
	}

	// Dedup
	if c.Dedup.WindowSize < 1 {
		errs = append(errs, "dedup: window_size must be >= 1")
	}
	if c.Dedup.WindowAge.Duration <= 0 {
		errs = append(errs, "dedup: window_age must be > 0")
	}
	if c.Dedup.ReorderDelay.Duration < 0 || c.Dedup.ReorderDelay.Duration >= c.Dedup.WindowAge.Duration {
		errs = append(errs, "dedup: reorder_delay must be >= 0 and below window_age")
	}

	// Trader
	if c.Trader.SilenceWindow.Duration <= 0 {
		errs = append(errs, "trader: silence_window must be > 0")
	}
	if c.Trader.LosingPnLThreshold >= 0 {
		errs = append(errs, "trader: losing_pnl_threshold must be negative")
	}
	if c.Trader.PnLWindow.Duration <= 0 {
		errs = append(errs, "trader: pnl_window must be > 0")
	}

	// Decision
	d := c.Decision
	if d.Capital <= 0 {
		errs = append(errs, "decision: capital must be > 0")
	}
	if d.RiskFraction <= 0 || d.RiskFraction > 1 {
		errs = append(errs, "decision: risk_fraction must be in (0, 1]")
	}
	if d.MaxTradeFraction <= 0 || d.MaxTradeFraction > 1 {
		errs = append(errs, "decision: max_trade_fraction must be in (0, 1]")
	}
	if d.MaxMirroredTraders < 1 {
		errs = append(errs, "decision: max_mirrored_traders must be >= 1")
	}
	if d.StalenessThreshold.Duration <= 0 {
		errs = append(errs, "decision: staleness_threshold must be > 0")
	}
	for _, cl := range d.MirrorClasses {
		if _, err := domain.ParseClassification(cl); err != nil {
			errs = append(errs, fmt.Sprintf("decision: mirror_classes: %v", err))
		}
	}

	// Dispatch
	if c.Dispatch.QueueSize < 1 || c.Dispatch.Workers < 1 {
		errs = append(errs, "dispatch: queue_size and workers must be >= 1")
	}
	if c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, "dispatch: max_attempts must be >= 1")
	}
	if c.Dispatch.RatePerSec <= 0 {
		errs = append(errs, "dispatch: rate_per_sec must be > 0")
	}
	if c.Decision.MirrorEnabled && !c.Redis.Enabled && c.Dispatch.WebhookURL == "" && strings.ToLower(c.Mode) == "run" {
		errs = append(errs, "dispatch: mirroring needs an execution destination (redis.enabled or dispatch.webhook_url)")
	}
	if c.Dispatch.WebhookURL != "" && c.Dispatch.WebhookSecret == "" && c.Dispatch.WebhookSecretFile == "" {
		errs = append(errs, "dispatch: webhook_secret or webhook_secret_file is required with webhook_url")
	}
	if c.Dispatch.WebhookSecretFile != "" && c.Dispatch.SecretPassword == "" {
		errs = append(errs, "dispatch: COPYBOT_SECRET_PASSWORD is required to open webhook_secret_file")
	}

	// Pipeline
	if c.Pipeline.Partitions < 1 {
		errs = append(errs, "pipeline: partitions must be >= 1")
	}
	if c.Pipeline.IngestBuffer < 1 {
		errs = append(errs, "pipeline: ingest_buffer must be >= 1")
	}
	if c.Pipeline.ArchiveEnabled {
		if !c.S3.Enabled {
			errs = append(errs, "pipeline: archive_enabled requires s3.enabled")
		}
		if c.Pipeline.ArchiveRetentionDays < 1 {
			errs = append(errs, "pipeline: archive_retention_days must be >= 1")
		}
		if len(strings.Fields(c.Pipeline.ArchiveCron)) != 5 {
			errs = append(errs, "pipeline: archive_cron must have 5 fields")
		}
	}

	// Store
	switch strings.ToLower(c.Store.Driver) {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store: sqlite_path must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, sqlite)", c.Store.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" && c.Redis.URL == "" {
			errs = append(errs, "redis: addr or url must be set")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}
	if c.Dedup.SharedTTL.Duration > 0 && !c.Redis.Enabled {
		errs = append(errs, "dedup: shared_ttl requires redis.enabled")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, fmt.Sprintf("server: rate_limit must be >= 0, got %d", c.Server.RateLimit))
		}
	}

	if c.Notify.Cooldown.Duration < 0 {
		errs = append(errs, "notify: cooldown must be >= 0")
	}
	for _, cl := range c.Notify.Classes {
		if _, err := domain.ParseClassification(cl); err != nil {
			errs = append(errs, fmt.Sprintf("notify: classes: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
