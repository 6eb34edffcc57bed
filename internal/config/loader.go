package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies COPYBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known COPYBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). The unprefixed MONITORED_WALLETS, SCAN_INTERVAL, MIN_POSITION_VALUE
// and TELEGRAM_* names from the older monitor scripts are honoured first so
// existing env files keep working.
func applyEnvOverrides(cfg *Config) {
	// ── Legacy monitor names ──
	setStringSlice(&cfg.Registry.MonitoredWallets, "MONITORED_WALLETS")
	setDuration(&cfg.Feed.DataAPI.Interval, "SCAN_INTERVAL")
	setFloat64(&cfg.Feed.Positions.MinPositionValue, "MIN_POSITION_VALUE")
	setStr(&cfg.Notify.TelegramToken, "TELEGRAM_BOT_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TELEGRAM_CHAT_ID")

	// ── Registry ──
	setStr(&cfg.Registry.Path, "COPYBOT_REGISTRY_PATH")
	setDuration(&cfg.Registry.ReloadInterval, "COPYBOT_REGISTRY_RELOAD_INTERVAL")
	setStringSlice(&cfg.Registry.MonitoredWallets, "COPYBOT_REGISTRY_MONITORED_WALLETS")

	// ── Feeds ──
	setBool(&cfg.Feed.Chain.Enabled, "COPYBOT_FEED_CHAIN_ENABLED")
	setStr(&cfg.Feed.Chain.WSURL, "COPYBOT_FEED_CHAIN_WS_URL")
	setBool(&cfg.Feed.LiveFeed.Enabled, "COPYBOT_FEED_LIVEFEED_ENABLED")
	setStr(&cfg.Feed.LiveFeed.URL, "COPYBOT_FEED_LIVEFEED_URL")
	setBool(&cfg.Feed.DataAPI.Enabled, "COPYBOT_FEED_DATA_API_ENABLED")
	setStr(&cfg.Feed.DataAPI.BaseURL, "COPYBOT_FEED_DATA_API_BASE_URL")
	setBool(&cfg.Feed.DataAPI.Fast, "COPYBOT_FEED_DATA_API_FAST")
	setDuration(&cfg.Feed.DataAPI.Interval, "COPYBOT_FEED_DATA_API_INTERVAL")
	setFloat64(&cfg.Feed.DataAPI.RatePerSec, "COPYBOT_FEED_DATA_API_RATE_PER_SEC")
	setInt(&cfg.Feed.DataAPI.SharedRateLimit, "COPYBOT_FEED_DATA_API_SHARED_RATE_LIMIT")
	setBool(&cfg.Feed.Subgraph.Enabled, "COPYBOT_FEED_SUBGRAPH_ENABLED")
	setStr(&cfg.Feed.Subgraph.URL, "COPYBOT_FEED_SUBGRAPH_URL")
	setStr(&cfg.Feed.Subgraph.APIKey, "COPYBOT_FEED_SUBGRAPH_API_KEY")
	setBool(&cfg.Feed.Positions.Enabled, "COPYBOT_FEED_POSITIONS_ENABLED")
	setFloat64(&cfg.Feed.Positions.MinPositionValue, "COPYBOT_FEED_POSITIONS_MIN_POSITION_VALUE")
	setDuration(&cfg.Feed.DegradedAfter, "COPYBOT_FEED_DEGRADED_AFTER")

	// ── Dedup ──
	setInt(&cfg.Dedup.WindowSize, "COPYBOT_DEDUP_WINDOW_SIZE")
	setDuration(&cfg.Dedup.WindowAge, "COPYBOT_DEDUP_WINDOW_AGE")
	setDuration(&cfg.Dedup.ReorderDelay, "COPYBOT_DEDUP_REORDER_DELAY")
	setDuration(&cfg.Dedup.SharedTTL, "COPYBOT_DEDUP_SHARED_TTL")

	// ── Trader ──
	setDuration(&cfg.Trader.SilenceWindow, "COPYBOT_TRADER_SILENCE_WINDOW")
	setFloat64(&cfg.Trader.LosingPnLThreshold, "COPYBOT_TRADER_LOSING_PNL_THRESHOLD")
	setInt(&cfg.Trader.MaxConsecutiveLosses, "COPYBOT_TRADER_MAX_CONSECUTIVE_LOSSES")

	// ── Decision ──
	setBool(&cfg.Decision.MirrorEnabled, "COPYBOT_DECISION_MIRROR_ENABLED")
	setFloat64(&cfg.Decision.Capital, "COPYBOT_DECISION_CAPITAL")
	setFloat64(&cfg.Decision.RiskFraction, "COPYBOT_DECISION_RISK_FRACTION")
	setFloat64(&cfg.Decision.MaxTradeFraction, "COPYBOT_DECISION_MAX_TRADE_FRACTION")
	setInt(&cfg.Decision.MaxMirroredTraders, "COPYBOT_DECISION_MAX_MIRRORED_TRADERS")
	setDuration(&cfg.Decision.StalenessThreshold, "COPYBOT_DECISION_STALENESS_THRESHOLD")
	setStringSlice(&cfg.Decision.MirrorClasses, "COPYBOT_DECISION_MIRROR_CLASSES")

	// ── Risk ──
	setInt(&cfg.Risk.MaxConsecutiveFailures, "COPYBOT_RISK_MAX_CONSECUTIVE_FAILURES")
	setFloat64(&cfg.Risk.MaxDailyNotional, "COPYBOT_RISK_MAX_DAILY_NOTIONAL")

	// ── Dispatch ──
	setInt(&cfg.Dispatch.QueueSize, "COPYBOT_DISPATCH_QUEUE_SIZE")
	setInt(&cfg.Dispatch.Workers, "COPYBOT_DISPATCH_WORKERS")
	setInt(&cfg.Dispatch.MaxAttempts, "COPYBOT_DISPATCH_MAX_ATTEMPTS")
	setStr(&cfg.Dispatch.WebhookURL, "COPYBOT_DISPATCH_WEBHOOK_URL")
	setStr(&cfg.Dispatch.WebhookSecret, "COPYBOT_DISPATCH_WEBHOOK_SECRET")
	setStr(&cfg.Dispatch.WebhookSecretFile, "COPYBOT_DISPATCH_WEBHOOK_SECRET_FILE")
	setStr(&cfg.Dispatch.SecretPassword, "COPYBOT_SECRET_PASSWORD")

	// ── Pipeline ──
	setInt(&cfg.Pipeline.Partitions, "COPYBOT_PIPELINE_PARTITIONS")
	setBool(&cfg.Pipeline.ArchiveEnabled, "COPYBOT_PIPELINE_ARCHIVE_ENABLED")
	setInt(&cfg.Pipeline.ArchiveRetentionDays, "COPYBOT_PIPELINE_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Pipeline.ArchiveCron, "COPYBOT_PIPELINE_ARCHIVE_CRON")

	// ── Store ──
	setStr(&cfg.Store.Driver, "COPYBOT_STORE_DRIVER")
	setStr(&cfg.Store.SQLitePath, "COPYBOT_STORE_SQLITE_PATH")
	setStr(&cfg.Postgres.DSN, "COPYBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "COPYBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COPYBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COPYBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COPYBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COPYBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COPYBOT_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "COPYBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "COPYBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.URL, "COPYBOT_REDIS_URL")
	setStr(&cfg.Redis.Addr, "COPYBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COPYBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COPYBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "COPYBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "COPYBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "COPYBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COPYBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "COPYBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COPYBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COPYBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COPYBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COPYBOT_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "COPYBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "COPYBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "COPYBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "COPYBOT_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "COPYBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "COPYBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "COPYBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "COPYBOT_NOTIFY_EVENTS")
	setStringSlice(&cfg.Notify.Classes, "COPYBOT_NOTIFY_CLASSES")
	setDuration(&cfg.Notify.Cooldown, "COPYBOT_NOTIFY_COOLDOWN")

	// ── Top-level ──
	setStr(&cfg.Mode, "COPYBOT_MODE")
	setStr(&cfg.LogLevel, "COPYBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		} else if n, err := strconv.Atoi(v); err == nil {
			dst.Duration = time.Duration(n) * time.Second
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
