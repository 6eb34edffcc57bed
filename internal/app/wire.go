package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/copybot/internal/blob/s3"
	"github.com/alanyoungcy/copybot/internal/cache/redis"
	"github.com/alanyoungcy/copybot/internal/config"
	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/notify"
	"github.com/alanyoungcy/copybot/internal/store/postgres"
	"github.com/alanyoungcy/copybot/internal/store/sqlite"
)

// Dependencies bundles the infrastructure the modes run on. Optional parts
// are nil when their backend is disabled.
type Dependencies struct {
	Stores domain.Stores

	// Redis
	SeenSet      domain.SeenSet
	ActionBus    domain.ActionBus
	RateLimiter  domain.RateLimiter
	LockManager  domain.LockManager
	MetricsStore domain.MetricsStore

	// Object storage
	Archive  domain.ObjectStore
	Archiver *s3blob.Archiver

	Notifier *notify.Notifier

	// Checks are the readiness probes of every connected backend.
	Checks map[string]func(context.Context) error
}

// needsStore reports whether mode touches persistence.
func needsStore(mode string) bool {
	switch mode {
	case "run", "monitor", "deadletters":
		return true
	default:
		return false
	}
}

// Wire builds every enabled backend for mode and returns a cleanup that
// closes them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{Checks: make(map[string]func(context.Context) error)}

	// --- Persistence ---
	if needsStore(mode) {
		switch strings.ToLower(cfg.Store.Driver) {
		case "postgres":
			pg, err := postgres.New(ctx, postgres.ClientConfig{
				DSN:      cfg.Postgres.DSN,
				Host:     cfg.Postgres.Host,
				Port:     cfg.Postgres.Port,
				Database: cfg.Postgres.Database,
				User:     cfg.Postgres.User,
				Password: cfg.Postgres.Password,
				SSLMode:  cfg.Postgres.SSLMode,
				MaxConns: cfg.Postgres.PoolMaxConns,
				MinConns: cfg.Postgres.PoolMinConns,
			})
			if err != nil {
				return fail(fmt.Errorf("wire: postgres: %w", err))
			}
			closers = append(closers, pg.Close)
			if cfg.Postgres.RunMigrations {
				if err := pg.RunMigrations(ctx); err != nil {
					return fail(fmt.Errorf("wire: postgres migrations: %w", err))
				}
			}
			deps.Stores = pg.Stores()
			deps.Checks["postgres"] = pg.Ping
		default:
			db, err := sqlite.Open(cfg.Store.SQLitePath)
			if err != nil {
				return fail(fmt.Errorf("wire: sqlite: %w", err))
			}
			closers = append(closers, func() { _ = db.Close() })
			deps.Stores = db.Stores()
			deps.Checks["sqlite"] = db.Ping
		}
		logger.Info("store ready", slog.String("driver", cfg.Store.Driver))
	}

	// --- Redis ---
	if cfg.Redis.Enabled && mode != "roster" && mode != "seal" {
		rc, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.SeenSet = redis.NewSeenSet(rc)
		deps.ActionBus = redis.NewActionBus(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.LockManager = redis.NewLockManager(rc)
		deps.MetricsStore = redis.NewMetricsStore(rc)
		deps.Checks["redis"] = rc.Ping
		logger.Info("redis ready", slog.String("addr", rc.Addr()))
	}

	// --- S3 ---
	if cfg.S3.Enabled && needsStore(mode) {
		bucket, err := s3blob.Open(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Checks["s3"] = bucket.Health
		deps.Archive = bucket
		deps.Archiver = s3blob.NewArchiver(bucket, deps.Stores.Observations, deps.Stores.Audit, logger)
		logger.Info("object storage ready", slog.String("bucket", bucket.Name()))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger).WithCooldown(cfg.Notify.Cooldown.Duration)

	return deps, cleanup, nil
}
