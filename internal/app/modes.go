package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/copybot/internal/config"
	"github.com/alanyoungcy/copybot/internal/crypto"
	"github.com/alanyoungcy/copybot/internal/decision"
	"github.com/alanyoungcy/copybot/internal/dispatch"
	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/feed"
	"github.com/alanyoungcy/copybot/internal/metrics"
	"github.com/alanyoungcy/copybot/internal/notify"
	"github.com/alanyoungcy/copybot/internal/pipeline"
	"github.com/alanyoungcy/copybot/internal/platform/goldsky"
	"github.com/alanyoungcy/copybot/internal/platform/polygon"
	"github.com/alanyoungcy/copybot/internal/platform/polymarket"
	"github.com/alanyoungcy/copybot/internal/registry"
	"github.com/alanyoungcy/copybot/internal/sequencer"
	"github.com/alanyoungcy/copybot/internal/server"
	"github.com/alanyoungcy/copybot/internal/server/handler"
	"github.com/alanyoungcy/copybot/internal/server/ws"
	"github.com/alanyoungcy/copybot/internal/trader"
)

// dedupCleanupInterval is how often expired dispatch dedup keys are purged.
const dedupCleanupInterval = time.Minute

// jobFunc adapts a function to pipeline.Background.
type jobFunc func(ctx context.Context) error

func (f jobFunc) Run(ctx context.Context) error { return f(ctx) }

// PipelineMode runs ingestion, decisions and dispatch. With mirror unset
// every decision that would mirror becomes a notification instead.
func (a *App) PipelineMode(ctx context.Context, deps *Dependencies, mirror bool) error {
	cfg := a.cfg
	logger := a.logger
	startedAt := time.Now().UTC()
	mode := "monitor"
	if mirror {
		mode = "run"
	}

	if b := cfg.Dedup.FingerprintBucket.Duration; b > 0 {
		domain.FingerprintBucket = b
	}

	m := metrics.New()
	var flusher *metrics.Flusher
	if deps.MetricsStore != nil {
		flusher = metrics.NewFlusher(m, deps.MetricsStore, cfg.Metrics.FlushInterval.Duration, logger)
		if err := flusher.Restore(ctx); err != nil {
			logger.Warn("metrics restore failed, starting from zero", slog.String("error", err.Error()))
		}
	}

	// Registry. A roster that fails to load is a configuration error.
	reg := registry.New()
	reloader := registry.NewReloader(reg, cfg.Registry.Path, cfg.Registry.MonitoredWallets, cfg.Registry.ReloadInterval.Duration, m, logger)
	if _, err := reloader.Load(); err != nil {
		return fmt.Errorf("app: initial roster load: %w", err)
	}

	// Live feed hub. Without Redis it is also the feed destination.
	var hub *ws.Hub
	if cfg.Server.Enabled {
		var sub ws.Subscriber
		if deps.ActionBus != nil {
			sub = deps.ActionBus
		}
		hub = ws.NewHub(sub, cfg.Dispatch.FeedChannel, ws.Config{Mode: mode, StartedAt: startedAt}, logger)
	}

	// Decision.
	policy, err := buildPolicy(cfg.Decision)
	if err != nil {
		return err
	}
	policy.MirrorEnabled = policy.MirrorEnabled && mirror
	engine := decision.NewEngine(policy)
	portfolio := decision.NewPortfolio(m)
	breaker := decision.NewBreaker(decision.BreakerConfig{
		MaxConsecutiveFailures: cfg.Risk.MaxConsecutiveFailures,
		MaxDailyNotional:       cfg.Risk.MaxDailyNotional,
		Cooldown:               cfg.Risk.Cooldown.Duration,
	}, logger)
	book := trader.NewBook()

	// Dispatch.
	var feedSink dispatch.Broadcaster
	if hub != nil {
		feedSink = hub
	}
	dispatcher, execDest, err := a.buildDispatcher(deps, feedSink, m)
	if err != nil {
		return err
	}
	dispatcher.OnResult(breakerObserver(breaker, execDest, m, time.Now))

	// Ingestion.
	sup := feed.NewSupervisor(cfg.Feed.BackoffInitial.Duration, cfg.Feed.BackoffMax.Duration, cfg.Feed.DegradedAfter.Duration, m, logger)
	adapters := a.buildAdapters(deps, sup, m)

	recorder := pipeline.NewRecorder(deps.Stores.Observations, deps.Stores.Actions,
		cfg.Pipeline.RecordBatch, cfg.Pipeline.RecordFlush.Duration, m, logger)

	traderCfg := trader.Config{
		SilenceWindow:        cfg.Trader.SilenceWindow.Duration,
		LosingPnLThreshold:   cfg.Trader.LosingPnLThreshold,
		MaxConsecutiveLosses: cfg.Trader.MaxConsecutiveLosses,
		PnLWindow:            cfg.Trader.PnLWindow.Duration,
	}
	procDeps := pipeline.Deps{
		Registry:  reg,
		Engine:    engine,
		Portfolio: portfolio,
		Breaker:   breaker,
		Book:      book,
		Dispatch:  dispatcher,
		Recorder:  recorder,
		Audit:     deps.Stores.Audit,
		Metrics:   m,
		Logger:    logger,
	}
	seq := sequencer.New(sequencer.Config{
		Partitions:   cfg.Pipeline.Partitions,
		WindowSize:   cfg.Dedup.WindowSize,
		WindowAge:    cfg.Dedup.WindowAge.Duration,
		ReorderDelay: cfg.Dedup.ReorderDelay.Duration,
		SharedTTL:    cfg.Dedup.SharedTTL.Duration,
		TickInterval: cfg.Trader.SweepInterval.Duration,
	}, func(id int) sequencer.Processor {
		return pipeline.NewProcessor(id, traderCfg, procDeps)
	}, deps.SeenSet, m, logger)

	var archiver *pipeline.Archiver
	archiveCron := ""
	if cfg.Pipeline.ArchiveEnabled && deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, cfg.Pipeline.ArchiveRetentionDays, deps.LockManager, logger)
		archiveCron = cfg.Pipeline.ArchiveCron
	}

	orch := pipeline.NewOrchestrator(pipeline.Options{
		IngestBuffer:  cfg.Pipeline.IngestBuffer,
		ShutdownGrace: cfg.Pipeline.ShutdownGrace.Duration,
		DrainTimeout:  cfg.Dispatch.DrainTimeout.Duration,
		ArchiveCron:   archiveCron,
	}, adapters, reg, seq, dispatcher, recorder, archiver, sup, deps.Notifier, book, m, logger)

	orch.AddJob(reloader)
	orch.AddJob(jobFunc(func(ctx context.Context) error {
		t := time.NewTicker(dedupCleanupInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				dispatcher.Cleanup()
			}
		}
	}))
	if flusher != nil {
		orch.AddJob(flusher)
	}

	if hub != nil {
		checks := make(map[string]handler.Check, len(deps.Checks))
		for name, fn := range deps.Checks {
			checks[name] = fn
		}
		handlers := server.Handlers{
			Health:        handler.NewHealthHandler(reg, checks, mode, startedAt, logger),
			Observability: handler.NewObservabilityHandler(m, book, reg, sup, logger),
			DeadLetters:   handler.NewDeadLetterHandler(deps.Stores.DeadLetters, dispatcher, logger),
			History:       handler.NewHistoryHandler(deps.Stores, logger),
		}
		srv := server.NewServer(server.Config{
			Port:        cfg.Server.Port,
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.APIKey,
			RateLimit:   cfg.Server.RateLimit,
		}, handlers, hub, deps.RateLimiter, logger)
		orch.AddJob(hub)
		orch.AddJob(srv)
	}

	dispatcher.Start()
	logger.Info("pipeline wired",
		slog.String("mode", mode),
		slog.Bool("mirroring", policy.MirrorEnabled),
		slog.Int("sources", len(adapters)),
		slog.Any("destinations", dispatcher.Destinations()),
	)
	return orch.Run(ctx)
}

func buildPolicy(d config.DecisionConfig) (decision.Policy, error) {
	classes := make([]domain.Classification, 0, len(d.MirrorClasses))
	for _, name := range d.MirrorClasses {
		c, err := domain.ParseClassification(name)
		if err != nil {
			return decision.Policy{}, fmt.Errorf("app: mirror_classes: %w", err)
		}
		classes = append(classes, c)
	}
	return decision.Policy{
		MirrorEnabled:      d.MirrorEnabled,
		Capital:            d.Capital,
		RiskFraction:       d.RiskFraction,
		MaxTradeFraction:   d.MaxTradeFraction,
		MaxMirroredTraders: d.MaxMirroredTraders,
		StalenessThreshold: d.StalenessThreshold.Duration,
		MinOrderNotional:   d.MinOrderNotional,
		MirrorLosing:       d.MirrorLosing,
		MirrorClasses:      classes,
	}, nil
}

// breakerObserver feeds execution outcomes of the execution destination into
// the breaker. Other guaranteed destinations carry the same mirror and are
// ignored so notional is counted once.
func breakerObserver(b *decision.Breaker, execDest string, m *metrics.Registry, now func() time.Time) dispatch.ResultFunc {
	return func(dest string, act domain.Action, err error) {
		if dest != execDest {
			return
		}
		var tripped bool
		switch {
		case err != nil:
			tripped = b.RecordFailure(now())
		case act.Mirror != nil:
			tripped = b.RecordSuccess(act.Mirror.Notional, now())
		}
		if tripped {
			m.Inc(metrics.Alerts, "kind", "circuit_open")
		}
	}
}

// buildDispatcher registers every configured destination and names the one
// that stands for execution: the webhook when set, else the Redis stream.
// feedSink carries the live feed when Redis is off; it may be nil.
func (a *App) buildDispatcher(deps *Dependencies, feedSink dispatch.Broadcaster, m *metrics.Registry) (*dispatch.Dispatcher, string, error) {
	cfg := a.cfg.Dispatch

	var archiver domain.Archiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}
	d := dispatch.New(dispatch.Config{
		QueueSize:  cfg.QueueSize,
		Workers:    cfg.Workers,
		RatePerSec: cfg.RatePerSec,
		Burst:      cfg.Burst,
		Retry: dispatch.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			Initial:     cfg.RetryInitial.Duration,
			Max:         cfg.RetryMax.Duration,
		},
	}, deps.Stores.DeadLetters, archiver, deps.Notifier, m, a.logger)

	var execDest string
	if deps.ActionBus != nil {
		stream := dispatch.NewStreamDestination(deps.ActionBus, cfg.Stream)
		d.Register(stream, dispatch.Guaranteed)
		execDest = stream.Name()
		feedSink = deps.ActionBus
	}
	if cfg.WebhookURL != "" {
		secret, err := crypto.LoadSecret(cfg.WebhookSecret, cfg.WebhookSecretFile, cfg.SecretPassword)
		if err != nil {
			return nil, "", fmt.Errorf("app: webhook secret: %w", err)
		}
		hook := dispatch.NewWebhookDestination(cfg.WebhookURL, crypto.NewSigner(secret))
		d.Register(hook, dispatch.Guaranteed)
		execDest = hook.Name()
	}
	d.Register(dispatch.NewNotifyDestination(deps.Notifier, notify.NewClassFilter(a.cfg.Notify.Classes), cfg.NotifyMirrors), dispatch.Retried)
	if feedSink != nil {
		d.Register(dispatch.NewFeedDestination(feedSink, cfg.FeedChannel), dispatch.BestEffort)
	}
	return d, execDest, nil
}

// buildAdapters creates every enabled event source.
func (a *App) buildAdapters(deps *Dependencies, sup *feed.Supervisor, m *metrics.Registry) []feed.Adapter {
	fc := a.cfg.Feed
	logger := a.logger
	var adapters []feed.Adapter

	if fc.Chain.Enabled {
		dial := func(ctx context.Context) (feed.FillSubscriber, error) {
			c, err := polygon.Dial(ctx, fc.Chain.WSURL, fc.Chain.Exchanges)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
		adapters = append(adapters, feed.NewChainAdapter(dial, fc.Chain.CoalesceWindow.Duration, sup, m, logger))
	}
	if fc.LiveFeed.Enabled {
		adapters = append(adapters, feed.NewLiveFeedAdapter(polymarket.NewLiveDataClient(fc.LiveFeed.URL), sup, m, logger))
	}

	var data *polymarket.DataClient
	if fc.DataAPI.Enabled || fc.Positions.Enabled {
		data = polymarket.NewDataClient(fc.DataAPI.BaseURL, fc.DataAPI.RatePerSec, fc.DataAPI.Burst)
	}
	if fc.DataAPI.Enabled {
		var shared *feed.SharedLimit
		if deps.RateLimiter != nil && fc.DataAPI.SharedRateLimit > 0 {
			shared = &feed.SharedLimit{
				Limiter: deps.RateLimiter,
				Key:     "data-api",
				Limit:   fc.DataAPI.SharedRateLimit,
				Window:  time.Minute,
			}
		}
		adapters = append(adapters, feed.NewDataAPIAdapter(data, fc.DataAPI.PollInterval(), fc.DataAPI.Limit, shared, sup, m, logger))
	}
	if fc.Subgraph.Enabled {
		client := goldsky.NewClient(fc.Subgraph.URL, fc.Subgraph.APIKey)
		adapters = append(adapters, feed.NewSubgraphAdapter(client, fc.Subgraph.Interval.Duration, fc.Subgraph.BatchSize, sup, m, logger))
	}
	if fc.Positions.Enabled {
		adapters = append(adapters, feed.NewPositionsAdapter(data, fc.Positions.Interval.Duration, fc.Positions.MinPositionValue, sup, m, logger))
	}
	return adapters
}
