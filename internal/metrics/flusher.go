package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Flusher periodically persists the registry so counters survive restarts
// and other processes can read them.
type Flusher struct {
	reg      *Registry
	store    domain.MetricsStore
	interval time.Duration
	logger   *slog.Logger
}

// NewFlusher creates a Flusher. interval <= 0 defaults to 30s.
func NewFlusher(reg *Registry, store domain.MetricsStore, interval time.Duration, logger *slog.Logger) *Flusher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Flusher{reg: reg, store: store, interval: interval, logger: logger.With(slog.String("component", "metrics_flusher"))}
}

// Restore loads the last persisted counters into the registry.
func (f *Flusher) Restore(ctx context.Context) error {
	values, err := f.store.Load(ctx)
	if err != nil {
		return err
	}
	f.reg.Restore(values, GaugeNames()...)
	return nil
}

// Run flushes on every tick and once more on shutdown.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			f.flush(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

func (f *Flusher) flush(ctx context.Context) {
	if err := f.store.Save(ctx, f.reg.Snapshot()); err != nil {
		f.logger.Warn("metrics flush failed", slog.String("error", err.Error()))
	}
}
