package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
	"github.com/alanyoungcy/copybot/internal/platform/polymarket"
)

// TradesFetcher lists the recent trades of one user, newest first.
type TradesFetcher interface {
	GetTrades(ctx context.Context, user domain.Address, limit int) ([]polymarket.APITrade, error)
}

// SharedLimit is the optional cross-process request budget.
type SharedLimit struct {
	Limiter domain.RateLimiter
	Key     string
	Limit   int
	Window  time.Duration
}

// DataAPIAdapter polls per-user trade history. The first poll of every
// address only records what is already there.
type DataAPIAdapter struct {
	base
	client   TradesFetcher
	interval time.Duration
	limit    int
	shared   *SharedLimit

	// seen holds the trade keys of the last page per address; touched only
	// by the session goroutine.
	seen map[domain.Address]map[string]bool
}

// NewDataAPIAdapter creates the data API poller. shared may be nil.
func NewDataAPIAdapter(client TradesFetcher, interval time.Duration, limit int, shared *SharedLimit, sup *Supervisor, m *metrics.Registry, logger *slog.Logger) *DataAPIAdapter {
	return &DataAPIAdapter{
		base:     newBase(domain.SourceDataAPI, sup, m, logger),
		client:   client,
		interval: interval,
		limit:    limit,
		shared:   shared,
		seen:     make(map[domain.Address]map[string]bool),
	}
}

// Subscribe starts the adapter.
func (a *DataAPIAdapter) Subscribe(ctx context.Context, reg SnapshotSource) <-chan domain.TradeObservation {
	return a.start(ctx, reg, a.run)
}

func (a *DataAPIAdapter) run(ctx context.Context, reg SnapshotSource, emit emitFunc, healthy func()) error {
	return pollLoop(ctx, a.interval, func() error {
		if err := a.poll(ctx, reg, emit); err != nil {
			return err
		}
		healthy()
		return nil
	})
}

// poll visits every active address once. Rate limiting aborts the cycle so
// the supervisor can back off; other per-address errors only fail the cycle
// when no address succeeded.
func (a *DataAPIAdapter) poll(ctx context.Context, reg SnapshotSource, emit emitFunc) error {
	active := reg.Current().Active()
	var lastErr error
	failed := 0

	for _, addr := range active {
		if err := a.waitShared(ctx); err != nil {
			return err
		}
		trades, err := a.client.GetTrades(ctx, addr, a.limit)
		if err != nil {
			if errors.Is(err, domain.ErrRateLimited) || ctx.Err() != nil {
				return err
			}
			failed++
			lastErr = err
			a.metrics.Inc(metrics.AdapterErrors, "source", string(a.id))
			a.logger.Warn("poll failed", slog.String("address", addr.Short()), slog.String("error", err.Error()))
			continue
		}
		if !a.diff(addr, trades, emit) {
			return nil
		}
	}

	if failed > 0 && failed == len(active) {
		return fmt.Errorf("data-api: every poll failed: %w", lastErr)
	}
	a.forget(active)
	return nil
}

// diff emits trades not present in the previous page, oldest first.
func (a *DataAPIAdapter) diff(addr domain.Address, trades []polymarket.APITrade, emit emitFunc) bool {
	now := a.now()
	prev, baseline := a.seen[addr], a.seen[addr] == nil
	next := make(map[string]bool, len(trades))

	var fresh []domain.TradeObservation
	byTx := make(map[string]int)
	for i := len(trades) - 1; i >= 0; i-- {
		tr := trades[i]
		payload, ok := tr.ToPayload()
		if !ok {
			a.malformed("unknown side " + tr.Side)
			continue
		}
		obs := domain.NewObservation(addr, a.id, tr.TransactionHash, payload, tr.TradedAt(), now)
		key := obs.Fingerprint
		if next[key] {
			// another fill of the same transaction
			if j, ok := byTx[key]; ok {
				fresh[j].Payload = mergePayload(fresh[j].Payload, payload)
			}
			continue
		}
		next[key] = true
		if baseline || prev[key] {
			continue
		}
		byTx[key] = len(fresh)
		fresh = append(fresh, obs)
	}
	a.seen[addr] = next

	for _, obs := range fresh {
		if !emit(obs) {
			return false
		}
	}
	return true
}

// forget drops state for addresses no longer active.
func (a *DataAPIAdapter) forget(active []domain.Address) {
	keep := make(map[domain.Address]bool, len(active))
	for _, addr := range active {
		keep[addr] = true
	}
	for addr := range a.seen {
		if !keep[addr] {
			delete(a.seen, addr)
		}
	}
}

func (a *DataAPIAdapter) waitShared(ctx context.Context) error {
	if a.shared == nil || a.shared.Limiter == nil {
		return nil
	}
	for {
		ok, err := a.shared.Limiter.Allow(ctx, a.shared.Key, a.shared.Limit, a.shared.Window)
		if err != nil {
			// fall back to the local limiter
			a.logger.Debug("shared rate limiter unavailable", slog.String("error", err.Error()))
			return nil
		}
		if ok {
			return nil
		}
		if err := sleepCtx(ctx, a.shared.Window/time.Duration(max(a.shared.Limit, 1))); err != nil {
			return err
		}
	}
}

// pollLoop runs fn immediately and then every interval until ctx is done or
// fn fails.
func pollLoop(ctx context.Context, interval time.Duration, fn func() error) error {
	if err := fn(); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(); err != nil {
				return err
			}
		}
	}
}
