package feed

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
	"github.com/alanyoungcy/copybot/internal/platform/polymarket"
)

// PositionsFetcher lists the open positions of one user.
type PositionsFetcher interface {
	GetPositions(ctx context.Context, user domain.Address) ([]polymarket.APIPosition, error)
}

// PositionsAdapter diffs the set of markets each trader holds. A market
// appearing with enough value is reported as a BUY, one disappearing as a
// SELL. Observations carry derived fingerprints since no transaction is
// known.
type PositionsAdapter struct {
	base
	client   PositionsFetcher
	interval time.Duration
	minValue float64

	held map[domain.Address]map[string]polymarket.APIPosition
}

// NewPositionsAdapter creates the position-diff poller.
func NewPositionsAdapter(client PositionsFetcher, interval time.Duration, minValue float64, sup *Supervisor, m *metrics.Registry, logger *slog.Logger) *PositionsAdapter {
	return &PositionsAdapter{
		base:     newBase(domain.SourcePositions, sup, m, logger),
		client:   client,
		interval: interval,
		minValue: minValue,
		held:     make(map[domain.Address]map[string]polymarket.APIPosition),
	}
}

// Subscribe starts the adapter.
func (a *PositionsAdapter) Subscribe(ctx context.Context, reg SnapshotSource) <-chan domain.TradeObservation {
	return a.start(ctx, reg, a.run)
}

func (a *PositionsAdapter) run(ctx context.Context, reg SnapshotSource, emit emitFunc, healthy func()) error {
	return pollLoop(ctx, a.interval, func() error {
		if err := a.poll(ctx, reg, emit); err != nil {
			return err
		}
		healthy()
		return nil
	})
}

func (a *PositionsAdapter) poll(ctx context.Context, reg SnapshotSource, emit emitFunc) error {
	active := reg.Current().Active()
	keep := make(map[domain.Address]bool, len(active))
	for _, addr := range active {
		keep[addr] = true
		positions, err := a.client.GetPositions(ctx, addr)
		if err != nil {
			if errors.Is(err, domain.ErrRateLimited) || ctx.Err() != nil {
				return err
			}
			a.metrics.Inc(metrics.AdapterErrors, "source", string(a.id))
			a.logger.Warn("positions poll failed", slog.String("address", addr.Short()), slog.String("error", err.Error()))
			continue
		}
		for _, obs := range a.diff(addr, positions) {
			if !emit(obs) {
				return nil
			}
		}
	}
	for addr := range a.held {
		if !keep[addr] {
			delete(a.held, addr)
		}
	}
	return nil
}

func (a *PositionsAdapter) diff(addr domain.Address, positions []polymarket.APIPosition) []domain.TradeObservation {
	now := a.now()
	current := make(map[string]polymarket.APIPosition, len(positions))
	for _, p := range positions {
		if float64(p.CurrentValue) < a.minValue || p.ConditionID == "" {
			continue
		}
		current[strings.ToLower(p.ConditionID)] = p
	}

	prev, baseline := a.held[addr], a.held[addr] == nil
	a.held[addr] = current
	if baseline {
		return nil
	}

	var out []domain.TradeObservation
	for cid, p := range current {
		if _, ok := prev[cid]; ok {
			continue
		}
		out = append(out, a.observation(addr, cid, p, domain.SideBuy, now))
	}
	for cid, p := range prev {
		if _, ok := current[cid]; ok {
			continue
		}
		out = append(out, a.observation(addr, cid, p, domain.SideSell, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

func (a *PositionsAdapter) observation(addr domain.Address, cid string, p polymarket.APIPosition, side domain.Side, now time.Time) domain.TradeObservation {
	price := float64(p.CurPrice)
	if price <= 0 || price > 1 {
		price = float64(p.AvgPrice)
	}
	payload := domain.TradePayload{
		Market:  cid,
		AssetID: p.Asset,
		Outcome: p.Outcome,
		Title:   p.Title,
		Side:    side,
		Size:    float64(p.Size),
		Price:   price,
	}
	return domain.NewObservation(addr, a.id, "", payload, time.Time{}, now)
}
