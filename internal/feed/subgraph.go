package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
)

// FillFetcher pages indexed OrderFilled events.
type FillFetcher interface {
	FetchFills(ctx context.Context, participants []domain.Address, since int64, first int) ([]domain.RawFill, error)
}

// SubgraphAdapter polls the Goldsky orderbook subgraph for fills of the
// active addresses. It starts at the current time and never replays history.
type SubgraphAdapter struct {
	base
	client   FillFetcher
	interval time.Duration
	batch    int

	cursor int64
	// ids already emitted at timestamps >= cursor-1
	ids map[string]int64
}

// NewSubgraphAdapter creates the subgraph poller.
func NewSubgraphAdapter(client FillFetcher, interval time.Duration, batch int, sup *Supervisor, m *metrics.Registry, logger *slog.Logger) *SubgraphAdapter {
	return &SubgraphAdapter{
		base:     newBase(domain.SourceSubgraph, sup, m, logger),
		client:   client,
		interval: interval,
		batch:    batch,
		ids:      make(map[string]int64),
	}
}

// Subscribe starts the adapter.
func (a *SubgraphAdapter) Subscribe(ctx context.Context, reg SnapshotSource) <-chan domain.TradeObservation {
	if a.cursor == 0 {
		a.cursor = a.now().Unix()
	}
	return a.start(ctx, reg, a.run)
}

func (a *SubgraphAdapter) run(ctx context.Context, reg SnapshotSource, emit emitFunc, healthy func()) error {
	return pollLoop(ctx, a.interval, func() error {
		if err := a.poll(ctx, reg, emit); err != nil {
			return err
		}
		healthy()
		return nil
	})
}

func (a *SubgraphAdapter) poll(ctx context.Context, reg SnapshotSource, emit emitFunc) error {
	snap := reg.Current()
	active := snap.Active()
	if len(active) == 0 {
		return nil
	}

	// Re-read the cursor second: fills indexed late within it are kept
	// apart by id.
	fills, err := a.client.FetchFills(ctx, active, a.cursor-1, a.batch)
	if err != nil {
		return err
	}

	now := a.now()
	var order []string
	grouped := make(map[string]*domain.TradeObservation)
	for _, f := range fills {
		if _, dup := a.ids[f.ID]; dup {
			continue
		}
		a.ids[f.ID] = f.Timestamp
		if f.Timestamp > a.cursor {
			a.cursor = f.Timestamp
		}

		leg, err := legFromRaw(f)
		if err != nil {
			a.malformed(err.Error())
			continue
		}
		for _, addr := range []domain.Address{leg.Maker, leg.Taker} {
			if !monitored(snap, addr) {
				continue
			}
			payload, ok := leg.ForParticipant(addr)
			if !ok {
				a.malformed("fill has no USDC leg")
				continue
			}
			key := f.TransactionHash + "|" + string(addr)
			if obs, ok := grouped[key]; ok {
				obs.Payload = mergePayload(obs.Payload, payload)
				continue
			}
			obs := domain.NewObservation(addr, a.id, f.TransactionHash, payload, time.Unix(f.Timestamp, 0).UTC(), now)
			grouped[key] = &obs
			order = append(order, key)
		}
	}

	for id, ts := range a.ids {
		if ts < a.cursor-1 {
			delete(a.ids, id)
		}
	}

	for _, key := range order {
		if !emit(*grouped[key]) {
			return nil
		}
	}
	return nil
}

func legFromRaw(f domain.RawFill) (domain.FillLeg, error) {
	maker, err := domain.ParseAddress(f.Maker)
	if err != nil {
		return domain.FillLeg{}, err
	}
	taker, err := domain.ParseAddress(f.Taker)
	if err != nil {
		return domain.FillLeg{}, err
	}
	return domain.FillLeg{
		Maker:        maker,
		Taker:        taker,
		MakerAssetID: f.MakerAssetID,
		TakerAssetID: f.TakerAssetID,
		MakerAmount:  float64(f.MakerAmountFilled) / 1e6,
		TakerAmount:  float64(f.TakerAmountFilled) / 1e6,
	}, nil
}
