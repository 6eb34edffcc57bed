package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
	"github.com/alanyoungcy/copybot/internal/platform/polygon"
)

// FillSubscriber streams exchange OrderFilled logs for a set of participants.
type FillSubscriber interface {
	SubscribeFills(ctx context.Context, participants []domain.Address, sink chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// DialFunc opens a fresh FillSubscriber for one session.
type DialFunc func(ctx context.Context) (FillSubscriber, error)

// rosterCheckInterval is how often a live subscription looks for a new
// roster version.
const rosterCheckInterval = 5 * time.Second

// ChainAdapter watches OrderFilled logs over a Polygon WebSocket RPC. Fills
// of one transaction for one address are coalesced into one observation.
type ChainAdapter struct {
	base
	dial     DialFunc
	coalesce time.Duration
}

// NewChainAdapter creates the chain adapter.
func NewChainAdapter(dial DialFunc, coalesce time.Duration, sup *Supervisor, m *metrics.Registry, logger *slog.Logger) *ChainAdapter {
	return &ChainAdapter{
		base:     newBase(domain.SourceChain, sup, m, logger),
		dial:     dial,
		coalesce: coalesce,
	}
}

// Subscribe starts the adapter.
func (a *ChainAdapter) Subscribe(ctx context.Context, reg SnapshotSource) <-chan domain.TradeObservation {
	return a.start(ctx, reg, a.run)
}

type pendingFill struct {
	obs      domain.TradeObservation
	deadline time.Time
}

func (a *ChainAdapter) run(ctx context.Context, reg SnapshotSource, emit emitFunc, healthy func()) error {
	client, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	logs := make(chan types.Log, 256)
	snap := reg.Current()
	sub, err := a.subscribe(ctx, client, snap.Active(), logs)
	if err != nil {
		return err
	}
	defer func() { sub.Unsubscribe() }()
	healthy()
	a.logger.Info("chain subscription active", slog.Int("addresses", len(snap.Active())), slog.Uint64("roster_version", snap.Version()))

	pending := make(map[string]*pendingFill)
	flush := func(all bool) bool {
		now := a.now()
		for key, p := range pending {
			if !all && now.Before(p.deadline) {
				continue
			}
			delete(pending, key)
			// The fill reaches the sequencer only now; stamping the handle
			// time would leave it behind watermarks set in the meantime.
			p.obs.ObservedAt = now
			if !emit(p.obs) {
				return false
			}
		}
		return true
	}
	defer flush(true)

	tick := a.coalesce / 2
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	flushTicker := time.NewTicker(tick)
	defer flushTicker.Stop()
	rosterTicker := time.NewTicker(rosterCheckInterval)
	defer rosterTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = domain.ErrWSDisconnect
			}
			return fmt.Errorf("chain: subscription: %w", err)
		case <-rosterTicker.C:
			next := reg.Current()
			if next.Version() == snap.Version() {
				continue
			}
			sub.Unsubscribe()
			fresh, err := a.subscribe(ctx, client, next.Active(), logs)
			if err != nil {
				sub = idleSubscription{}
				return err
			}
			sub, snap = fresh, next
			a.logger.Info("chain subscription rebuilt", slog.Int("addresses", len(snap.Active())), slog.Uint64("roster_version", snap.Version()))
		case <-flushTicker.C:
			if !flush(false) {
				return nil
			}
		case lg := <-logs:
			a.handleLog(reg, lg, pending)
			if a.coalesce <= 0 && !flush(true) {
				return nil
			}
		}
	}
}

func (a *ChainAdapter) subscribe(ctx context.Context, client FillSubscriber, active []domain.Address, sink chan<- types.Log) (ethereum.Subscription, error) {
	if len(active) == 0 {
		return idleSubscription{}, nil
	}
	return client.SubscribeFills(ctx, active, sink)
}

func (a *ChainAdapter) handleLog(reg SnapshotSource, lg types.Log, pending map[string]*pendingFill) {
	if lg.Removed {
		a.logger.Debug("discarding reorged log", slog.String("tx", lg.TxHash.Hex()))
		return
	}
	fill, err := polygon.DecodeFill(lg)
	if err != nil {
		a.malformed(err.Error())
		return
	}

	snap := reg.Current()
	now := a.now()
	for _, addr := range []domain.Address{fill.Leg.Maker, fill.Leg.Taker} {
		if !monitored(snap, addr) {
			continue
		}
		payload, ok := fill.Leg.ForParticipant(addr)
		if !ok {
			a.malformed("fill has no USDC leg")
			continue
		}
		key := fill.TxHash + "|" + string(addr)
		if p, ok := pending[key]; ok {
			p.obs.Payload = mergePayload(p.obs.Payload, payload)
			continue
		}
		pending[key] = &pendingFill{
			obs:      domain.NewObservation(addr, a.id, fill.TxHash, payload, time.Time{}, now),
			deadline: now.Add(a.coalesce),
		}
	}
}

// idleSubscription stands in while the roster has no active address.
type idleSubscription struct{}

func (idleSubscription) Unsubscribe()      {}
func (idleSubscription) Err() <-chan error { return nil }
