package feed

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
	"github.com/alanyoungcy/copybot/internal/platform/polymarket"
)

// ActivityStreamer is a single live-data connection.
type ActivityStreamer interface {
	Stream(ctx context.Context, handler polymarket.ActivityHandler) error
}

// LiveFeedAdapter filters the public orders_matched stream down to the
// monitored addresses.
type LiveFeedAdapter struct {
	base
	client ActivityStreamer
}

// NewLiveFeedAdapter creates the live feed adapter.
func NewLiveFeedAdapter(client ActivityStreamer, sup *Supervisor, m *metrics.Registry, logger *slog.Logger) *LiveFeedAdapter {
	return &LiveFeedAdapter{
		base:   newBase(domain.SourceLiveFeed, sup, m, logger),
		client: client,
	}
}

// Subscribe starts the adapter.
func (a *LiveFeedAdapter) Subscribe(ctx context.Context, reg SnapshotSource) <-chan domain.TradeObservation {
	return a.start(ctx, reg, a.run)
}

func (a *LiveFeedAdapter) run(ctx context.Context, reg SnapshotSource, emit emitFunc, healthy func()) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	err := a.client.Stream(ctx, func(trade polymarket.APITrade, receivedAt time.Time) {
		once.Do(healthy)
		obs, ok := a.observe(reg, trade, receivedAt)
		if !ok {
			return
		}
		if !emit(obs) {
			cancel()
		}
	})
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	return domain.ErrWSDisconnect
}

func (a *LiveFeedAdapter) observe(reg SnapshotSource, trade polymarket.APITrade, receivedAt time.Time) (domain.TradeObservation, bool) {
	addr, err := domain.ParseAddress(strings.ToLower(trade.ProxyWallet))
	if err != nil {
		// cannot be a monitored wallet
		return domain.TradeObservation{}, false
	}
	if !monitored(reg.Current(), addr) {
		return domain.TradeObservation{}, false
	}
	payload, ok := trade.ToPayload()
	if !ok {
		a.malformed("unknown side " + trade.Side)
		return domain.TradeObservation{}, false
	}
	return domain.NewObservation(addr, a.id, trade.TransactionHash, payload, trade.TradedAt(), receivedAt), true
}
