// Package feed turns heterogeneous Polymarket event sources into one shape:
// a stream of domain.TradeObservation per source.
package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
	"github.com/alanyoungcy/copybot/internal/registry"
)

// SnapshotSource exposes the current roster. Adapters read it on every poll
// cycle or reconnect.
type SnapshotSource interface {
	Current() *registry.Snapshot
}

// Adapter is one event source. The returned channel is closed once ctx is
// cancelled and the adapter has stopped.
type Adapter interface {
	ID() domain.SourceID
	Subscribe(ctx context.Context, reg SnapshotSource) <-chan domain.TradeObservation
}

// emitFunc hands one observation downstream. It reports false once the
// adapter is shutting down.
type emitFunc func(domain.TradeObservation) bool

// session is one connection or poll loop. It calls healthy after every
// successful connect or poll and returns on failure or cancellation.
type session func(ctx context.Context, reg SnapshotSource, emit emitFunc, healthy func()) error

// base carries what every adapter shares.
type base struct {
	id      domain.SourceID
	sup     *Supervisor
	metrics *metrics.Registry
	logger  *slog.Logger
	buffer  int
	now     func() time.Time
}

func newBase(id domain.SourceID, sup *Supervisor, m *metrics.Registry, logger *slog.Logger) base {
	return base{
		id:      id,
		sup:     sup,
		metrics: m,
		logger:  logger.With(slog.String("component", "feed"), slog.String("source", string(id))),
		buffer:  256,
		now:     time.Now,
	}
}

// ID returns the source identifier.
func (b *base) ID() domain.SourceID { return b.id }

// start runs run under the supervisor and returns the output channel.
func (b *base) start(ctx context.Context, reg SnapshotSource, run session) <-chan domain.TradeObservation {
	out := make(chan domain.TradeObservation, b.buffer)
	emit := func(obs domain.TradeObservation) bool {
		select {
		case out <- obs:
			b.metrics.Inc(metrics.ObservationsReceived, "source", string(b.id))
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(out)
		b.logger.Info("adapter started")
		b.sup.Run(ctx, b.id, func(ctx context.Context, healthy func()) error {
			return run(ctx, reg, emit, healthy)
		})
		b.logger.Info("adapter stopped")
	}()
	return out
}

// malformed counts a payload that could not be mapped to an observation.
func (b *base) malformed(reason string) {
	b.metrics.Inc(metrics.ObservationsMalformed, "source", string(b.id))
	b.logger.Debug("discarding malformed payload", slog.String("reason", reason))
}

// monitored returns the roster entry for addr when it is being watched.
func monitored(snap *registry.Snapshot, addr domain.Address) bool {
	e, ok := snap.Lookup(addr)
	return ok && !e.Excluded()
}

// mergePayload folds b into a when both describe the same asset and side,
// keeping the volume-weighted price. Differing legs keep a.
func mergePayload(a, b domain.TradePayload) domain.TradePayload {
	if a.AssetID != b.AssetID || a.Side != b.Side {
		return a
	}
	size := a.Size + b.Size
	if size > 0 {
		a.Price = (a.Notional() + b.Notional()) / size
	}
	a.Size = size
	return a
}
