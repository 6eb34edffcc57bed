package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/copybot/internal/decision"
	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/feed"
	"github.com/alanyoungcy/copybot/internal/metrics"
	"github.com/alanyoungcy/copybot/internal/trader"
)

// Enqueuer accepts actions for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, a domain.Action) error
}

// Deps are shared by every partition processor.
type Deps struct {
	Registry  feed.SnapshotSource
	Engine    *decision.Engine
	Portfolio *decision.Portfolio
	Breaker   *decision.Breaker
	Book      *trader.Book
	Dispatch  Enqueuer
	Recorder  *Recorder
	Audit     domain.AuditStore
	Metrics   *metrics.Registry
	Logger    *slog.Logger
	Now       func() time.Time
}

// Processor runs trader state, decision and portfolio admission for one
// sequencer partition. The sequencer calls it from a single goroutine.
type Processor struct {
	deps   Deps
	shard  *trader.Shard
	logger *slog.Logger
}

// NewProcessor creates the processor for partition id.
func NewProcessor(id int, traderCfg trader.Config, deps Deps) *Processor {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger.With(slog.String("component", "partition"), slog.Int("partition", id))
	return &Processor{
		deps:   deps,
		shard:  trader.NewShard(traderCfg, deps.Book, deps.Metrics, deps.Logger),
		logger: logger,
	}
}

// Process handles one accepted observation.
func (p *Processor) Process(ctx context.Context, obs domain.TradeObservation) {
	now := p.deps.Now()
	entry, ok := p.deps.Registry.Current().Lookup(obs.Address)
	if !ok || entry.Excluded() {
		// never folded: an excluded trader's state is archived, not advanced
		p.archive(ctx, obs.Address, "excluded")
		reason := decision.ReasonExcluded
		if !ok {
			reason = decision.ReasonUnknownAddress
		}
		p.deps.Metrics.Inc(metrics.ObservationsSuppressed, "reason", reason)
		return
	}

	before, after, err := p.shard.Apply(obs, now)
	if err != nil {
		p.deps.Metrics.Inc(metrics.ObservationsSuppressed, "reason", "fold-error")
		p.logger.Warn("observation not folded",
			slog.String("address", obs.Address.String()),
			slog.String("fingerprint", obs.Fingerprint),
			slog.String("error", err.Error()),
		)
		return
	}
	p.deps.Recorder.RecordObservation(obs)

	in := decision.Input{
		Obs:         obs,
		State:       before,
		Entry:       entry,
		HasEntry:    true,
		Portfolio:   p.deps.Portfolio.View(obs.Address),
		BreakerOpen: p.deps.Breaker.Open(now),
		Now:         now,
	}
	act := p.deps.Engine.Decide(in)
	if act.Kind == domain.ActionMirror {
		limit := p.deps.Engine.Policy().MaxMirroredTraders
		if !p.deps.Portfolio.Admit(obs.Address, limit) {
			// another partition took the last slot
			in.Portfolio = decision.PortfolioView{MirroredCount: limit}
			act = p.deps.Engine.Decide(in)
		}
	}

	if obs.Payload.Side == domain.SideSell && p.shard.Flat(obs.Address) {
		if p.deps.Portfolio.Release(obs.Address) {
			p.logger.Info("trader sold out, mirror slot released", slog.String("address", obs.Address.String()))
		}
	}

	if act.Kind == domain.ActionSuppress {
		p.deps.Metrics.Inc(metrics.ObservationsSuppressed, "reason", act.Reason)
		p.logger.Debug("observation suppressed",
			slog.String("address", obs.Address.String()),
			slog.String("reason", act.Reason),
			slog.String("status_before", string(before.Status)),
			slog.String("status_after", string(after.Status)),
		)
		return
	}

	p.emit(ctx, act, now)
}

func (p *Processor) emit(ctx context.Context, act domain.Action, acceptedAt time.Time) {
	p.deps.Recorder.RecordAction(act)
	if err := p.deps.Dispatch.Enqueue(ctx, act); err != nil {
		level := slog.LevelError
		if errors.Is(err, domain.ErrQueueClosed) {
			level = slog.LevelWarn
		}
		p.logger.Log(ctx, level, "action not enqueued",
			slog.String("action_id", act.ID),
			slog.String("kind", string(act.Kind)),
			slog.String("error", err.Error()),
		)
		return
	}
	p.deps.Metrics.Inc(metrics.ActionsEmitted, "kind", string(act.Kind))
	p.deps.Metrics.ObserveLatency(metrics.DecisionLatency, p.deps.Now().Sub(acceptedAt))
	p.logger.Info("action emitted",
		slog.String("action_id", act.ID),
		slog.String("kind", string(act.Kind)),
		slog.String("address", act.Address.String()),
		slog.String("reason", act.Reason),
		slog.String("source", string(act.Observation.Source)),
	)
}

// Tick runs the silence sweep and reconciles the roster: traders that were
// excluded or removed since the last tick are archived.
func (p *Processor) Tick(ctx context.Context, now time.Time) {
	for _, s := range p.shard.Sweep(now) {
		if !s.Status.Live() && p.deps.Portfolio.Release(s.Address) {
			p.logger.Info("trader went quiet, mirror slot released",
				slog.String("address", s.Address.String()),
				slog.String("status", string(s.Status)),
			)
		}
	}

	snap := p.deps.Registry.Current()
	for _, addr := range p.shard.Addresses() {
		if e, ok := snap.Lookup(addr); !ok || e.Excluded() {
			p.archive(ctx, addr, "roster")
		}
	}
}

// archive drops an excluded trader's state and writes an audit record.
func (p *Processor) archive(ctx context.Context, addr domain.Address, trigger string) {
	final, ok := p.shard.Exclude(addr)
	if !ok {
		return
	}
	p.deps.Portfolio.Release(addr)
	if p.deps.Audit == nil {
		return
	}
	err := p.deps.Audit.Log(ctx, "trader_archived", map[string]any{
		"address":            addr.String(),
		"trigger":            trigger,
		"trade_count":        final.TradeCount,
		"rolling_pnl":        final.RollingPnL,
		"consecutive_losses": final.ConsecutiveLosses,
		"last_observed_at":   final.LastObservedAt,
	})
	if err != nil {
		p.logger.Warn("audit write failed", slog.String("address", addr.String()), slog.String("error", err.Error()))
	}
}
