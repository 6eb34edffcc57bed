// Package sequencer deduplicates trade observations across sources and
// delivers them in per-address observed-time order. Addresses are spread over
// a fixed set of partitions; each partition is a single goroutine that owns
// its windows, its reorder heap, and everything its Processor keeps.
package sequencer

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
)

// Processor consumes released observations. Both methods are only ever
// called from the owning partition goroutine.
type Processor interface {
	Process(ctx context.Context, obs domain.TradeObservation)
	Tick(ctx context.Context, now time.Time)
}

// Config sizes the sequencer.
type Config struct {
	Partitions   int
	Buffer       int
	WindowSize   int
	WindowAge    time.Duration
	ReorderDelay time.Duration
	SharedTTL    time.Duration
	TickInterval time.Duration
}

// Sequencer routes observations to partitions.
type Sequencer struct {
	cfg     Config
	parts   []*partition
	metrics *metrics.Registry
	logger  *slog.Logger
}

// New creates a Sequencer. newProcessor is called once per partition; seen
// may be nil to disable the cross-process guard.
func New(cfg Config, newProcessor func(partition int) Processor, seen domain.SeenSet, m *metrics.Registry, logger *slog.Logger) *Sequencer {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = 64
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	s := &Sequencer{
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "sequencer")),
	}
	for i := 0; i < cfg.Partitions; i++ {
		s.parts = append(s.parts, &partition{
			id:         i,
			cfg:        cfg,
			in:         make(chan domain.TradeObservation, cfg.Buffer),
			proc:       newProcessor(i),
			seen:       seen,
			metrics:    m,
			logger:     s.logger.With(slog.Int("partition", i)),
			now:        time.Now,
			windows:    make(map[domain.Address]*Window),
			watermarks: make(map[domain.Address]time.Time),
		})
	}
	return s
}

// PartitionOf maps an address onto one of n partitions.
func PartitionOf(addr domain.Address, n int) int {
	h := fnv.New32a()
	h.Write([]byte(addr))
	return int(h.Sum32() % uint32(n))
}

// Run routes in until it is closed, then lets every partition drain and
// flush. Callers stop the producers through ctx; processors keep a context
// that outlives it so the final flush can still be delivered.
func (s *Sequencer) Run(ctx context.Context, in <-chan domain.TradeObservation) error {
	procCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, p := range s.parts {
		wg.Add(1)
		go func(p *partition) {
			defer wg.Done()
			p.run(procCtx)
		}(p)
	}
	s.logger.Info("sequencer started", slog.Int("partitions", len(s.parts)))

	for obs := range in {
		p := s.parts[PartitionOf(obs.Address, len(s.parts))]
		p.in <- obs
	}

	for _, p := range s.parts {
		close(p.in)
	}
	wg.Wait()
	s.logger.Info("sequencer stopped")
	return nil
}

type partition struct {
	id      int
	cfg     Config
	in      chan domain.TradeObservation
	proc    Processor
	seen    domain.SeenSet
	metrics *metrics.Registry
	logger  *slog.Logger
	now     func() time.Time

	windows    map[domain.Address]*Window
	watermarks map[domain.Address]time.Time
	held       reorderHeap
}

func (p *partition) run(ctx context.Context) {
	release := time.NewTimer(time.Hour)
	release.Stop()
	defer release.Stop()
	tick := time.NewTicker(p.cfg.TickInterval)
	defer tick.Stop()

	for {
		select {
		case obs, ok := <-p.in:
			if !ok {
				p.release(ctx, true)
				return
			}
			p.accept(ctx, obs)
			p.release(ctx, false)
		case <-release.C:
			p.release(ctx, false)
		case now := <-tick.C:
			p.proc.Tick(ctx, now)
		}

		if len(p.held) > 0 {
			wait := p.held.peek().ObservedAt.Add(p.cfg.ReorderDelay).Sub(p.now())
			release.Reset(max(wait, time.Millisecond))
		}
	}
}

// accept runs the acceptance checks in order: malformed, duplicate (local
// window then shared guard), late. Survivors are held for reordering.
func (p *partition) accept(ctx context.Context, obs domain.TradeObservation) {
	src := string(obs.Source)
	if err := obs.Validate(); err != nil {
		p.metrics.Inc(metrics.ObservationsMalformed, "source", src)
		p.logger.Debug("dropping malformed observation",
			slog.String("source", src),
			slog.String("error", err.Error()),
		)
		return
	}

	w := p.windows[obs.Address]
	if w == nil {
		w = NewWindow(p.cfg.WindowSize, p.cfg.WindowAge)
		p.windows[obs.Address] = w
	}
	if w.Seen(obs.Fingerprint) {
		p.metrics.Inc(metrics.ObservationsDeduplicated, "source", src)
		return
	}
	if obs.NativeID == "" && explained(w, obs.Payload) {
		p.metrics.Inc(metrics.ObservationsDeduplicated, "source", src)
		p.logger.Debug("dropping observation already reported by a trade source",
			slog.String("address", obs.Address.Short()),
			slog.String("source", src),
			slog.String("market", obs.Payload.Market),
		)
		return
	}

	if p.seen != nil && p.cfg.SharedTTL > 0 {
		first, err := p.seen.MarkSeen(ctx, obs.Address, obs.Fingerprint, p.cfg.SharedTTL)
		switch {
		case err != nil:
			p.logger.Warn("shared dedup guard unavailable", slog.String("error", err.Error()))
		case !first:
			w.Insert(obs.Fingerprint, obs.ObservedAt)
			p.metrics.Inc(metrics.ObservationsDeduplicated, "source", src)
			return
		}
	}

	w.Insert(obs.Fingerprint, obs.ObservedAt)
	if obs.NativeID != "" {
		for _, k := range tradeKeys(obs.Payload) {
			w.Insert(k, obs.ObservedAt)
		}
	}

	if wm, ok := p.watermarks[obs.Address]; ok && obs.ObservedAt.Before(wm) {
		p.metrics.Inc(metrics.ObservationsDroppedLate, "source", src)
		p.logger.Debug("dropping late observation",
			slog.String("address", obs.Address.Short()),
			slog.String("source", src),
			slog.Duration("behind", wm.Sub(obs.ObservedAt)),
		)
		return
	}

	p.metrics.Inc(metrics.ObservationsAccepted, "source", src)
	if !obs.TradedAt.IsZero() {
		p.metrics.ObserveLatency(metrics.DetectionLatency, obs.ObservedAt.Sub(obs.TradedAt))
	}
	p.held.push(obs)
}

// tradeKeys names the instrument and side a trade touched, once per
// identifier it carries. Chain fills only know the asset id while the venue
// reports the condition id as well.
func tradeKeys(pl domain.TradePayload) []string {
	var keys []string
	for _, id := range []string{pl.Market, pl.AssetID} {
		if id == "" {
			continue
		}
		keys = append(keys, "trade|"+strings.ToLower(id)+"|"+string(pl.Side))
	}
	return keys
}

// explained reports whether a trade source already reported a trade on the
// same instrument and side within the window. Observations without a native
// id (position diffs) are inferred from the trades those sources report.
func explained(w *Window, pl domain.TradePayload) bool {
	for _, k := range tradeKeys(pl) {
		if w.Seen(k) {
			return true
		}
	}
	return false
}

// release hands held observations whose reorder delay has passed, or all of
// them, to the processor in heap order.
func (p *partition) release(ctx context.Context, all bool) {
	now := p.now()
	for len(p.held) > 0 {
		top := p.held.peek()
		if !all && now.Sub(top.ObservedAt) < p.cfg.ReorderDelay {
			return
		}
		obs := p.held.pop()
		p.watermarks[obs.Address] = obs.ObservedAt
		p.proc.Process(ctx, obs)
	}
}
