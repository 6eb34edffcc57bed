package trader

import (
	"log/slog"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
)

// Shard owns the machines of one sequencer partition. Like Machine it has a
// single writer.
type Shard struct {
	cfg      Config
	machines map[domain.Address]*Machine
	book     *Book
	metrics  *metrics.Registry
	logger   *slog.Logger
}

// NewShard creates a shard publishing into book.
func NewShard(cfg Config, book *Book, m *metrics.Registry, logger *slog.Logger) *Shard {
	return &Shard{
		cfg:      cfg,
		machines: make(map[domain.Address]*Machine),
		book:     book,
		metrics:  m,
		logger:   logger.With(slog.String("component", "trader")),
	}
}

// Apply folds obs into the trader's machine, creating it on first sight.
func (s *Shard) Apply(obs domain.TradeObservation, now time.Time) (before, after Snapshot, err error) {
	m, ok := s.machines[obs.Address]
	if !ok {
		m = NewMachine(obs.Address, s.cfg)
		s.machines[obs.Address] = m
	}
	from := m.Snapshot().Status
	before, after, err = m.Apply(obs, now)
	if err != nil {
		return before, after, err
	}
	s.transition(from, before.Status)
	s.transition(before.Status, after.Status)
	s.book.Publish(after)
	return before, after, nil
}

// Get returns the current state of addr. Unseen addresses read as unknown.
func (s *Shard) Get(addr domain.Address) Snapshot {
	if m, ok := s.machines[addr]; ok {
		return m.Snapshot()
	}
	return Snapshot{Address: addr, Status: domain.TraderUnknown}
}

// Flat reports whether addr holds nothing the machine saw opening.
func (s *Shard) Flat(addr domain.Address) bool {
	m, ok := s.machines[addr]
	return !ok || m.Flat()
}

// Sweep refreshes every machine at now and returns the snapshots whose status
// changed.
func (s *Shard) Sweep(now time.Time) []Snapshot {
	var changed []Snapshot
	for _, m := range s.machines {
		from := m.Snapshot().Status
		if !m.Refresh(now) {
			continue
		}
		after := m.Snapshot()
		s.transition(from, after.Status)
		s.book.Publish(after)
		changed = append(changed, after)
	}
	return changed
}

// Exclude archives addr: the machine is dropped so that a later
// re-inclusion starts from unknown. It returns the final state.
func (s *Shard) Exclude(addr domain.Address) (Snapshot, bool) {
	m, ok := s.machines[addr]
	if !ok {
		return Snapshot{}, false
	}
	from := m.Snapshot().Status
	final := m.Exclude()
	s.transition(from, final.Status)
	delete(s.machines, addr)
	s.book.Delete(addr)
	s.logger.Info("trader archived",
		slog.String("address", addr.String()),
		slog.Int64("trades", final.TradeCount),
		slog.Float64("rolling_pnl", final.RollingPnL),
	)
	return final, true
}

// Addresses lists the traders this shard holds state for.
func (s *Shard) Addresses() []domain.Address {
	out := make([]domain.Address, 0, len(s.machines))
	for a := range s.machines {
		out = append(out, a)
	}
	return out
}

func (s *Shard) transition(from, to domain.TraderStatus) {
	if from == to {
		return
	}
	s.metrics.Inc(metrics.TraderTransitions, "from", string(from), "to", string(to))
	s.logger.Debug("trader transition", slog.String("from", string(from)), slog.String("to", string(to)))
}
