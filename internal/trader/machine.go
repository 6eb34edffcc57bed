// Package trader tracks the lifecycle of every monitored trader: whether
// they are active, losing, silent, or excluded, and a rolling estimate of
// their realised PnL.
package trader

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Config tunes state transitions.
type Config struct {
	SilenceWindow        time.Duration
	LosingPnLThreshold   float64
	MaxConsecutiveLosses int
	PnLWindow            time.Duration
}

// Snapshot is an immutable copy of one trader's state.
type Snapshot = domain.TraderState

const dust = 1e-9

type position struct {
	size    float64
	avgCost float64
}

type realised struct {
	at     time.Time
	amount float64
}

// Machine is the state of one trader. It is not safe for concurrent use;
// the owning partition is its only writer.
type Machine struct {
	cfg       Config
	state     domain.TraderState
	positions map[string]*position
	history   []realised
}

// NewMachine creates a machine in the unknown state.
func NewMachine(addr domain.Address, cfg Config) *Machine {
	return &Machine{
		cfg:       cfg,
		state:     domain.TraderState{Address: addr, Status: domain.TraderUnknown},
		positions: make(map[string]*position),
	}
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot { return m.state }

// Apply folds one observation. before is the state the decision should see:
// the state after silence has been evaluated at now but before this trade.
func (m *Machine) Apply(obs domain.TradeObservation, now time.Time) (before, after Snapshot, err error) {
	if m.state.Status == domain.TraderExcluded {
		return m.state, m.state, domain.ErrExcluded
	}
	if !m.state.LastObservedAt.IsZero() && obs.ObservedAt.Before(m.state.LastObservedAt) {
		return m.state, m.state, fmt.Errorf("trader: %s at %s: %w",
			obs.Address.Short(), obs.ObservedAt.Format(time.RFC3339Nano), domain.ErrOutOfOrder)
	}

	m.CheckSilence(now)
	before = m.state

	m.state.TradeCount++
	m.state.Version++
	if m.state.FirstSeenAt.IsZero() {
		m.state.FirstSeenAt = obs.ObservedAt
	}
	m.state.LastObservedAt = obs.ObservedAt
	m.fold(obs)
	m.state.RollingPnL = m.rollingPnL(now)

	m.state.Status = domain.TraderActive
	if m.losing() {
		m.state.Status = domain.TraderActiveLosing
	}
	return before, m.state, nil
}

// CheckSilence moves a live trader to inactive once it has been silent for
// longer than the silence window. It reports whether the status changed.
func (m *Machine) CheckSilence(now time.Time) bool {
	if !m.state.Status.Live() || m.cfg.SilenceWindow <= 0 {
		return false
	}
	if now.Sub(m.state.LastObservedAt) <= m.cfg.SilenceWindow {
		return false
	}
	m.state.Status = domain.TraderInactive
	m.state.Version++
	return true
}

// Refresh recomputes time-dependent fields at now and reports whether the
// status changed. It covers silence and PnL ageing out of the window.
func (m *Machine) Refresh(now time.Time) bool {
	if m.CheckSilence(now) {
		m.state.RollingPnL = m.rollingPnL(now)
		return true
	}
	if !m.state.Status.Live() {
		return false
	}
	m.state.RollingPnL = m.rollingPnL(now)
	want := domain.TraderActive
	if m.losing() {
		want = domain.TraderActiveLosing
	}
	if want == m.state.Status {
		return false
	}
	m.state.Status = want
	m.state.Version++
	return true
}

// Exclude marks the trader excluded. It is terminal for this machine.
func (m *Machine) Exclude() Snapshot {
	if m.state.Status != domain.TraderExcluded {
		m.state.Status = domain.TraderExcluded
		m.state.Version++
	}
	return m.state
}

// Flat reports whether the trader holds no position that was seen opening.
func (m *Machine) Flat() bool { return m.state.OpenAssets == 0 }

func (m *Machine) losing() bool {
	if m.state.RollingPnL < m.cfg.LosingPnLThreshold {
		return true
	}
	return m.cfg.MaxConsecutiveLosses > 0 && m.state.ConsecutiveLosses >= m.cfg.MaxConsecutiveLosses
}

// fold updates the average-cost book. Sells realise against the average
// cost of what was seen bought; unseen inventory realises nothing.
func (m *Machine) fold(obs domain.TradeObservation) {
	p := obs.Payload
	key := p.AssetID
	if key == "" {
		key = p.Market
	}
	pos := m.positions[key]

	switch p.Side {
	case domain.SideBuy:
		if pos == nil {
			pos = &position{}
			m.positions[key] = pos
		}
		total := pos.size + p.Size
		pos.avgCost = (pos.avgCost*pos.size + p.Price*p.Size) / total
		pos.size = total
	case domain.SideSell:
		if pos == nil {
			break
		}
		qty := min(p.Size, pos.size)
		pnl := (p.Price - pos.avgCost) * qty
		pos.size -= qty
		if pos.size <= dust {
			delete(m.positions, key)
		}
		m.history = append(m.history, realised{at: obs.ObservedAt, amount: pnl})
		switch {
		case pnl < 0:
			m.state.ConsecutiveLosses++
		case pnl > 0:
			m.state.ConsecutiveLosses = 0
		}
	}
	m.state.OpenAssets = len(m.positions)
}

// rollingPnL sums realised PnL inside the window ending at now and drops
// older entries.
func (m *Machine) rollingPnL(now time.Time) float64 {
	if m.cfg.PnLWindow > 0 {
		cutoff := now.Add(-m.cfg.PnLWindow)
		i := 0
		for i < len(m.history) && !m.history[i].at.After(cutoff) {
			i++
		}
		m.history = m.history[i:]
	}
	var sum float64
	for _, r := range m.history {
		sum += r.amount
	}
	return sum
}
