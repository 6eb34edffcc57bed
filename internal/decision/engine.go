// Package decision turns an accepted observation and the trader's state into
// an action: mirror the trade, notify about it, or suppress it.
package decision

import (
	"math"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/trader"
)

// Reasons attached to non-mirror actions.
const (
	ReasonExcluded           = "excluded"
	ReasonUnknownAddress     = "not-in-roster"
	ReasonInactive           = "inactive"
	ReasonCircuitOpen        = "circuit-open"
	ReasonStale              = "stale"
	ReasonVisibilityOnly     = "visibility-only"
	ReasonClassDisabled      = "class-disabled"
	ReasonLosing             = "losing"
	ReasonDiversificationCap = "diversification-cap"
	ReasonNoPrice            = "no-price"
	ReasonBelowMinimum       = "below-minimum"
	ReasonMirroringDisabled  = "mirroring-disabled"
	ReasonInferred           = "position-diff"
)

// Policy is the copy policy.
type Policy struct {
	MirrorEnabled      bool
	Capital            float64
	RiskFraction       float64
	MaxTradeFraction   float64
	MaxMirroredTraders int
	StalenessThreshold time.Duration
	MinOrderNotional   float64
	MirrorLosing       bool
	MirrorClasses      []domain.Classification
}

// PortfolioView is the part of the mirrored set a decision needs.
type PortfolioView struct {
	MirroredCount int
	IsMirrored    bool
}

// Input is everything Decide looks at. State is the trader state before the
// observation was folded.
type Input struct {
	Obs         domain.TradeObservation
	State       trader.Snapshot
	Entry       domain.RosterEntry
	HasEntry    bool
	Portfolio   PortfolioView
	BreakerOpen bool
	Now         time.Time
}

// Engine applies the policy. Decide has no clock, randomness or I/O, so equal
// inputs give equal actions.
type Engine struct {
	policy  Policy
	mirrors map[domain.Classification]bool
}

// NewEngine creates an engine for policy.
func NewEngine(policy Policy) *Engine {
	mirrors := make(map[domain.Classification]bool, len(policy.MirrorClasses))
	for _, c := range policy.MirrorClasses {
		mirrors[c] = true
	}
	return &Engine{policy: policy, mirrors: mirrors}
}

// Policy returns the policy the engine was built with.
func (e *Engine) Policy() Policy { return e.policy }

// Decide evaluates the rules in order; the first that matches wins.
func (e *Engine) Decide(in Input) domain.Action {
	act := domain.Action{
		ID:          domain.ActionID(in.Obs.Fingerprint),
		Address:     in.Obs.Address,
		Observation: in.Obs,
		GeneratedAt: in.Now,
	}
	if in.HasEntry {
		act.Label = in.Entry.Label
		act.Class = in.Entry.Classification
	}

	switch {
	case !in.HasEntry:
		return suppress(act, ReasonUnknownAddress)
	case in.Entry.Excluded() || in.State.Status == domain.TraderExcluded:
		return suppress(act, ReasonExcluded)
	case in.State.Status == domain.TraderInactive:
		return suppress(act, ReasonInactive)
	case in.Obs.Source == domain.SourcePositions:
		// inferred from a holdings change, never from a fill
		return notify(act, ReasonInferred)
	case in.BreakerOpen:
		return notify(act, ReasonCircuitOpen)
	case e.stale(in):
		return notify(act, ReasonStale)
	case in.Entry.Classification.VisibilityOnly():
		return notify(act, ReasonVisibilityOnly)
	case !e.mirrors[in.Entry.Classification]:
		return notify(act, ReasonClassDisabled)
	case in.State.Status == domain.TraderActiveLosing && !e.policy.MirrorLosing:
		return notify(act, ReasonLosing)
	case !in.Portfolio.IsMirrored && in.Portfolio.MirroredCount >= e.policy.MaxMirroredTraders:
		return notify(act, ReasonDiversificationCap)
	}

	params, reason := e.size(in.Obs.Payload)
	if reason != "" {
		return notify(act, reason)
	}
	if !e.policy.MirrorEnabled {
		return notify(act, ReasonMirroringDisabled)
	}
	act.Kind = domain.ActionMirror
	act.Mirror = &params
	return act
}

func (e *Engine) stale(in Input) bool {
	return in.Now.Sub(in.Obs.OccurredAt()) > e.policy.StalenessThreshold
}

// RiskFraction is the configured fraction capped by the per-trade maximum.
func (e *Engine) RiskFraction() float64 {
	f := e.policy.RiskFraction
	if e.policy.MaxTradeFraction > 0 {
		f = math.Min(f, e.policy.MaxTradeFraction)
	}
	return f
}

// size recomputes the order from our capital. The source size only caps it.
func (e *Engine) size(p domain.TradePayload) (domain.MirrorParams, string) {
	if p.Price <= 0 {
		return domain.MirrorParams{}, ReasonNoPrice
	}
	fraction := e.RiskFraction()
	size := math.Min(e.policy.Capital*fraction/p.Price, p.Size)
	notional := size * p.Price
	if notional < e.policy.MinOrderNotional {
		return domain.MirrorParams{}, ReasonBelowMinimum
	}
	return domain.MirrorParams{
		Market:       p.Market,
		AssetID:      p.AssetID,
		Side:         p.Side,
		Size:         size,
		Price:        p.Price,
		Notional:     notional,
		RiskFraction: fraction,
	}, ""
}

func suppress(a domain.Action, reason string) domain.Action {
	a.Kind = domain.ActionSuppress
	a.Reason = reason
	return a
}

func notify(a domain.Action, reason string) domain.Action {
	a.Kind = domain.ActionNotify
	a.Reason = reason
	return a
}
