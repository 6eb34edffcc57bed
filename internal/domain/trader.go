package domain

import "time"

// TraderStatus is the behavioural state of a monitored address.
type TraderStatus string

const (
	TraderUnknown      TraderStatus = "unknown"
	TraderActive       TraderStatus = "active"
	TraderActiveLosing TraderStatus = "active_losing"
	TraderInactive     TraderStatus = "inactive"
	TraderExcluded     TraderStatus = "excluded"
)

// Live reports whether the trader is currently trading (winning or not).
func (s TraderStatus) Live() bool {
	return s == TraderActive || s == TraderActiveLosing
}

// TraderState is a read-only copy of one trader's state.
type TraderState struct {
	Address           Address      `json:"address"`
	Status            TraderStatus `json:"status"`
	TradeCount        int64        `json:"trade_count"`
	RollingPnL        float64      `json:"rolling_pnl"`
	ConsecutiveLosses int          `json:"consecutive_losses"`
	OpenAssets        int          `json:"open_assets"`
	FirstSeenAt       time.Time    `json:"first_seen_at,omitempty"`
	LastObservedAt    time.Time    `json:"last_observed_at,omitempty"`
	Version           uint64       `json:"version"`
}
