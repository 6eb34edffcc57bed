package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActionKind is the outcome of a decision.
type ActionKind string

const (
	ActionNotify   ActionKind = "notify"
	ActionMirror   ActionKind = "mirror-trade"
	ActionSuppress ActionKind = "suppress"
)

// actionNamespace scopes action ids derived from fingerprints.
var actionNamespace = uuid.MustParse("6f1c2b7e-3a51-4c1e-9d0a-58c0f7a4e2b1")

// ActionID is stable for a given observation fingerprint so that
// destinations can deduplicate redeliveries.
func ActionID(fingerprint string) string {
	return uuid.NewSHA1(actionNamespace, []byte(fingerprint)).String()
}

// MirrorParams is the recomputed order for a mirror-trade.
type MirrorParams struct {
	Market       string  `json:"market"`
	AssetID      string  `json:"asset_id,omitempty"`
	Side         Side    `json:"side"`
	Size         float64 `json:"size"`
	Price        float64 `json:"price"`
	Notional     float64 `json:"notional"`
	RiskFraction float64 `json:"risk_fraction"`
}

// Action is a decision about one observation.
type Action struct {
	ID          string           `json:"id"`
	Kind        ActionKind       `json:"kind"`
	Address     Address          `json:"address"`
	Label       string           `json:"label,omitempty"`
	Class       Classification   `json:"classification,omitempty"`
	Observation TradeObservation `json:"observation"`
	Mirror      *MirrorParams    `json:"mirror,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// DeadLetter is an action a destination never accepted.
type DeadLetter struct {
	ID          int64      `json:"id"`
	ActionID    string     `json:"action_id"`
	Destination string     `json:"destination"`
	Action      Action     `json:"action"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}
