package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// SourceID names the adapter an observation came from.
type SourceID string

const (
	SourceChain     SourceID = "chain"
	SourceLiveFeed  SourceID = "livefeed"
	SourceDataAPI   SourceID = "data-api"
	SourceSubgraph  SourceID = "subgraph"
	SourcePositions SourceID = "positions"
)

// Priority orders sources for tie-breaking; lower wins. Push feeds rank
// ahead of poll feeds.
func (s SourceID) Priority() int {
	switch s {
	case SourceChain:
		return 0
	case SourceLiveFeed:
		return 1
	case SourceDataAPI:
		return 2
	case SourceSubgraph:
		return 3
	case SourcePositions:
		return 4
	default:
		return 9
	}
}

// Push reports whether the source is subscription based.
func (s SourceID) Push() bool {
	return s == SourceChain || s == SourceLiveFeed
}

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts any case.
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, true
	case "SELL":
		return SideSell, true
	}
	return "", false
}

// TradePayload is what the trader did.
type TradePayload struct {
	Market  string  `json:"market"` // condition id
	AssetID string  `json:"asset_id,omitempty"`
	Outcome string  `json:"outcome,omitempty"`
	Title   string  `json:"title,omitempty"`
	Side    Side    `json:"side"`
	Size    float64 `json:"size"`  // outcome tokens
	Price   float64 `json:"price"` // USDC per token
}

// Notional is size × price in USDC.
func (p TradePayload) Notional() float64 {
	return p.Size * p.Price
}

// TradeObservation is one sighting of one trade by one source.
type TradeObservation struct {
	Address     Address      `json:"address"`
	Source      SourceID     `json:"source"`
	NativeID    string       `json:"native_id,omitempty"`
	Fingerprint string       `json:"fingerprint"`
	ObservedAt  time.Time    `json:"observed_at"`
	TradedAt    time.Time    `json:"traded_at,omitempty"`
	Payload     TradePayload `json:"payload"`
}

// OccurredAt is the best estimate of when the trade happened.
func (o TradeObservation) OccurredAt() time.Time {
	if !o.TradedAt.IsZero() {
		return o.TradedAt
	}
	return o.ObservedAt
}

// Validate rejects observations the pipeline cannot reason about.
func (o TradeObservation) Validate() error {
	switch {
	case o.Address == "":
		return malformed("missing address")
	case o.Fingerprint == "":
		return malformed("missing fingerprint")
	case o.ObservedAt.IsZero():
		return malformed("missing observed-at")
	case o.Payload.Side != SideBuy && o.Payload.Side != SideSell:
		return malformed("unknown side " + strconv.Quote(string(o.Payload.Side)))
	case !(o.Payload.Size > 0):
		return malformed("non-positive size")
	case o.Payload.Price < 0 || o.Payload.Price > 1:
		return malformed("price outside [0,1]")
	}
	return nil
}

func malformed(msg string) error {
	return &ObservationError{Msg: msg}
}

// ObservationError describes why an observation was rejected. It matches ErrMalformed.
type ObservationError struct {
	Msg string
}

func (e *ObservationError) Error() string { return "malformed observation: " + e.Msg }

func (e *ObservationError) Is(target error) bool { return target == ErrMalformed }

// DefaultFingerprintBucket is the timestamp bucket for derived fingerprints.
const DefaultFingerprintBucket = time.Minute

// FingerprintBucket is the bucket NewObservation uses. Set it at startup,
// before any adapter runs.
var FingerprintBucket = DefaultFingerprintBucket

// CanonicalFingerprint identifies the underlying trade independent of the
// source. A transaction hash wins; otherwise the fingerprint is derived from
// market, side, size and a time bucket.
func CanonicalFingerprint(addr Address, nativeID string, p TradePayload, at time.Time, bucket time.Duration) string {
	h := sha256.New()
	if nativeID != "" {
		h.Write([]byte("tx|" + string(addr) + "|" + strings.ToLower(nativeID)))
		return hex.EncodeToString(h.Sum(nil))
	}
	if bucket <= 0 {
		bucket = DefaultFingerprintBucket
	}
	parts := []string{
		"derived",
		string(addr),
		strings.ToLower(p.Market),
		string(p.Side),
		strconv.FormatFloat(p.Size, 'f', 6, 64),
		strconv.FormatInt(at.UTC().Truncate(bucket).Unix(), 10),
	}
	h.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h.Sum(nil))
}

// NewObservation fills in the canonical fingerprint.
func NewObservation(addr Address, src SourceID, nativeID string, p TradePayload, tradedAt, observedAt time.Time) TradeObservation {
	at := tradedAt
	if at.IsZero() {
		at = observedAt
	}
	return TradeObservation{
		Address:     addr,
		Source:      src,
		NativeID:    strings.ToLower(nativeID),
		Fingerprint: CanonicalFingerprint(addr, nativeID, p, at, FingerprintBucket),
		ObservedAt:  observedAt,
		TradedAt:    tradedAt,
		Payload:     p,
	}
}
