package domain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address is a lowercase 0x-prefixed Polygon account address.
type Address string

// ParseAddress validates and normalises a hex address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: invalid address %q", ErrMalformed, s)
	}
	return Address(strings.ToLower(common.HexToAddress(s).Hex())), nil
}

// MustAddress is ParseAddress for constants and tests.
func MustAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Common returns the go-ethereum representation.
func (a Address) Common() common.Address {
	return common.HexToAddress(string(a))
}

func (a Address) String() string { return string(a) }

// Short renders 0x1234…abcd for log lines and messages.
func (a Address) Short() string {
	s := string(a)
	if len(s) < 12 {
		return s
	}
	return s[:6] + "…" + s[len(s)-4:]
}

// Classification is the curated behavioural tag of a trader. Policy code
// switches on it; it never selects an implementation.
type Classification string

const (
	ClassHFArbitrage     Classification = "hf-arbitrage"
	ClassNicheAsymmetric Classification = "niche-asymmetric"
	ClassNegRisk         Classification = "neg-risk"
	ClassBasic           Classification = "basic"
	ClassIndependent     Classification = "independent"
	ClassUnverified      Classification = "unverified"
)

var classAliases = map[string]Classification{
	"hf-arbitrage":     ClassHFArbitrage,
	"short-term":       ClassHFArbitrage,
	"btc-hf":           ClassHFArbitrage,
	"niche-asymmetric": ClassNicheAsymmetric,
	"weather":          ClassNicheAsymmetric,
	"neg-risk":         ClassNegRisk,
	"negrisk":          ClassNegRisk,
	"basic":            ClassBasic,
	"independent":      ClassIndependent,
	"analysis":         ClassIndependent,
	"unverified":       ClassUnverified,
}

// ParseClassification accepts canonical names and the legacy monitor
// category names. Empty input maps to unverified.
func ParseClassification(s string) (Classification, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ClassUnverified, nil
	}
	c, ok := classAliases[s]
	if !ok {
		return "", fmt.Errorf("%w: unknown classification %q", ErrMalformed, s)
	}
	return c, nil
}

// VisibilityOnly reports whether trades of this class are surfaced but never mirrored.
func (c Classification) VisibilityOnly() bool {
	return c == ClassIndependent || c == ClassUnverified
}

// InclusionStatus is the curation status of a roster entry.
type InclusionStatus string

const (
	StatusIncluded InclusionStatus = "active"
	StatusExcluded InclusionStatus = "excluded"
)

// ReasonUnreachable marks an address curation gave up on.
const ReasonUnreachable = "unreachable"

// ParseInclusionStatus maps roster text to a status. Empty means active.
func ParseInclusionStatus(s string) (InclusionStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "active", "included":
		return StatusIncluded, nil
	case "excluded":
		return StatusExcluded, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrMalformed, s)
	}
}

// RosterEntry is one curated trader.
type RosterEntry struct {
	Address        Address         `json:"address"`
	Classification Classification  `json:"classification"`
	Status         InclusionStatus `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	Label          string          `json:"label,omitempty"`
}

// Excluded reports whether curation removed the trader.
func (e RosterEntry) Excluded() bool {
	return e.Status == StatusExcluded
}

// ProfileURL links to the trader's public profile.
func (e RosterEntry) ProfileURL() string {
	if e.Label != "" {
		return "https://polymarket.com/@" + e.Label
	}
	return "https://polymarket.com/profile/" + string(e.Address)
}
