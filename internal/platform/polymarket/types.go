package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// flexFloat unmarshals from a JSON number or a numeric string. The data API
// has sent both for size and price over time.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(n)
	return nil
}

// flexTime accepts unix seconds, unix milliseconds, or an RFC3339 string.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*t = flexTime(parseUnix(n.String()))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if ts := parseUnix(s); !ts.IsZero() {
		*t = flexTime(ts)
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			*t = flexTime(ts)
			return nil
		}
	}
	*t = flexTime(time.Time{})
	return nil
}

func parseUnix(s string) time.Time {
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil && sec > 0 {
		if sec > 1e12 {
			return time.UnixMilli(sec).UTC()
		}
		return time.Unix(sec, 0).UTC()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
	}
	return time.Time{}
}

// --------------------------------------------------------------------------
// Data API DTOs
// --------------------------------------------------------------------------

// APITrade is one row of GET /trades?user= and also the payload of a
// live-data orders_matched message.
type APITrade struct {
	ProxyWallet     string    `json:"proxyWallet"`
	Side            string    `json:"side"`
	Asset           string    `json:"asset"`
	ConditionID     string    `json:"conditionId"`
	Size            flexFloat `json:"size"`
	Price           flexFloat `json:"price"`
	Timestamp       flexTime  `json:"timestamp"`
	Title           string    `json:"title"`
	Slug            string    `json:"slug"`
	Outcome         string    `json:"outcome"`
	TransactionHash string    `json:"transactionHash"`
	Name            string    `json:"name"`
	Pseudonym       string    `json:"pseudonym"`
}

// TradedAt is the venue timestamp, zero when absent.
func (t APITrade) TradedAt() time.Time {
	return time.Time(t.Timestamp)
}

// ToPayload maps the trade onto the domain payload. The second return is
// false when the side cannot be parsed.
func (t APITrade) ToPayload() (domain.TradePayload, bool) {
	side, ok := domain.ParseSide(t.Side)
	if !ok {
		return domain.TradePayload{}, false
	}
	market := t.ConditionID
	if market == "" {
		market = t.Asset
	}
	return domain.TradePayload{
		Market:  strings.ToLower(market),
		AssetID: t.Asset,
		Outcome: t.Outcome,
		Title:   t.Title,
		Side:    side,
		Size:    float64(t.Size),
		Price:   float64(t.Price),
	}, true
}

// APIPosition is one row of GET /positions?user=.
type APIPosition struct {
	ProxyWallet  string    `json:"proxyWallet"`
	Asset        string    `json:"asset"`
	ConditionID  string    `json:"conditionId"`
	Size         flexFloat `json:"size"`
	AvgPrice     flexFloat `json:"avgPrice"`
	CurPrice     flexFloat `json:"curPrice"`
	CurrentValue flexFloat `json:"currentValue"`
	InitialValue flexFloat `json:"initialValue"`
	Title        string    `json:"title"`
	Outcome      string    `json:"outcome"`
}

// --------------------------------------------------------------------------
// Live-data WebSocket DTOs
// --------------------------------------------------------------------------

// liveSubscription is the subscribe command of the live-data socket.
type liveSubscription struct {
	Action        string         `json:"action"`
	Subscriptions []liveTopicSub `json:"subscriptions"`
}

type liveTopicSub struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
}

// liveMessage is the envelope of every live-data frame.
type liveMessage struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`
	Timestamp flexTime        `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}
