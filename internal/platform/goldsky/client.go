// Package goldsky polls the Polymarket orderbook subgraph hosted on Goldsky
// for OrderFilled events.
package goldsky

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

const requestTimeout = 30 * time.Second

// fillsQuery asks for both sides in one round trip. The subgraph cannot OR
// across fields, so maker and taker matches come back under two aliases.
const fillsQuery = `query Fills($since: BigInt!, $first: Int!, $users: [String!]!) {
  maker: orderFilledEvents(first: $first, orderBy: timestamp, orderDirection: asc,
    where: {timestamp_gt: $since, maker_in: $users}) { ...fill }
  taker: orderFilledEvents(first: $first, orderBy: timestamp, orderDirection: asc,
    where: {timestamp_gt: $since, taker_in: $users}) { ...fill }
}
fragment fill on OrderFilledEvent {
  id transactionHash timestamp
  maker makerAssetId makerAmountFilled
  taker takerAssetId takerAmountFilled
}`

// Client talks GraphQL to one subgraph endpoint.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(apiKey),
		http:     &http.Client{Timeout: requestTimeout},
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type fillEvent struct {
	ID              string `json:"id"`
	TransactionHash string `json:"transactionHash"`
	Timestamp       string `json:"timestamp"`
	Maker           string `json:"maker"`
	MakerAssetID    string `json:"makerAssetId"`
	MakerAmount     string `json:"makerAmountFilled"`
	Taker           string `json:"taker"`
	TakerAssetID    string `json:"takerAssetId"`
	TakerAmount     string `json:"takerAmountFilled"`
}

// fill converts the subgraph's decimal strings. Events with unparseable
// numbers are reported as not ok.
func (e fillEvent) fill() (domain.RawFill, bool) {
	ts, err1 := strconv.ParseInt(e.Timestamp, 10, 64)
	maker, err2 := strconv.ParseInt(e.MakerAmount, 10, 64)
	taker, err3 := strconv.ParseInt(e.TakerAmount, 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return domain.RawFill{}, false
	}
	return domain.RawFill{
		ID:                e.ID,
		TransactionHash:   strings.ToLower(e.TransactionHash),
		Timestamp:         ts,
		Maker:             strings.ToLower(e.Maker),
		MakerAssetID:      e.MakerAssetID,
		MakerAmountFilled: maker,
		Taker:             strings.ToLower(e.Taker),
		TakerAssetID:      e.TakerAssetID,
		TakerAmountFilled: taker,
	}, true
}

// FetchFills returns up to first fills per side newer than since (unix
// seconds) that involve any participant, merged by event id and sorted by
// timestamp then id.
func (c *Client) FetchFills(ctx context.Context, participants []domain.Address, since int64, first int) ([]domain.RawFill, error) {
	if len(participants) == 0 {
		return nil, nil
	}
	users := make([]string, len(participants))
	for i, p := range participants {
		users[i] = string(p)
	}

	var data struct {
		Maker []fillEvent `json:"maker"`
		Taker []fillEvent `json:"taker"`
	}
	err := c.query(ctx, fillsQuery, map[string]any{
		"since": strconv.FormatInt(since, 10),
		"first": first,
		"users": users,
	}, &data)
	if err != nil {
		return nil, fmt.Errorf("goldsky: fetch fills: %w", err)
	}

	seen := make(map[string]bool, len(data.Maker)+len(data.Taker))
	var fills []domain.RawFill
	for _, e := range append(data.Maker, data.Taker...) {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		if f, ok := e.fill(); ok {
			fills = append(fills, f)
		}
	}
	slices.SortFunc(fills, func(a, b domain.RawFill) int {
		return cmp.Or(cmp.Compare(a.Timestamp, b.Timestamp), strings.Compare(a.ID, b.ID))
	})
	return fills, nil
}

// query posts one GraphQL request and decodes its data member into out.
func (c *Client) query(ctx context.Context, q string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: q, Variables: vars})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql: %s", envelope.Errors[0].Message)
	}
	if len(envelope.Data) == 0 {
		return fmt.Errorf("graphql: empty data")
	}
	return json.Unmarshal(envelope.Data, out)
}
