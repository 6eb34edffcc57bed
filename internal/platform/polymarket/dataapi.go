package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// DefaultDataAPIURL is the public Polymarket data API.
const DefaultDataAPIURL = "https://data-api.polymarket.com"

// RateLimitError is returned for HTTP 429. It wraps domain.ErrRateLimited and
// carries the server's Retry-After hint when one was sent.
type RateLimitError struct {
	RetryAfter time.Duration
	Body       string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s): %s", domain.ErrRateLimited, e.RetryAfter, e.Body)
	}
	return fmt.Sprintf("%s: %s", domain.ErrRateLimited, e.Body)
}

func (e *RateLimitError) Unwrap() error { return domain.ErrRateLimited }

// DataClient is the REST client for the Polymarket data API, which serves
// per-user trade history and open positions.
type DataClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewDataClient creates a data API client. A non-positive ratePerSec disables
// client-side limiting.
func NewDataClient(baseURL string, ratePerSec float64, burst int) *DataClient {
	if baseURL == "" {
		baseURL = DefaultDataAPIURL
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	if burst < 1 {
		burst = 1
	}
	return &DataClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// GetTrades returns the most recent trades of user, newest first.
func (d *DataClient) GetTrades(ctx context.Context, user domain.Address, limit int) ([]APITrade, error) {
	params := url.Values{}
	params.Set("user", string(user))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("takerOnly", "false")

	body, err := d.doGet(ctx, "/trades?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/data: get trades %s: %w", user.Short(), err)
	}

	var trades []APITrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, fmt.Errorf("polymarket/data: decode trades: %w", err)
	}
	return trades, nil
}

// GetPositions returns the open positions of user.
func (d *DataClient) GetPositions(ctx context.Context, user domain.Address) ([]APIPosition, error) {
	params := url.Values{}
	params.Set("user", string(user))
	params.Set("sizeThreshold", "0")

	body, err := d.doGet(ctx, "/positions?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/data: get positions %s: %w", user.Short(), err)
	}

	var positions []APIPosition
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, fmt.Errorf("polymarket/data: decode positions: %w", err)
	}
	return positions, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet waits on the limiter and sends an unauthenticated GET.
func (d *DataClient) doGet(ctx context.Context, path string) ([]byte, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       string(body),
		}
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
