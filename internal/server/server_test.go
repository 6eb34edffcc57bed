package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
	"github.com/alanyoungcy/copybot/internal/registry"
	"github.com/alanyoungcy/copybot/internal/server/handler"
	"github.com/alanyoungcy/copybot/internal/store/sqlite"
	"github.com/alanyoungcy/copybot/internal/trader"
)

var (
	addrA = domain.MustAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	addrB = domain.MustAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

type stubSources []domain.SourceHealth

func (s stubSources) Health() []domain.SourceHealth { return s }

type stubDeadLetters struct {
	items []domain.DeadLetter
}

func (s *stubDeadLetters) Insert(context.Context, domain.DeadLetter) (int64, error) { return 0, nil }

func (s *stubDeadLetters) GetByID(_ context.Context, id int64) (domain.DeadLetter, error) {
	for _, dl := range s.items {
		if dl.ID == id {
			return dl, nil
		}
	}
	return domain.DeadLetter{}, domain.ErrNotFound
}

func (s *stubDeadLetters) ListUnresolved(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	if len(s.items) > limit {
		return s.items[:limit], nil
	}
	return s.items, nil
}

func (s *stubDeadLetters) MarkResolved(context.Context, int64, time.Time) error { return nil }

type stubReplayer struct {
	replayed []int64
	err      error
}

func (r *stubReplayer) Replay(_ context.Context, id int64) error {
	if r.err != nil {
		return r.err
	}
	r.replayed = append(r.replayed, id)
	return nil
}

type stubLimiter struct{ allow bool }

func (l stubLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return l.allow, nil
}

func (l stubLimiter) Wait(context.Context, string) error { return nil }

type fixture struct {
	srv      *Server
	replayer *stubReplayer
	metrics  *metrics.Registry
}

func newFixture(t *testing.T, cfg Config, limiter domain.RateLimiter) fixture {
	return newFixtureWithChecks(t, cfg, limiter, nil)
}

func newFixtureWithChecks(t *testing.T, cfg Config, limiter domain.RateLimiter, checks map[string]handler.Check) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.New()
	reg.Publish([]domain.RosterEntry{
		{Address: addrA, Classification: domain.ClassBasic, Status: domain.StatusIncluded, Label: "alpha"},
		{Address: addrB, Classification: domain.ClassNegRisk, Status: domain.StatusExcluded, Reason: "closed"},
	}, "digest-1")

	book := trader.NewBook()
	book.Publish(trader.Snapshot{Address: addrA, Status: domain.TraderActive, TradeCount: 4})

	m := metrics.New()
	m.Inc(metrics.ActionsEmitted, "kind", "notify")

	dls := &stubDeadLetters{items: []domain.DeadLetter{
		{ID: 7, ActionID: "a-7", Destination: "webhook", Attempts: 3, LastError: "502"},
	}}
	rp := &stubReplayer{}

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	stores := db.Stores()
	seedHistory(t, stores)

	h := Handlers{
		Health:        handler.NewHealthHandler(reg, checks, "run", time.Now(), logger),
		Observability: handler.NewObservabilityHandler(m, book, reg, stubSources{{Source: domain.SourceChain, Healthy: true}}, logger),
		DeadLetters:   handler.NewDeadLetterHandler(dls, rp, logger),
		History:       handler.NewHistoryHandler(stores, logger),
	}
	return fixture{srv: NewServer(cfg, h, nil, limiter, logger), replayer: rp, metrics: m}
}

func (f fixture) do(method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Config{APIKey: "secret"}, nil)

	rec := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "run", body["mode"])
	assert.EqualValues(t, 1, body["registry_version"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealthDegradedWhenBackendFails(t *testing.T) {
	f := newFixtureWithChecks(t, Config{}, nil, map[string]handler.Check{
		"redis":  func(context.Context) error { return errors.New("connection refused") },
		"sqlite": func(context.Context) error { return nil },
	})

	rec := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	backends := body["backends"].(map[string]any)
	assert.Equal(t, "ok", backends["sqlite"])
	assert.Equal(t, "connection refused", backends["redis"])
}

func TestAuthRequiredOutsideHealth(t *testing.T) {
	f := newFixture(t, Config{APIKey: "secret"}, nil)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/metrics", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		f.do(http.MethodGet, "/api/metrics", http.Header{"X-Api-Key": {"wrong"}}).Code)
	assert.Equal(t, http.StatusOK,
		f.do(http.MethodGet, "/api/metrics", http.Header{"Authorization": {"Bearer secret"}}).Code)
	assert.Equal(t, http.StatusOK,
		f.do(http.MethodGet, "/api/metrics", http.Header{"X-Api-Key": {"secret"}}).Code)
}

func TestMetricsSnapshot(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec := f.do(http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)[metrics.Key(metrics.ActionsEmitted, "kind", "notify")])
}

func TestTraders(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec := f.do(http.MethodGet, "/api/traders?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	traders := decode(t, rec)["traders"].([]any)
	require.Len(t, traders, 1)
	assert.Equal(t, string(addrA), traders[0].(map[string]any)["address"])

	rec = f.do(http.MethodGet, "/api/traders?status=inactive", nil)
	assert.Empty(t, decode(t, rec)["traders"])
}

func TestGetTrader(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec := f.do(http.MethodGet, "/api/traders/"+string(addrA), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Contains(t, body, "state")
	assert.Equal(t, "alpha", body["roster"].(map[string]any)["label"])

	// Rostered but never observed.
	rec = f.do(http.MethodGet, "/api/traders/"+string(addrB), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decode(t, rec), "state")

	rec = f.do(http.MethodGet, "/api/traders/0x2222222222222222222222222222222222222222", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/traders/not-an-address", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegistryAndSources(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	body := decode(t, f.do(http.MethodGet, "/api/registry", nil))
	assert.Equal(t, "digest-1", body["digest"])
	assert.EqualValues(t, 1, body["active"])
	assert.Len(t, body["entries"], 2)

	rec := f.do(http.MethodGet, "/api/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sources []domain.SourceHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sources))
	require.Len(t, sources, 1)
	assert.Equal(t, domain.SourceChain, sources[0].Source)
}

func TestDeadLetters(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec := f.do(http.MethodGet, "/api/deadletters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dls []domain.DeadLetter
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dls))
	require.Len(t, dls, 1)
	assert.Equal(t, "webhook", dls[0].Destination)

	rec = f.do(http.MethodPost, "/api/deadletters/7/replay", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []int64{7}, f.replayer.replayed)

	rec = f.do(http.MethodPost, "/api/deadletters/abc/replay", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("dispatch: replay 9: %w", domain.ErrAlreadyExists), http.StatusConflict},
		{domain.ErrQueueClosed, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		f := newFixture(t, Config{}, nil)
		f.replayer.err = tc.err
		assert.Equal(t, tc.want, f.do(http.MethodPost, "/api/deadletters/9/replay", nil).Code, tc.err.Error())
	}
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 10}, stubLimiter{allow: false})

	rec := f.do(http.MethodGet, "/api/metrics", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, Config{CORSOrigins: []string{"http://localhost:3000"}, APIKey: "secret"}, nil)

	rec := f.do(http.MethodOptions, "/api/traders", http.Header{"Origin": {"http://localhost:3000"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(http.MethodOptions, "/api/traders", http.Header{"Origin": {"http://evil.test"}})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

var historyBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedHistory(t *testing.T, stores domain.Stores) {
	t.Helper()
	ctx := context.Background()
	var obs []domain.TradeObservation
	for i := 0; i < 3; i++ {
		p := domain.TradePayload{Market: "0xm", AssetID: "1", Side: domain.SideBuy, Size: 10, Price: 0.5}
		obs = append(obs, domain.NewObservation(addrA, domain.SourceDataAPI, fmt.Sprintf("0x%d", i), p,
			time.Time{}, historyBase.Add(time.Duration(i)*time.Hour)))
	}
	require.NoError(t, stores.Observations.InsertBatch(ctx, obs))
	require.NoError(t, stores.Actions.Insert(ctx, domain.Action{
		ID: "act-1", Kind: domain.ActionNotify, Address: addrA, Observation: obs[0], GeneratedAt: historyBase,
	}))
	require.NoError(t, stores.Audit.Log(ctx, "roster_reloaded", map[string]any{"version": 2}))
}

func TestTraderObservations(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	path := "/api/traders/" + string(addrA) + "/observations"

	rec := f.do(http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var obs []domain.TradeObservation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &obs))
	require.Len(t, obs, 3)
	assert.True(t, obs[0].ObservedAt.After(obs[2].ObservedAt))

	since := historyBase.Add(90 * time.Minute).Format(time.RFC3339)
	rec = f.do(http.MethodGet, path+"?since="+since, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &obs))
	assert.Len(t, obs, 1)

	rec = f.do(http.MethodGet, path+"?until="+fmt.Sprint(historyBase.Unix()), nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &obs))
	assert.Len(t, obs, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, path+"?since=yesterday", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, path+"?since=200&until=100", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/traders/nope/observations", nil).Code)
}

func TestActionsAndAudit(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec := f.do(http.MethodGet, "/api/actions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acts []domain.Action
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acts))
	require.Len(t, acts, 1)
	assert.Equal(t, "act-1", acts[0].ID)

	rec = f.do(http.MethodGet, "/api/actions/act-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "notify", decode(t, rec)["kind"])
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/actions/missing", nil).Code)

	rec = f.do(http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []domain.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "roster_reloaded", entries[0].Event)
}
