package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/config"
	"github.com/alanyoungcy/copybot/internal/crypto"
	"github.com/alanyoungcy/copybot/internal/decision"
	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
	"github.com/alanyoungcy/copybot/internal/notify"
	"github.com/alanyoungcy/copybot/internal/store/sqlite"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() *config.Config {
	cfg := config.Defaults()
	return &cfg
}

func TestRosterModePrintsTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traders.csv")
	require.NoError(t, os.WriteFile(path, []byte(`address,classification,status,reason,label
0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa,short-term,active,,alpha
0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb,weather,excluded,closed,
`), 0o644))

	cfg := testConfig()
	cfg.Registry.Path = path
	var out bytes.Buffer
	a := New(cfg, Options{Stdout: &out}, discard)

	require.NoError(t, a.RosterMode(context.Background()))
	text := out.String()
	assert.Contains(t, text, "alpha")
	assert.Contains(t, text, "hf-arbitrage")
	assert.Contains(t, text, "https://polymarket.com/@alpha")
	assert.Contains(t, text, "2 traders")
}

func TestRosterModeRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traders.csv")
	require.NoError(t, os.WriteFile(path, []byte("address,classification\nnot-an-address,basic\n"), 0o644))

	cfg := testConfig()
	cfg.Registry.Path = path
	a := New(cfg, Options{Stdout: io.Discard}, discard)
	assert.Error(t, a.RosterMode(context.Background()))
}

func TestSealModeRoundTrip(t *testing.T) {
	out := filepath.Join(t.TempDir(), "webhook.sealed")
	cfg := testConfig()
	cfg.Dispatch.SecretPassword = "correct horse"

	a := New(cfg, Options{SealOut: out, Stdin: strings.NewReader("hook-secret\n")}, discard)
	require.NoError(t, a.SealMode(context.Background()))

	secret, err := crypto.LoadSecret("", out, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "hook-secret", secret)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSealModeNeedsOut(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.SecretPassword = "pw"
	a := New(cfg, Options{Stdin: strings.NewReader("x")}, discard)
	assert.Error(t, a.SealMode(context.Background()))
}

func TestBreakerObserverCountsExecutionDestinationOnly(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := decision.NewBreaker(decision.BreakerConfig{MaxConsecutiveFailures: 2, MaxDailyNotional: 100, Cooldown: time.Hour}, discard)
	m := metrics.New()
	observe := breakerObserver(b, "webhook", m, func() time.Time { return now })

	mirror := domain.Action{Kind: domain.ActionMirror, Mirror: &domain.MirrorParams{Notional: 60}}
	observe("stream", mirror, nil)
	observe("stream", mirror, nil)
	assert.False(t, b.Open(now), "stream copies are not executions")

	observe("webhook", mirror, nil)
	assert.False(t, b.Open(now))
	observe("webhook", mirror, nil)
	assert.True(t, b.Open(now), "120 > daily cap of 100")
	assert.EqualValues(t, 1, m.Get(metrics.Alerts, "kind", "circuit_open"))
}

func TestBreakerObserverTripsOnFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := decision.NewBreaker(decision.BreakerConfig{MaxConsecutiveFailures: 2, Cooldown: time.Hour}, discard)
	observe := breakerObserver(b, "stream", metrics.New(), func() time.Time { return now })

	boom := errors.New("boom")
	observe("stream", domain.Action{Kind: domain.ActionMirror}, boom)
	assert.False(t, b.Open(now))
	observe("stream", domain.Action{Kind: domain.ActionMirror}, boom)
	assert.True(t, b.Open(now))
}

func TestBuildDispatcherDestinations(t *testing.T) {
	cfg := testConfig()
	deps := &Dependencies{Notifier: notify.NewNotifier(nil, nil, discard)}
	a := New(cfg, Options{}, discard)

	d, exec, err := a.buildDispatcher(deps, nil, metrics.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"notify"}, d.Destinations())
	assert.Empty(t, exec)

	cfg.Dispatch.WebhookURL = "http://127.0.0.1:1/hook"
	cfg.Dispatch.WebhookSecret = "s3cret"
	d, exec, err = a.buildDispatcher(deps, nil, metrics.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"webhook", "notify"}, d.Destinations())
	assert.Equal(t, "webhook", exec)

	cfg.Dispatch.WebhookSecret = ""
	cfg.Dispatch.WebhookSecretFile = filepath.Join(t.TempDir(), "missing")
	_, _, err = a.buildDispatcher(deps, nil, metrics.New())
	assert.Error(t, err)
}

func TestBuildPolicyParsesClasses(t *testing.T) {
	d := config.Defaults().Decision
	d.MirrorClasses = []string{"short-term", "basic"}
	p, err := buildPolicy(d)
	require.NoError(t, err)
	assert.Equal(t, []domain.Classification{domain.ClassHFArbitrage, domain.ClassBasic}, p.MirrorClasses)

	d.MirrorClasses = []string{"nope"}
	_, err = buildPolicy(d)
	assert.Error(t, err)
}

func TestDeadLettersListAndReplay(t *testing.T) {
	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	stores := db.Stores()

	ctx := context.Background()
	addr := domain.MustAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	act := domain.Action{
		ID:      domain.ActionID("fp-1"),
		Kind:    domain.ActionMirror,
		Address: addr,
		Mirror:  &domain.MirrorParams{Market: "0xm", Side: domain.SideBuy, Size: 10, Price: 0.5, Notional: 5},
	}
	id, err := stores.DeadLetters.Insert(ctx, domain.DeadLetter{
		ActionID:    act.ID,
		Destination: "webhook",
		Action:      act,
		Attempts:    3,
		LastError:   "exhausted: status 502",
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Dispatch.WebhookURL = hook.URL
	cfg.Dispatch.WebhookSecret = "s3cret"
	deps := &Dependencies{Stores: stores, Notifier: notify.NewNotifier(nil, nil, discard)}

	var out bytes.Buffer
	a := New(cfg, Options{Stdout: &out}, discard)
	require.NoError(t, a.DeadLettersMode(ctx, deps))
	assert.Contains(t, out.String(), "status 502")

	out.Reset()
	a = New(cfg, Options{Stdout: &out, Replay: id}, discard)
	require.NoError(t, a.DeadLettersMode(ctx, deps))
	assert.Contains(t, out.String(), "delivered to webhook")
	assert.EqualValues(t, 1, hits.Load())

	left, err := stores.DeadLetters.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDeadLettersArchivedNeedsS3(t *testing.T) {
	a := New(testConfig(), Options{Archived: true, Stdout: io.Discard}, discard)
	assert.Error(t, a.DeadLettersMode(context.Background(), &Dependencies{}))
}

type streamBus struct {
	domain.ActionBus
	gotStream, gotFrom string
	gotCount           int
	msgs               []domain.StreamMessage
}

func (b *streamBus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.gotStream, b.gotFrom, b.gotCount = stream, lastID, count
	return b.msgs, nil
}

func TestStreamModePrintsMirrors(t *testing.T) {
	addr := domain.MustAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	payload, err := json.Marshal(domain.Action{
		ID:          "act-1",
		Kind:        domain.ActionMirror,
		Address:     addr,
		Mirror:      &domain.MirrorParams{Side: domain.SideBuy, Size: 12.5, Price: 0.42},
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	bus := &streamBus{msgs: []domain.StreamMessage{
		{ID: "1-0", Payload: payload},
		{ID: "2-0", Payload: []byte("garbage")},
	}}

	cfg := testConfig()
	var out bytes.Buffer
	a := New(cfg, Options{StreamFrom: "0-5", Stdout: &out}, discard)
	require.NoError(t, a.StreamMode(context.Background(), &Dependencies{ActionBus: bus}))

	assert.Equal(t, cfg.Dispatch.Stream, bus.gotStream)
	assert.Equal(t, "0-5", bus.gotFrom)
	assert.Equal(t, streamReadDefault, bus.gotCount)
	text := out.String()
	assert.Contains(t, text, "act-1")
	assert.Contains(t, text, "12.50")
	assert.Contains(t, text, "undecodable")
	assert.Contains(t, text, "continue with -from 2-0")
}

func TestStreamModeNeedsRedis(t *testing.T) {
	a := New(testConfig(), Options{Stdout: io.Discard}, discard)
	assert.Error(t, a.StreamMode(context.Background(), &Dependencies{}))
}

type memArchive struct {
	objects map[string][]byte
}

func (m *memArchive) Put(context.Context, string, io.Reader, int64) error { return nil }

func (m *memArchive) Open(_ context.Context, key string) (io.ReadCloser, error) {
	b, ok := m.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memArchive) List(_ context.Context, prefix string) ([]domain.ArchivedObject, error) {
	var out []domain.ArchivedObject
	for k, b := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.ArchivedObject{Key: k, Size: int64(len(b))})
		}
	}
	return out, nil
}

func TestDeadLettersArchivedListAndShow(t *testing.T) {
	body, err := json.Marshal(domain.DeadLetter{ID: 42, ActionID: "act-42", Destination: "stream", Attempts: 3, LastError: "exhausted: down"})
	require.NoError(t, err)
	key := "deadletters/2026/03/01/42.jsonl"
	deps := &Dependencies{Archive: &memArchive{objects: map[string][]byte{key: append(body, '\n')}}}

	var out bytes.Buffer
	a := New(testConfig(), Options{Archived: true, Stdout: &out}, discard)
	require.NoError(t, a.DeadLettersMode(context.Background(), deps))
	assert.Contains(t, out.String(), key)

	out.Reset()
	a = New(testConfig(), Options{ShowArchived: key, Stdout: &out}, discard)
	require.NoError(t, a.DeadLettersMode(context.Background(), deps))
	assert.Contains(t, out.String(), "stream")
	assert.Contains(t, out.String(), "exhausted: down")

	a = New(testConfig(), Options{ShowArchived: "deadletters/none.jsonl", Stdout: io.Discard}, discard)
	assert.ErrorIs(t, a.DeadLettersMode(context.Background(), deps), domain.ErrNotFound)
}
