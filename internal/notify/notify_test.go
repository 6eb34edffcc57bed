package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/domain"
)

type fakeSender struct {
	name   string
	err    error
	titles []string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	f.titles = append(f.titles, title)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &fakeSender{name: "a"}
	n := NewNotifier([]Sender{s}, []string{EventMirror}, testLogger())

	require.NoError(t, n.Notify(context.Background(), EventTrade, "t1", "m"))
	require.NoError(t, n.Notify(context.Background(), EventMirror, "t2", "m"))
	require.NoError(t, n.NotifyAll(context.Background(), "t3", "m"))
	assert.Equal(t, []string{"t2", "t3"}, s.titles)
}

func TestNotifierCollectsFailures(t *testing.T) {
	ok := &fakeSender{name: "ok"}
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	n := NewNotifier([]Sender{bad, ok}, nil, testLogger())

	err := n.Notify(context.Background(), EventTrade, "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, ok.titles, 1)
}

func TestNotifierCooldownSuppressesRepeats(t *testing.T) {
	s := &fakeSender{name: "a"}
	n := NewNotifier([]Sender{s}, nil, testLogger()).WithCooldown(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, EventDeadLetter, "t1", "m"))
	require.NoError(t, n.Notify(ctx, EventDeadLetter, "t1", "m"))
	require.NoError(t, n.Notify(ctx, EventDeadLetter, "t1", "other"))
	now = now.Add(time.Minute)
	require.NoError(t, n.Notify(ctx, EventDeadLetter, "t1", "m"))
	require.NoError(t, n.NotifyAll(ctx, "t1", "m"))
	assert.Equal(t, []string{"t1", "t1", "t1", "t1"}, s.titles)
}

func TestFormatActionLinksProfile(t *testing.T) {
	addr := domain.MustAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	p := domain.TradePayload{Market: "0xm", Title: "Will <it> rain?", Side: domain.SideBuy, Size: 100, Price: 0.42}
	obs := domain.NewObservation(addr, domain.SourceChain, "0x1", p, time.Time{}, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	event, title, body := FormatAction(domain.Action{Kind: domain.ActionNotify, Address: addr, Label: "whale", Observation: obs, Reason: "stale"})
	assert.Equal(t, EventTrade, event)
	assert.Contains(t, title, "Trade signal")
	assert.Contains(t, body, `href="https://polymarket.com/@whale"`)
	assert.Contains(t, body, "Will &lt;it&gt; rain?")
	assert.Contains(t, body, "$42.00")
	assert.Contains(t, body, "<i>stale</i>")

	_, _, body = FormatAction(domain.Action{Kind: domain.ActionMirror, Address: addr, Observation: obs,
		Mirror: &domain.MirrorParams{Side: domain.SideBuy, Size: 10, Price: 0.42, Notional: 4.2}})
	assert.Contains(t, body, "https://polymarket.com/profile/"+addr.String())
	assert.Contains(t, body, "Mirror BUY 10.00")
}

func TestPlainText(t *testing.T) {
	assert.Equal(t, "bold & link", PlainText(`<b>bold</b> &amp; <a href="x">link</a>`))
}

func TestClassFilter(t *testing.T) {
	f := NewClassFilter([]string{"weather"})
	assert.True(t, f.Allows(domain.ClassNicheAsymmetric))
	assert.False(t, f.Allows(domain.ClassBasic))
	assert.True(t, NewClassFilter(nil).Allows(domain.ClassBasic))
}

func TestTelegramSendsHTML(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), "A & B", "<i>body</i>"))

	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "<b>A &amp; B</b>\n<i>body</i>", got["text"])
}

func TestDiscordRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.ErrorIs(t, err, domain.ErrPermanent)
}

func TestDiscordSendsEmbed(t *testing.T) {
	var got discordWebhook
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, s.Send(context.Background(), "🟢 Mirror trade", "<b>BUY</b> &amp; hold"))

	require.Len(t, got.Embeds, 1)
	e := got.Embeds[0]
	assert.Equal(t, "🟢 Mirror trade", e.Title)
	assert.Equal(t, "BUY & hold", e.Description)
	assert.Equal(t, 0x2ecc71, e.Color)
	assert.Equal(t, "2026-03-01T12:00:00Z", e.Timestamp)
}

func TestRateLimitedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.apiBase = srv.URL
	err := s.Send(context.Background(), "t", "m")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.NotErrorIs(t, err, domain.ErrPermanent)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab…", truncate("abcd", 3))
}
