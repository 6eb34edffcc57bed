package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/decision"
	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
	"github.com/alanyoungcy/copybot/internal/registry"
	"github.com/alanyoungcy/copybot/internal/sequencer"
	"github.com/alanyoungcy/copybot/internal/trader"
)

var (
	addrA = domain.MustAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	addrB = domain.MustAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	addrC = domain.MustAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	addrX = domain.MustAddress("0x1111111111111111111111111111111111111111")
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type captureQueue struct {
	mu      sync.Mutex
	actions []domain.Action
}

func (q *captureQueue) Enqueue(_ context.Context, a domain.Action) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = append(q.actions, a)
	return nil
}

func (q *captureQueue) all() []domain.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.Action(nil), q.actions...)
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{ID: int64(len(a.entries) + 1), Event: event, Detail: detail})
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

type fixture struct {
	reg       *registry.Registry
	queue     *captureQueue
	audit     *memAudit
	portfolio *decision.Portfolio
	book      *trader.Book
	metrics   *metrics.Registry
	now       time.Time
	proc      *Processor
}

func newFixture(t *testing.T, entries ...domain.RosterEntry) *fixture {
	t.Helper()
	f := &fixture{
		reg:     registry.New(),
		queue:   &captureQueue{},
		audit:   &memAudit{},
		book:    trader.NewBook(),
		metrics: metrics.New(),
		now:     t0,
	}
	f.reg.Publish(entries, "v1")
	f.portfolio = decision.NewPortfolio(f.metrics)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f.proc = NewProcessor(0, trader.Config{
		SilenceWindow:        72 * time.Hour,
		LosingPnLThreshold:   -500,
		MaxConsecutiveLosses: 3,
		PnLWindow:            7 * 24 * time.Hour,
	}, Deps{
		Registry: f.reg,
		Engine: decision.NewEngine(decision.Policy{
			MirrorEnabled:      true,
			Capital:            1000,
			RiskFraction:       0.05,
			MaxTradeFraction:   0.10,
			MaxMirroredTraders: 3,
			StalenessThreshold: 30 * time.Second,
			MinOrderNotional:   1,
			MirrorClasses:      []domain.Classification{domain.ClassHFArbitrage, domain.ClassBasic},
		}),
		Portfolio: f.portfolio,
		Breaker:   decision.NewBreaker(decision.BreakerConfig{MaxConsecutiveFailures: 5, Cooldown: time.Hour}, logger),
		Book:      f.book,
		Dispatch:  f.queue,
		Audit:     f.audit,
		Metrics:   f.metrics,
		Logger:    logger,
		Now:       func() time.Time { return f.now },
	})
	return f
}

func included(addr domain.Address, class domain.Classification) domain.RosterEntry {
	return domain.RosterEntry{Address: addr, Classification: class, Status: domain.StatusIncluded}
}

func buy(addr domain.Address, tx string, size, price float64, at time.Time) domain.TradeObservation {
	p := domain.TradePayload{Market: "0xm", AssetID: "1", Side: domain.SideBuy, Size: size, Price: price}
	return domain.NewObservation(addr, domain.SourceChain, tx, p, at, at)
}

func TestProcessMirrorsUnderCap(t *testing.T) {
	f := newFixture(t,
		included(addrA, domain.ClassHFArbitrage),
		included(addrB, domain.ClassHFArbitrage),
		included(addrC, domain.ClassHFArbitrage),
	)
	require.True(t, f.portfolio.Admit(addrB, 3))
	require.True(t, f.portfolio.Admit(addrC, 3))

	f.proc.Process(context.Background(), buy(addrA, "0xT1", 1000, 0.5, t0))

	acts := f.queue.all()
	require.Len(t, acts, 1)
	assert.Equal(t, domain.ActionMirror, acts[0].Kind)
	require.NotNil(t, acts[0].Mirror)
	assert.InDelta(t, 100.0, acts[0].Mirror.Size, 1e-9)
	assert.True(t, f.portfolio.View(addrA).IsMirrored)
	assert.Equal(t, int64(1), f.metrics.Get(metrics.ActionsEmitted, "kind", string(domain.ActionMirror)))

	s, ok := f.book.Get(addrA)
	require.True(t, ok)
	assert.Equal(t, domain.TraderActive, s.Status)
}

func TestProcessCapReachedNotifies(t *testing.T) {
	f := newFixture(t, included(addrA, domain.ClassHFArbitrage))
	for _, a := range []domain.Address{addrB, addrC, addrX} {
		require.True(t, f.portfolio.Admit(a, 3))
	}

	f.proc.Process(context.Background(), buy(addrA, "0xT1", 1000, 0.5, t0))

	acts := f.queue.all()
	require.Len(t, acts, 1)
	assert.Equal(t, domain.ActionNotify, acts[0].Kind)
	assert.Equal(t, decision.ReasonDiversificationCap, acts[0].Reason)
	assert.False(t, f.portfolio.View(addrA).IsMirrored)
}

func TestProcessExcludedNeverFolds(t *testing.T) {
	excluded := included(addrA, domain.ClassHFArbitrage)
	excluded.Status = domain.StatusExcluded
	f := newFixture(t, excluded)

	f.proc.Process(context.Background(), buy(addrA, "0xT1", 1000, 0.5, t0))

	assert.Empty(t, f.queue.all())
	_, ok := f.book.Get(addrA)
	assert.False(t, ok)
	assert.Equal(t, int64(1), f.metrics.Get(metrics.ObservationsSuppressed, "reason", decision.ReasonExcluded))
}

func TestProcessUnknownAddressSuppressed(t *testing.T) {
	f := newFixture(t, included(addrA, domain.ClassHFArbitrage))

	f.proc.Process(context.Background(), buy(addrX, "0xT1", 1000, 0.5, t0))

	assert.Empty(t, f.queue.all())
	assert.Equal(t, int64(1), f.metrics.Get(metrics.ObservationsSuppressed, "reason", decision.ReasonUnknownAddress))
}

func TestProcessSilentTraderReactivatesWithoutAction(t *testing.T) {
	f := newFixture(t, included(addrA, domain.ClassHFArbitrage))
	ctx := context.Background()

	f.proc.Process(ctx, buy(addrA, "0xT1", 10, 0.5, t0))
	require.Len(t, f.queue.all(), 1)

	later := t0.Add(73 * time.Hour)
	f.now = later
	f.proc.Tick(ctx, later)
	s, _ := f.book.Get(addrA)
	require.Equal(t, domain.TraderInactive, s.Status)
	assert.False(t, f.portfolio.View(addrA).IsMirrored, "slot released once the trader went quiet")

	f.proc.Process(ctx, buy(addrA, "0xT2", 10, 0.5, later))

	assert.Len(t, f.queue.all(), 1, "no action for the reactivating trade")
	assert.Equal(t, int64(1), f.metrics.Get(metrics.ObservationsSuppressed, "reason", decision.ReasonInactive))
	s, _ = f.book.Get(addrA)
	assert.Equal(t, domain.TraderActive, s.Status)
}

func TestProcessSellOutReleasesSlot(t *testing.T) {
	f := newFixture(t, included(addrA, domain.ClassHFArbitrage))
	ctx := context.Background()

	f.proc.Process(ctx, buy(addrA, "0xT1", 100, 0.5, t0))
	require.True(t, f.portfolio.View(addrA).IsMirrored)

	f.now = t0.Add(time.Minute)
	sell := domain.NewObservation(addrA, domain.SourceChain, "0xT2",
		domain.TradePayload{Market: "0xm", AssetID: "1", Side: domain.SideSell, Size: 100, Price: 0.6},
		f.now, f.now)
	f.proc.Process(ctx, sell)

	acts := f.queue.all()
	require.Len(t, acts, 2)
	assert.Equal(t, domain.ActionMirror, acts[1].Kind)
	assert.False(t, f.portfolio.View(addrA).IsMirrored)
}

func TestTickArchivesTradersRemovedFromRoster(t *testing.T) {
	f := newFixture(t, included(addrA, domain.ClassHFArbitrage))
	ctx := context.Background()
	f.proc.Process(ctx, buy(addrA, "0xT1", 100, 0.5, t0))

	excluded := included(addrA, domain.ClassHFArbitrage)
	excluded.Status = domain.StatusExcluded
	f.reg.Publish([]domain.RosterEntry{excluded}, "v2")
	f.proc.Tick(ctx, t0.Add(time.Minute))

	_, ok := f.book.Get(addrA)
	assert.False(t, ok)
	assert.False(t, f.portfolio.View(addrA).IsMirrored)

	entries, err := f.audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "trader_archived", entries[0].Event)
	assert.Equal(t, "roster", entries[0].Detail["trigger"])
	assert.Equal(t, int64(1), entries[0].Detail["trade_count"])
}

// The same trade through a push and a poll source two seconds apart yields
// a single action.
func TestSequencedDuplicateYieldsOneAction(t *testing.T) {
	f := newFixture(t, included(addrA, domain.ClassHFArbitrage))
	now := time.Now()
	f.now = now

	p := domain.TradePayload{Market: "0xm", AssetID: "1", Side: domain.SideBuy, Size: 1000, Price: 0.5}
	push := domain.NewObservation(addrA, domain.SourceChain, "0xT1", p, now, now)
	poll := domain.NewObservation(addrA, domain.SourceDataAPI, "0xT1", p, now, now.Add(2*time.Second))
	require.Equal(t, push.Fingerprint, poll.Fingerprint)

	seq := sequencer.New(sequencer.Config{
		Partitions:   2,
		WindowSize:   64,
		WindowAge:    time.Hour,
		ReorderDelay: 10 * time.Millisecond,
	}, func(int) sequencer.Processor { return f.proc }, nil, f.metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))

	in := make(chan domain.TradeObservation, 2)
	in <- push
	in <- poll
	close(in)
	require.NoError(t, seq.Run(context.Background(), in))

	acts := f.queue.all()
	require.Len(t, acts, 1)
	assert.Equal(t, domain.ActionMirror, acts[0].Kind)
	assert.Equal(t, int64(1), f.metrics.Get(metrics.ObservationsDeduplicated, "source", string(domain.SourceDataAPI)))
}

// A trade reported by the trades poller and again by the position diff it
// caused yields a single action.
func TestTradeAndPositionDiffYieldOneAction(t *testing.T) {
	f := newFixture(t, included(addrA, domain.ClassHFArbitrage))
	now := time.Now()
	f.now = now

	p := domain.TradePayload{Market: "0xm", AssetID: "1", Side: domain.SideBuy, Size: 1000, Price: 0.5}
	trade := domain.NewObservation(addrA, domain.SourceDataAPI, "0xT1", p, now, now)
	diff := domain.NewObservation(addrA, domain.SourcePositions, "", p, time.Time{}, now.Add(30*time.Second))
	require.NotEqual(t, trade.Fingerprint, diff.Fingerprint)

	seq := sequencer.New(sequencer.Config{
		Partitions:   2,
		WindowSize:   64,
		WindowAge:    time.Hour,
		ReorderDelay: 10 * time.Millisecond,
	}, func(int) sequencer.Processor { return f.proc }, nil, f.metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))

	in := make(chan domain.TradeObservation, 2)
	in <- trade
	in <- diff
	close(in)
	require.NoError(t, seq.Run(context.Background(), in))

	acts := f.queue.all()
	require.Len(t, acts, 1)
	assert.Equal(t, domain.ActionMirror, acts[0].Kind)
	assert.Equal(t, domain.SourceDataAPI, acts[0].Observation.Source)
	assert.Equal(t, int64(1), f.metrics.Get(metrics.ObservationsDeduplicated, "source", string(domain.SourcePositions)))
}

// A position diff nothing explained is reported but never mirrored.
func TestUnexplainedPositionDiffNotifies(t *testing.T) {
	f := newFixture(t, included(addrA, domain.ClassHFArbitrage))
	f.now = t0

	p := domain.TradePayload{Market: "0xm", AssetID: "1", Side: domain.SideBuy, Size: 1000, Price: 0.5}
	f.proc.Process(context.Background(), domain.NewObservation(addrA, domain.SourcePositions, "", p, time.Time{}, t0))

	acts := f.queue.all()
	require.Len(t, acts, 1)
	assert.Equal(t, domain.ActionNotify, acts[0].Kind)
	assert.Equal(t, decision.ReasonInferred, acts[0].Reason)
}

func TestScheduleNext(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) // a Sunday
	cases := []struct {
		expr string
		want time.Time
	}{
		{"0 3 * * *", time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)},
		{"30 9-17 * * 1-5", time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)},
		{"0 0 1 4,10 *", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		s, err := parseSchedule(tc.expr)
		require.NoError(t, err, tc.expr)
		next, ok := s.next(after)
		require.True(t, ok, tc.expr)
		assert.Equal(t, tc.want, next, tc.expr)
	}

	for _, bad := range []string{"bad", "60 * * * *", "* * * * 7", "*/0 * * * *", "5-1 * * * *"} {
		_, err := parseSchedule(bad)
		assert.Error(t, err, bad)
	}

	never, err := parseSchedule("0 0 31 2 *")
	require.NoError(t, err)
	_, ok := never.next(after)
	assert.False(t, ok)
}

type fakeArchive struct {
	mu     sync.Mutex
	before []time.Time
}

func (f *fakeArchive) ArchiveObservations(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before = append(f.before, before)
	return 3, nil
}

func (f *fakeArchive) ArchiveDeadLetter(context.Context, domain.DeadLetter) error { return nil }

func TestArchiverRunUsesRetention(t *testing.T) {
	fa := &fakeArchive{}
	a := NewArchiver(fa, 30, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return t0 }

	require.NoError(t, a.Run(context.Background()))
	require.Len(t, fa.before, 1)
	assert.Equal(t, t0.AddDate(0, 0, -30), fa.before[0])
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func TestArchiverSkipsWhenLockHeld(t *testing.T) {
	fa := &fakeArchive{}
	a := NewArchiver(fa, 30, heldLock{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, a.Run(context.Background()))
	assert.Empty(t, fa.before)
}
