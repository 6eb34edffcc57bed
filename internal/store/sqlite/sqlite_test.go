package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/domain"
)

var (
	addrA = domain.MustAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	addrB = domain.MustAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func openTest(t *testing.T) domain.Stores {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.now = func() time.Time { return t0 }
	return db.Stores()
}

func obsAt(addr domain.Address, tx string, at time.Time) domain.TradeObservation {
	p := domain.TradePayload{Market: "0xm", AssetID: "1", Title: "Will it rain?", Side: domain.SideBuy, Size: 10, Price: 0.4}
	return domain.NewObservation(addr, domain.SourceChain, tx, p, at.Add(-time.Second), at)
}

func TestObservationRoundTripAndDedup(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	o1 := obsAt(addrA, "0x1", t0)
	o2 := obsAt(addrA, "0x2", t0.Add(time.Minute))
	require.NoError(t, s.Observations.InsertBatch(ctx, []domain.TradeObservation{o1, o2, o1}))
	require.NoError(t, s.Observations.InsertBatch(ctx, []domain.TradeObservation{obsAt(addrB, "0x3", t0)}))

	got, err := s.Observations.ListByAddress(ctx, addrA, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, o2, got[0])
	assert.Equal(t, o1, got[1])

	since := t0.Add(30 * time.Second)
	got, err = s.Observations.ListByAddress(ctx, addrA, domain.ListOpts{Since: &since})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, o2.Fingerprint, got[0].Fingerprint)
}

func TestObservationArchiveWindow(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.Observations.InsertBatch(ctx, []domain.TradeObservation{
		obsAt(addrA, "0x1", t0),
		obsAt(addrA, "0x2", t0.Add(time.Hour)),
		obsAt(addrB, "0x3", t0.Add(2*time.Hour)),
	}))

	old, err := s.Observations.ListBefore(ctx, t0.Add(90*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, old, 2)
	assert.Equal(t, t0, old[0].ObservedAt)

	n, err := s.Observations.DeleteBefore(ctx, t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rest, err := s.Observations.ListBefore(ctx, t0.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestActionInsertIsIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	a := domain.Action{
		ID:          domain.ActionID("fp1"),
		Kind:        domain.ActionMirror,
		Address:     addrA,
		Observation: obsAt(addrA, "0x1", t0),
		Mirror:      &domain.MirrorParams{Market: "0xm", Side: domain.SideBuy, Size: 100, Price: 0.5, Notional: 50},
		GeneratedAt: t0,
	}
	require.NoError(t, s.Actions.Insert(ctx, a))
	require.NoError(t, s.Actions.Insert(ctx, a))

	got, err := s.Actions.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Mirror, got.Mirror)
	assert.Equal(t, a.Kind, got.Kind)

	recent, err := s.Actions.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	_, err = s.Actions.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeadLetterLifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	a := domain.Action{ID: "a1", Kind: domain.ActionMirror, Address: addrA, GeneratedAt: t0}
	id, err := s.DeadLetters.Insert(ctx, domain.DeadLetter{ActionID: a.ID, Destination: "stream", Action: a, Attempts: 3, LastError: "boom"})
	require.NoError(t, err)
	assert.Positive(t, id)

	dl, err := s.DeadLetters.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "stream", dl.Destination)
	assert.Equal(t, 3, dl.Attempts)
	assert.Equal(t, t0, dl.CreatedAt)
	assert.Nil(t, dl.ResolvedAt)

	open, err := s.DeadLetters.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)

	resolvedAt := t0.Add(time.Hour)
	require.NoError(t, s.DeadLetters.MarkResolved(ctx, id, resolvedAt))
	require.NoError(t, s.DeadLetters.MarkResolved(ctx, id, resolvedAt.Add(time.Hour)))

	dl, err = s.DeadLetters.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, dl.ResolvedAt)
	assert.Equal(t, resolvedAt, *dl.ResolvedAt)

	open, err = s.DeadLetters.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.ErrorIs(t, s.DeadLetters.MarkResolved(ctx, 999, t0), domain.ErrNotFound)
	_, err = s.DeadLetters.GetByID(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditLog(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Audit.Log(ctx, "trader_archived", map[string]any{"address": string(addrA), "trade_count": 4}))
	require.NoError(t, s.Audit.Log(ctx, "dead_letter_replayed", map[string]any{"id": 1}))

	entries, err := s.Audit.List(ctx, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	all, err := s.Audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	events := []string{all[0].Event, all[1].Event}
	assert.ElementsMatch(t, []string{"trader_archived", "dead_letter_replayed"}, events)
	for _, e := range all {
		if e.Event == "trader_archived" {
			assert.Equal(t, float64(4), e.Detail["trade_count"])
		}
	}
}
