package trader

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
)

var (
	addrA = domain.MustAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func testConfig() Config {
	return Config{
		SilenceWindow:        72 * time.Hour,
		LosingPnLThreshold:   -500,
		MaxConsecutiveLosses: 3,
		PnLWindow:            7 * 24 * time.Hour,
	}
}

var txSeq int

func trade(side domain.Side, asset string, size, price float64, at time.Time) domain.TradeObservation {
	txSeq++
	p := domain.TradePayload{Market: "0xm" + asset, AssetID: asset, Side: side, Size: size, Price: price}
	return domain.NewObservation(addrA, domain.SourceChain, "0x"+string(rune('a'+txSeq%26))+at.Format("150405.000"), p, at, at)
}

func TestFirstObservationActivates(t *testing.T) {
	m := NewMachine(addrA, testConfig())

	before, after, err := m.Apply(trade(domain.SideBuy, "1", 100, 0.4, t0), t0)
	require.NoError(t, err)
	assert.Equal(t, domain.TraderUnknown, before.Status)
	assert.Equal(t, domain.TraderActive, after.Status)
	assert.Equal(t, int64(1), after.TradeCount)
	assert.Equal(t, uint64(1), after.Version)
	assert.Equal(t, t0, after.FirstSeenAt)
	assert.Equal(t, 1, after.OpenAssets)
}

func TestAverageCostRealisedPnL(t *testing.T) {
	m := NewMachine(addrA, testConfig())

	_, _, err := m.Apply(trade(domain.SideBuy, "1", 100, 0.40, t0), t0)
	require.NoError(t, err)
	_, _, err = m.Apply(trade(domain.SideBuy, "1", 100, 0.60, t0.Add(time.Minute)), t0.Add(time.Minute))
	require.NoError(t, err)
	_, after, err := m.Apply(trade(domain.SideSell, "1", 50, 0.30, t0.Add(2*time.Minute)), t0.Add(2*time.Minute))
	require.NoError(t, err)

	assert.InDelta(t, -10.0, after.RollingPnL, 1e-9)
	assert.Equal(t, 1, after.ConsecutiveLosses)
	assert.Equal(t, 1, after.OpenAssets)

	// selling more than held only realises what was seen bought
	_, after, err = m.Apply(trade(domain.SideSell, "1", 500, 0.70, t0.Add(3*time.Minute)), t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.InDelta(t, -10.0+0.2*150, after.RollingPnL, 1e-9)
	assert.Equal(t, 0, after.ConsecutiveLosses)
	assert.Equal(t, 0, after.OpenAssets)
	assert.True(t, m.Flat())
}

func TestSellWithoutSeenBuyRealisesNothing(t *testing.T) {
	m := NewMachine(addrA, testConfig())

	_, after, err := m.Apply(trade(domain.SideSell, "9", 100, 0.1, t0), t0)
	require.NoError(t, err)
	assert.Zero(t, after.RollingPnL)
	assert.Zero(t, after.ConsecutiveLosses)
	assert.Equal(t, domain.TraderActive, after.Status)
}

func TestConsecutiveLossesAndRecovery(t *testing.T) {
	m := NewMachine(addrA, testConfig())
	at := t0

	_, _, err := m.Apply(trade(domain.SideBuy, "1", 1000, 0.5, at), at)
	require.NoError(t, err)
	var after Snapshot
	for i := 0; i < 3; i++ {
		at = at.Add(time.Minute)
		_, after, err = m.Apply(trade(domain.SideSell, "1", 10, 0.4, at), at)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, after.ConsecutiveLosses)
	assert.Equal(t, domain.TraderActiveLosing, after.Status)

	at = at.Add(time.Minute)
	_, after, err = m.Apply(trade(domain.SideSell, "1", 10, 0.9, at), at)
	require.NoError(t, err)
	assert.Equal(t, 0, after.ConsecutiveLosses)
	assert.Equal(t, domain.TraderActive, after.Status)
}

func TestLosingPnLAgesOut(t *testing.T) {
	cfg := testConfig()
	cfg.SilenceWindow = 30 * 24 * time.Hour
	m := NewMachine(addrA, cfg)

	_, _, err := m.Apply(trade(domain.SideBuy, "1", 2000, 0.5, t0), t0)
	require.NoError(t, err)
	_, after, err := m.Apply(trade(domain.SideSell, "1", 2000, 0.2, t0.Add(time.Hour)), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, -600.0, after.RollingPnL, 1e-6)
	assert.Equal(t, domain.TraderActiveLosing, after.Status)

	assert.False(t, m.Refresh(t0.Add(2*time.Hour)))
	require.True(t, m.Refresh(t0.Add(8*24*time.Hour)))
	assert.Equal(t, domain.TraderActive, m.Snapshot().Status)
	assert.Zero(t, m.Snapshot().RollingPnL)
}

func TestOutOfOrderRejected(t *testing.T) {
	m := NewMachine(addrA, testConfig())

	_, _, err := m.Apply(trade(domain.SideBuy, "1", 10, 0.5, t0.Add(time.Minute)), t0.Add(time.Minute))
	require.NoError(t, err)
	_, after, err := m.Apply(trade(domain.SideBuy, "1", 10, 0.5, t0), t0.Add(time.Minute))
	require.ErrorIs(t, err, domain.ErrOutOfOrder)
	assert.Equal(t, uint64(1), after.Version)
}

// Silent past the window: the decision sees inactive, the fold reactivates.
func TestSilenceThenReactivation(t *testing.T) {
	book := NewBook()
	m := metrics.New()
	s := NewShard(testConfig(), book, m, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, _, err := s.Apply(trade(domain.SideBuy, "1", 10, 0.5, t0), t0)
	require.NoError(t, err)

	later := t0.Add(73 * time.Hour)
	before, after, err := s.Apply(trade(domain.SideBuy, "1", 10, 0.5, later), later)
	require.NoError(t, err)
	assert.Equal(t, domain.TraderInactive, before.Status)
	assert.Equal(t, domain.TraderActive, after.Status)

	got, ok := book.Get(addrA)
	require.True(t, ok)
	assert.Equal(t, domain.TraderActive, got.Status)
	assert.Equal(t, int64(1), m.Get(metrics.TraderTransitions, "from", "active", "to", "inactive"))
	assert.Equal(t, int64(1), m.Get(metrics.TraderTransitions, "from", "inactive", "to", "active"))
}

func TestSweepMarksSilentTraders(t *testing.T) {
	book := NewBook()
	s := NewShard(testConfig(), book, metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, _, err := s.Apply(trade(domain.SideBuy, "1", 10, 0.5, t0), t0)
	require.NoError(t, err)

	assert.Empty(t, s.Sweep(t0.Add(time.Hour)))
	changed := s.Sweep(t0.Add(80 * time.Hour))
	require.Len(t, changed, 1)
	assert.Equal(t, domain.TraderInactive, changed[0].Status)
	assert.Empty(t, s.Sweep(t0.Add(90*time.Hour)))

	counts := book.CountByStatus()
	assert.Equal(t, 1, counts[domain.TraderInactive])
}

func TestExcludeArchivesState(t *testing.T) {
	book := NewBook()
	s := NewShard(testConfig(), book, metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, _, err := s.Apply(trade(domain.SideBuy, "1", 10, 0.5, t0), t0)
	require.NoError(t, err)

	final, ok := s.Exclude(addrA)
	require.True(t, ok)
	assert.Equal(t, domain.TraderExcluded, final.Status)
	_, ok = book.Get(addrA)
	assert.False(t, ok)
	assert.Empty(t, s.Addresses())

	before, _, err := s.Apply(trade(domain.SideBuy, "1", 10, 0.5, t0.Add(time.Hour)), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.TraderUnknown, before.Status)
}

func TestExcludedMachineRefusesFolds(t *testing.T) {
	m := NewMachine(addrA, testConfig())
	m.Exclude()

	_, _, err := m.Apply(trade(domain.SideBuy, "1", 10, 0.5, t0), t0)
	assert.ErrorIs(t, err, domain.ErrExcluded)
}
