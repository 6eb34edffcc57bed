package registry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishVersionsAndSubscribers(t *testing.T) {
	reg := New()
	assert.Equal(t, uint64(0), reg.Current().Version())
	assert.Equal(t, 0, reg.Current().Len())

	sub := reg.Subscribe()
	first := reg.Publish([]domain.RosterEntry{
		{Address: domain.MustAddress(addrB), Status: domain.StatusIncluded},
		{Address: domain.MustAddress(addrA), Status: domain.StatusExcluded},
	}, "d1")
	assert.Equal(t, uint64(1), first.Version())
	assert.Equal(t, []domain.Address{domain.MustAddress(addrA), domain.MustAddress(addrB)}, first.Addresses())
	assert.Equal(t, []domain.Address{domain.MustAddress(addrB)}, first.Active())

	second := reg.Publish(nil, "d2")
	assert.Equal(t, uint64(2), second.Version())

	// only the newest unread snapshot is delivered
	got := <-sub
	assert.Same(t, second, got)
	select {
	case <-sub:
		t.Fatal("expected coalesced delivery")
	default:
	}

	// the old snapshot is untouched
	_, ok := first.Lookup(domain.MustAddress(addrA))
	assert.True(t, ok)
}

func writeRoster(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "roster.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestReloaderKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	path := writeRoster(t, dir, "address,classification\n"+addrA+",basic\n")

	reg := New()
	m := metrics.New()
	rl := NewReloader(reg, path, nil, time.Minute, m, testLogger())

	snap, err := rl.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version())
	assert.Equal(t, int64(1), m.Get(metrics.RegistrySize))

	// unchanged content does not bump the version
	changed, err := rl.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, uint64(1), reg.Current().Version())

	// a broken file is rejected and the old snapshot stays in place
	writeRoster(t, dir, "address,classification\n"+addrA+",basic\nbogus,basic\n")
	changed, err = rl.Reload()
	require.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, uint64(1), reg.Current().Version())
	assert.Equal(t, int64(1), m.Get(metrics.RegistryReloadFailures))

	writeRoster(t, dir, "address,classification\n"+addrA+",basic\n"+addrB+",weather\n")
	changed, err = rl.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(2), reg.Current().Version())
	assert.Equal(t, 2, reg.Current().Len())
	assert.Equal(t, int64(2), m.Get(metrics.RegistryVersion))
}

func TestReloaderRejectsEmptyRoster(t *testing.T) {
	dir := t.TempDir()
	path := writeRoster(t, dir, "address,classification\n"+addrA+",basic\n")

	reg := New()
	m := metrics.New()
	rl := NewReloader(reg, path, nil, time.Minute, m, testLogger())
	_, err := rl.Load()
	require.NoError(t, err)

	// a truncated file keeps the header only
	writeRoster(t, dir, "address,classification\n")
	changed, err := rl.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lists no traders")
	assert.False(t, changed)
	assert.Equal(t, uint64(1), reg.Current().Version())
	assert.Equal(t, 1, reg.Current().Len())
	assert.Equal(t, int64(1), m.Get(metrics.RegistryReloadFailures))
}

func TestReloaderInitialLoadFailures(t *testing.T) {
	rl := NewReloader(New(), filepath.Join(t.TempDir(), "missing.csv"), nil, time.Minute, metrics.New(), testLogger())
	_, err := rl.Load()
	require.Error(t, err)

	empty := NewReloader(New(), "", nil, time.Minute, metrics.New(), testLogger())
	_, err = empty.Load()
	require.Error(t, err)
}

func TestReloaderWalletsOnly(t *testing.T) {
	reg := New()
	rl := NewReloader(reg, "", []string{addrC}, time.Minute, metrics.New(), testLogger())
	snap, err := rl.Load()
	require.NoError(t, err)
	e, ok := snap.Lookup(domain.MustAddress(addrC))
	require.True(t, ok)
	assert.Equal(t, domain.ClassUnverified, e.Classification)
}
