package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/metrics"
)

// LoadFile reads and validates the roster at path and merges wallets. An
// empty path yields only the wallets. The digest covers both inputs.
func LoadFile(path string, wallets []string) ([]domain.RosterEntry, string, error) {
	h := sha256.New()
	var entries []domain.RosterEntry

	if path != "" {
		format, err := FormatFromPath(path)
		if err != nil {
			return nil, "", err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("registry: read %s: %w", path, err)
		}
		h.Write(data)
		entries, err = Parse(bytes.NewReader(data), format)
		if err != nil {
			return nil, "", err
		}
	}

	h.Write([]byte(strings.Join(wallets, ",")))
	entries, err := MergeWallets(entries, wallets)
	if err != nil {
		return nil, "", err
	}
	return entries, hex.EncodeToString(h.Sum(nil)), nil
}

// Reloader re-reads the roster on a fixed cadence. A bad file never replaces
// the snapshot currently being served.
type Reloader struct {
	reg      *Registry
	path     string
	wallets  []string
	interval time.Duration
	metrics  *metrics.Registry
	logger   *slog.Logger
}

// NewReloader creates a Reloader publishing into reg.
func NewReloader(reg *Registry, path string, wallets []string, interval time.Duration, m *metrics.Registry, logger *slog.Logger) *Reloader {
	return &Reloader{
		reg:      reg,
		path:     path,
		wallets:  wallets,
		interval: interval,
		metrics:  m,
		logger:   logger.With(slog.String("component", "registry")),
	}
}

// Load performs the initial load. Any error is a configuration error and the
// caller should abort startup.
func (r *Reloader) Load() (*Snapshot, error) {
	entries, digest, err := LoadFile(r.path, r.wallets)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("registry: roster %q lists no traders", r.path)
	}
	snap := r.reg.Publish(entries, digest)
	r.record(snap)
	r.logger.Info("roster loaded",
		slog.Int("traders", snap.Len()),
		slog.Int("active", len(snap.Active())),
		slog.Uint64("version", snap.Version()),
	)
	return snap, nil
}

// Reload re-reads the roster once. It reports whether a new snapshot was
// published.
func (r *Reloader) Reload() (bool, error) {
	entries, digest, err := LoadFile(r.path, r.wallets)
	if err != nil {
		r.metrics.Inc(metrics.RegistryReloadFailures)
		return false, err
	}
	if len(entries) == 0 {
		r.metrics.Inc(metrics.RegistryReloadFailures)
		return false, fmt.Errorf("registry: roster %q lists no traders", r.path)
	}
	if digest == r.reg.Current().Digest() {
		return false, nil
	}
	snap := r.reg.Publish(entries, digest)
	r.record(snap)
	r.logger.Info("roster reloaded",
		slog.Int("traders", snap.Len()),
		slog.Int("active", len(snap.Active())),
		slog.Uint64("version", snap.Version()),
	)
	return true, nil
}

// Run reloads every interval until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Reload(); err != nil {
				r.logger.Error("roster reload rejected, keeping last good snapshot",
					slog.Uint64("version", r.reg.Current().Version()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (r *Reloader) record(snap *Snapshot) {
	r.metrics.Set(metrics.RegistryVersion, int64(snap.Version()))
	r.metrics.Set(metrics.RegistrySize, int64(snap.Len()))
}
