package domain

import (
	"context"
	"time"
)

// SeenSet is a TTL-bounded cross-process record of accepted fingerprints.
// MarkSeen returns true when the key was newly recorded.
type SeenSet interface {
	MarkSeen(ctx context.Context, addr Address, fingerprint string, ttl time.Duration) (bool, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager hands out cross-process locks. Acquire returns ErrLockHeld
// when another process holds key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// ActionBus carries actions to out-of-process consumers.
type ActionBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, id string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// MetricsStore persists counter snapshots.
type MetricsStore interface {
	Save(ctx context.Context, values map[string]int64) error
	Load(ctx context.Context) (map[string]int64, error)
}
