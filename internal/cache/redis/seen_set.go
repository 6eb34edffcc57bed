package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// SeenSet records accepted fingerprints with SET NX so that several copybot
// processes sharing one Redis accept each trade once.
type SeenSet struct {
	rdb *redis.Client
}

// NewSeenSet creates a SeenSet backed by c.
func NewSeenSet(c *Client) *SeenSet {
	return &SeenSet{rdb: c.Underlying()}
}

func seenKey(addr domain.Address, fingerprint string) string {
	return keyPrefix + "seen:" + string(addr) + ":" + fingerprint
}

// MarkSeen returns true when this call recorded the fingerprint first.
func (s *SeenSet) MarkSeen(ctx context.Context, addr domain.Address, fingerprint string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, seenKey(addr, fingerprint), time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: mark seen %s: %w", addr.Short(), err)
	}
	return ok, nil
}

var _ domain.SeenSet = (*SeenSet)(nil)
