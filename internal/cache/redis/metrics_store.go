package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/copybot/internal/domain"
)

const metricsKey = keyPrefix + "metrics"

// MetricsStore keeps counter snapshots in one hash so that a restarted
// process resumes its totals.
type MetricsStore struct {
	rdb *redis.Client
}

// NewMetricsStore creates a MetricsStore backed by c.
func NewMetricsStore(c *Client) *MetricsStore {
	return &MetricsStore{rdb: c.Underlying()}
}

// Save overwrites the stored fields with values.
func (s *MetricsStore) Save(ctx context.Context, values map[string]int64) error {
	if len(values) == 0 {
		return nil
	}
	fields := make(map[string]any, len(values))
	for k, v := range values {
		fields[k] = v
	}
	if err := s.rdb.HSet(ctx, metricsKey, fields).Err(); err != nil {
		return fmt.Errorf("redis: save metrics: %w", err)
	}
	return nil
}

// Load reads the last snapshot. Fields that are not integers are skipped.
func (s *MetricsStore) Load(ctx context.Context) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, metricsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load metrics: %w", err)
	}
	return parseMetrics(raw), nil
}

func parseMetrics(raw map[string]string) map[string]int64 {
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out
}

var _ domain.MetricsStore = (*MetricsStore)(nil)
