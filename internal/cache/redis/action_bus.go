package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// streamMaxLen bounds the action stream through XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// ActionBus carries actions out of process: pub/sub for the live feed that
// dashboards follow, a stream for the execution collaborator that must not
// miss a mirror.
type ActionBus struct {
	rdb *redis.Client
}

// NewActionBus creates an ActionBus backed by c.
func NewActionBus(c *Client) *ActionBus {
	return &ActionBus{rdb: c.Underlying()}
}

// Publish sends payload to a pub/sub channel.
func (b *ActionBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads published on channel (a glob
// pattern uses PSUBSCRIBE). It is closed when ctx is cancelled.
func (b *ActionBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = b.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = b.rdb.Subscribe(ctx, channel)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// StreamAppend adds one entry carrying the action id and its JSON. Consumers
// deduplicate on action_id since a retried append may land twice.
func (b *ActionBus) StreamAppend(ctx context.Context, stream string, id string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"action_id": id,
			"payload":   payload,
		},
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead reads up to count entries after lastID ("0" for the start). No
// entries is not an error.
func (b *ActionBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var out []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			if m, ok := decodeStreamMessage(msg); ok {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func decodeStreamMessage(msg redis.XMessage) (domain.StreamMessage, bool) {
	var data []byte
	switch v := msg.Values["payload"].(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return domain.StreamMessage{}, false
	}
	return domain.StreamMessage{ID: msg.ID, Payload: data}, true
}

var _ domain.ActionBus = (*ActionBus)(nil)
