package redis

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/domain"
)

func TestKeysAreNamespaced(t *testing.T) {
	addr := domain.MustAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	assert.Equal(t, "copybot:seen:"+string(addr)+":fp1", seenKey(addr, "fp1"))
	assert.Equal(t, "copybot:ratelimit:data-api", rateLimitKey("data-api"))
	assert.Equal(t, "copybot:lock:archive", lockKey("archive"))
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("copybot:*"))
	assert.False(t, hasPattern("copybot:actions"))
}

func TestDecodeStreamMessage(t *testing.T) {
	m, ok := decodeStreamMessage(redis.XMessage{ID: "1-0", Values: map[string]any{"action_id": "a", "payload": `{"id":"a"}`}})
	require.True(t, ok)
	assert.Equal(t, "1-0", m.ID)
	assert.JSONEq(t, `{"id":"a"}`, string(m.Payload))

	_, ok = decodeStreamMessage(redis.XMessage{ID: "2-0", Values: map[string]any{"action_id": "b"}})
	assert.False(t, ok)
}

func TestParseMetricsSkipsGarbage(t *testing.T) {
	got := parseMetrics(map[string]string{"alerts{kind=dead_letter}": "3", "bad": "x"})
	assert.Equal(t, map[string]int64{"alerts{kind=dead_letter}": 3}, got)
}

func TestOptions(t *testing.T) {
	opts, err := options(ClientConfig{URL: "rediss://:secret@cache:6380/2", PoolSize: 7})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)
	assert.NotNil(t, opts.TLSConfig)

	opts, err = options(ClientConfig{URL: "redis://cache:6379/1", Addr: "localhost:6379", DB: 3})
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 1, opts.DB)
	assert.Nil(t, opts.TLSConfig)

	opts, err = options(ClientConfig{Addr: "localhost:6379", TLSEnabled: true})
	require.NoError(t, err)
	assert.NotNil(t, opts.TLSConfig)

	_, err = options(ClientConfig{})
	assert.Error(t, err)
	_, err = options(ClientConfig{URL: "http://nope"})
	assert.Error(t, err)
}
