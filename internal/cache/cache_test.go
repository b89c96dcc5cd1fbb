package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type payload struct {
	Answer string `json:"answer"`
	Count  int    `json:"count"`
}

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, ttl, zap.NewNop()), mr
}

func TestCache_RoundTrip(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)
	ctx := context.Background()
	key := Key("search", "query text", "5")

	var missed payload
	assert.False(t, c.Get(ctx, key, &missed))

	c.Set(ctx, key, payload{Answer: "cached", Count: 3})

	var hit payload
	require.True(t, c.Get(ctx, key, &hit))
	assert.Equal(t, payload{Answer: "cached", Count: 3}, hit)
}

func TestCache_TTLExpiry(t *testing.T) {
	c, mr := newTestCache(t, time.Second)
	ctx := context.Background()
	key := Key("ask", "will it rain")

	c.Set(ctx, key, payload{Answer: "yes"})
	mr.FastForward(2 * time.Second)

	var out payload
	assert.False(t, c.Get(ctx, key, &out), "entries expire after the TTL")
}

func TestCache_DisabledIsNoOp(t *testing.T) {
	c := New(nil, time.Minute, zap.NewNop())
	ctx := context.Background()

	assert.False(t, c.Enabled())
	c.Set(ctx, Key("search", "q"), payload{Answer: "x"})
	var out payload
	assert.False(t, c.Get(ctx, Key("search", "q"), &out))
}

func TestCache_CorruptEntryIsDropped(t *testing.T) {
	c, mr := newTestCache(t, time.Minute)
	ctx := context.Background()
	key := Key("search", "q")

	require.NoError(t, mr.Set(key, "{not json"))

	var out payload
	assert.False(t, c.Get(ctx, key, &out))
	assert.False(t, mr.Exists(key), "corrupt entries are deleted on read")
}

func TestKey_DistinguishesInputs(t *testing.T) {
	assert.NotEqual(t, Key("search", "a", "b"), Key("search", "ab"))
	assert.NotEqual(t, Key("search", "q"), Key("ask", "q"))
	assert.Equal(t, Key("search", "q", "5"), Key("search", "q", "5"))
}
