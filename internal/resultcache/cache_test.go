package resultcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fathom-engine/fathom/internal/models"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, time.Hour, zaptest.NewLogger(t)), mr
}

func TestCacheRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	key := Key("ws-1", "how many errors", "a1b2c3d4e5f60718")
	want := &models.AggregateResult{
		Answer:              "998",
		Confidence:          0.9,
		ContributingTaskIDs: []string{"t-1", "t-2"},
	}

	require.NoError(t, c.Set(ctx, key, want))
	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestCacheMissReturnsNil(t *testing.T) {
	c, _ := newTestCache(t)
	got, err := c.Get(context.Background(), Key("ws-1", "q", "fp"))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestKeyDistinguishesInputs(t *testing.T) {
	base := Key("ws-1", "how many errors", "fp-1")
	require.NotEqual(t, base, Key("ws-2", "how many errors", "fp-1"))
	require.NotEqual(t, base, Key("ws-1", "how many warnings", "fp-1"))
	require.NotEqual(t, base, Key("ws-1", "how many errors", "fp-2"))
	require.Equal(t, base, Key("ws-1", "how many errors", "fp-1"))
}

func TestCacheEntriesExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewWithClient(client, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	key := Key("ws-1", "q", "fp")
	require.NoError(t, c.Set(ctx, key, &models.AggregateResult{Answer: "42"}))

	mr.FastForward(2 * time.Minute)

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCacheTreatsRedisDownAsMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewWithClient(client, time.Hour, zaptest.NewLogger(t))
	mr.Close()

	got, err := c.Get(context.Background(), Key("ws-1", "q", "fp"))
	require.NoError(t, err)
	require.Nil(t, got)
}
