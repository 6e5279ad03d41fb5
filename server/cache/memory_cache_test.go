package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestCache(t *testing.T, maxSize int, ttl time.Duration) (*MemoryCache[string], *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	c := NewMemoryCache[string](maxSize, ttl, zap.NewNop())
	c.now = clk.now
	t.Cleanup(func() { _ = c.Close() })
	return c, clk
}

func TestMemoryCache_GetAfterSet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10, time.Second)

	require.NoError(t, c.Set(ctx, "a", "alpha"))

	v, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "alpha", v)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, 10, 2*time.Second)

	require.NoError(t, c.Set(ctx, "a", "alpha"))
	clk.advance(1500 * time.Millisecond)

	ttl, err := c.GetTTL(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, ttl)

	clk.advance(501 * time.Millisecond)

	ok, err := c.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCache_SetOverwrites(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, 10, time.Second)

	require.NoError(t, c.Set(ctx, "a", "first"))
	clk.advance(900 * time.Millisecond)
	require.NoError(t, c.Set(ctx, "a", "second"))
	clk.advance(900 * time.Millisecond)

	v, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, 2, time.Minute)

	require.NoError(t, c.Set(ctx, "a", "1"))
	clk.advance(time.Millisecond)
	require.NoError(t, c.Set(ctx, "b", "2"))
	clk.advance(time.Millisecond)

	_, err := c.Get(ctx, "a")
	require.NoError(t, err)
	clk.advance(time.Millisecond)

	require.NoError(t, c.Set(ctx, "c", "3"))

	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "a")
	assert.NoError(t, err)
	_, err = c.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestMemoryCache_Stats(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, 5, time.Second)

	require.NoError(t, c.Set(ctx, "a", "1"))
	require.NoError(t, c.SetWithTTL(ctx, "b", "2", time.Hour))
	_, _ = c.Get(ctx, "a")
	_, _ = c.Get(ctx, "x")
	clk.advance(2 * time.Second)

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &CacheStats{Items: 2, Expired: 1, Hits: 1, Misses: 1, MaxSize: 5}, stats)

	assert.Equal(t, 1, c.removeExpired())
	require.NoError(t, c.Delete(ctx, "b"))

	stats, err = c.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Items)
	assert.NoError(t, c.Close())
}
