package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(100)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClientExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(100)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClientDeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(100)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "t:a:1", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "t:a:2", []byte("2"), time.Minute))
	require.NoError(t, c.Set(ctx, "t:b:1", []byte("3"), time.Minute))

	require.NoError(t, c.DeleteByPrefix(ctx, "t:a:"))

	_, err := c.Get(ctx, "t:a:1")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "t:b:1")
	assert.NoError(t, err)
}

func TestMemoryClientIncrWindow(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(100)
	defer c.Close()

	n, err := c.Incr(ctx, "rl", 10*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, _ = c.Incr(ctx, "rl", 10*time.Millisecond)
	assert.EqualValues(t, 2, n)

	time.Sleep(15 * time.Millisecond)
	n, _ = c.Incr(ctx, "rl", 10*time.Millisecond)
	assert.EqualValues(t, 1, n)
}

func TestQueryCacheKeyStableAndScoped(t *testing.T) {
	k1 := QueryCacheKey("t1", "total spend", "rrf:0.7")
	k2 := QueryCacheKey("t1", "total spend", "rrf:0.7")
	k3 := QueryCacheKey("t2", "total spend", "rrf:0.7")
	k4 := QueryCacheKey("t1", "total spend", "norm:0.7")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
}
