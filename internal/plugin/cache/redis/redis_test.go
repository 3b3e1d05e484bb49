package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	registrycache "github.com/remembr/remembr/internal/registry/cache"
)

func newCache(t *testing.T) registrycache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := LoadFromURL(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	return c
}

func TestGetMissIsNotAnError(t *testing.T) {
	c := newCache(t)
	data, err := c.Get(context.Background(), registrycache.Key("nope"))
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestSetGetDelete(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	key := registrycache.Key("window", "abc")

	require.NoError(t, c.Set(ctx, key, []byte(`{"a":1}`), time.Minute))
	data, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	require.NoError(t, c.Delete(ctx, key))
	data, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestSwapReplacesValue(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	key := registrycache.Key("window", "swap")

	require.NoError(t, c.Set(ctx, key, []byte("old"), time.Minute))
	require.NoError(t, c.Swap(ctx, key, []byte("new"), time.Minute))

	data, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestDeletePattern(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, registrycache.Key("stm", "s1", "window"), []byte("a"), 0))
	require.NoError(t, c.Set(ctx, registrycache.Key("stm", "s1", "meta"), []byte("b"), 0))
	require.NoError(t, c.Set(ctx, registrycache.Key("stm", "s2", "window"), []byte("c"), 0))

	require.NoError(t, c.DeletePattern(ctx, registrycache.Key("stm", "s1", "*")))

	data, err := c.Get(ctx, registrycache.Key("stm", "s1", "window"))
	require.NoError(t, err)
	assert.Nil(t, data)
	data, err = c.Get(ctx, registrycache.Key("stm", "s2", "window"))
	require.NoError(t, err)
	assert.Equal(t, "c", string(data))
}

func TestExistsAndTTL(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	key := registrycache.Key("auth", "token", "t1")

	ok, err := c.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := c.TTL(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, ttl)

	require.NoError(t, c.Set(ctx, key, []byte("x"), time.Minute))
	ok, err = c.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err = c.TTL(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	// A key without an expiry reports zero, same as a missing one.
	eternal := registrycache.Key("auth", "token", "t2")
	require.NoError(t, c.Set(ctx, eternal, []byte("y"), 0))
	ttl, err = c.TTL(ctx, eternal)
	require.NoError(t, err)
	assert.Zero(t, ttl)
}

func TestIncrement(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	key := registrycache.Key("rate", "counter")

	n, err := c.Increment(ctx, key, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = c.Increment(ctx, key, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 6, n)

	n, err = c.Increment(ctx, key, -2)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestSetManyGetMany(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	k1 := registrycache.Key("batch", "a")
	k2 := registrycache.Key("batch", "b")
	missing := registrycache.Key("batch", "nope")

	require.NoError(t, c.SetMany(ctx, map[string][]byte{
		k1: []byte("one"),
		k2: []byte("two"),
	}, time.Minute))
	require.NoError(t, c.SetMany(ctx, nil, time.Minute))

	got, err := c.GetMany(ctx, k1, k2, missing)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "one", string(got[k1]))
	assert.Equal(t, "two", string(got[k2]))
	_, ok := got[missing]
	assert.False(t, ok)

	got, err = c.GetMany(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestKeyNamespacing(t *testing.T) {
	assert.Equal(t, "remembr:auth:apikey:abc", registrycache.Key("auth", "apikey", "abc"))
}
