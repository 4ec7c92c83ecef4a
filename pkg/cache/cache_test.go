package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardsql/pkg/eventbus"
	"github.com/cuemby/shardsql/pkg/types"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	bus := eventbus.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)
	return New(bus, 10*time.Minute, false)
}

func boundedPolicy(ttlMs, swrMs int64) types.CachePolicy {
	return types.CachePolicy{Mode: types.CacheModeBounded, TTLMs: ttlMs, SWRMs: swrMs}
}

func TestPutAndGet(t *testing.T) {
	c := newTestCache(t)
	c.Put("t1:q:users:abc", "shard-1", []string{"ada"}, boundedPolicy(60_000, 300_000))

	e, ok := c.Get("t1:q:users:abc")
	require.True(t, ok)
	assert.Equal(t, []string{"ada"}, e.Data)
	assert.Equal(t, "shard-1", e.ShardID)
	assert.LessOrEqual(t, e.FreshUntil, e.SWRUntil)
}

func TestGet_ExpiredEntryIsRemoved(t *testing.T) {
	c := newTestCache(t)
	past := time.Now().UnixMilli() - 1000
	c.WarmCache(map[string]Entry{
		"t1:q:users:dead": {Data: "stale", FreshUntil: past - 500, SWRUntil: past},
	})

	_, ok := c.Get("t1:q:users:dead")
	assert.False(t, ok)
}

func TestQueryKey_DeterministicAndParamSensitive(t *testing.T) {
	c := newTestCache(t)

	k1 := c.QueryKey("t1", "users", "SELECT * FROM users WHERE id = ?", []any{"1"})
	k2 := c.QueryKey("t1", "users", "SELECT * FROM users WHERE id = ?", []any{"1"})
	k3 := c.QueryKey("t1", "users", "SELECT * FROM users WHERE id = ?", []any{"2"})

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Regexp(t, `^t1:q:users:[0-9a-f]{16}$`, k1)

	// Numeric params must differentiate keys too.
	n1 := c.QueryKey("t1", "users", "SELECT * FROM users WHERE id = ?", []any{1})
	n2 := c.QueryKey("t1", "users", "SELECT * FROM users WHERE id = ?", []any{2})
	assert.NotEqual(t, n1, n2)
}

func TestQueryKey_FastHashAgreesWithItself(t *testing.T) {
	bus := eventbus.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)
	c := New(bus, time.Minute, true)

	k1 := c.QueryKey("t1", "users", "SELECT 1", nil)
	k2 := c.QueryKey("t1", "users", "SELECT 1", nil)
	assert.Equal(t, k1, k2)
	assert.Regexp(t, `^t1:q:users:[0-9a-f]{16}$`, k1)
}

func TestDeleteByPattern(t *testing.T) {
	c := newTestCache(t)
	p := boundedPolicy(60_000, 300_000)
	c.Put("t1:q:users:aaa", "shard-1", 1, p)
	c.Put("t1:q:users:bbb", "shard-1", 2, p)
	c.Put("t1:q:orders:ccc", "shard-1", 3, p)
	c.Put("t2:q:users:ddd", "shard-2", 4, p)

	c.DeleteByPattern("t1:q:users:")

	_, ok := c.Get("t1:q:users:aaa")
	assert.False(t, ok)
	_, ok = c.Get("t1:q:users:bbb")
	assert.False(t, ok)
	_, ok = c.Get("t1:q:orders:ccc")
	assert.True(t, ok)
	_, ok = c.Get("t2:q:users:ddd")
	assert.True(t, ok)
}

func TestInvalidationPrefix(t *testing.T) {
	assert.Equal(t, "t1:q:users:", invalidationPrefix("t1:users"))
	assert.Equal(t, "t1:q:", invalidationPrefix("t1:*"))
}

func TestDedup_IsIdempotentPerMessageID(t *testing.T) {
	c := newTestCache(t)

	assert.False(t, c.dedup("msg-1"))
	assert.True(t, c.dedup("msg-1"))
	assert.True(t, c.dedup("msg-1"))
	assert.False(t, c.dedup("msg-2"))
}

func TestHandleBatch_DeletesMaterializedKeys(t *testing.T) {
	c := newTestCache(t)
	p := boundedPolicy(60_000, 300_000)
	c.Put("t1:q:users:aaa", "shard-1", 1, p)
	c.Put("t1:q:orders:bbb", "shard-1", 2, p)

	err := c.handleBatch([]*eventbus.Event{
		{ID: "e1", Type: eventbus.Invalidate, Keys: []string{"t1:users"}},
	})
	require.NoError(t, err)

	_, ok := c.Get("t1:q:users:aaa")
	assert.False(t, ok)
	_, ok = c.Get("t1:q:orders:bbb")
	assert.True(t, ok)
}

func TestRead_StrongBypassesCache(t *testing.T) {
	c := newTestCache(t)
	var calls atomic.Int32
	exec := func(ctx context.Context) (any, string, error) {
		calls.Add(1)
		return "from-shard", "shard-1", nil
	}

	data, err := c.Read(context.Background(), "t1:q:users:key", types.CacheModeStrong, boundedPolicy(60_000, 300_000), false, exec)
	require.NoError(t, err)
	assert.Equal(t, "from-shard", data)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 0, c.Len())
}

func TestRead_AlwaysStrongOverridesMode(t *testing.T) {
	c := newTestCache(t)
	c.Put("t1:q:users:key", "shard-1", "cached-value", boundedPolicy(60_000, 300_000))

	data, err := c.Read(context.Background(), "t1:q:users:key", types.CacheModeBounded, boundedPolicy(60_000, 300_000), true, func(ctx context.Context) (any, string, error) {
		return "from-shard", "shard-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "from-shard", data)
}

func TestRead_BoundedServesFreshEntry(t *testing.T) {
	c := newTestCache(t)
	var calls atomic.Int32
	exec := func(ctx context.Context) (any, string, error) {
		calls.Add(1)
		return "v1", "shard-1", nil
	}
	policy := boundedPolicy(60_000, 300_000)

	data, err := c.Read(context.Background(), "k", types.CacheModeBounded, policy, false, exec)
	require.NoError(t, err)
	assert.Equal(t, "v1", data)

	data, err = c.Read(context.Background(), "k", types.CacheModeBounded, policy, false, exec)
	require.NoError(t, err)
	assert.Equal(t, "v1", data)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRead_CachedServesStaleAndRevalidates(t *testing.T) {
	c := newTestCache(t)
	now := time.Now().UnixMilli()
	c.WarmCache(map[string]Entry{
		"k": {Data: "stale", FreshUntil: now - 100, SWRUntil: now + 60_000, ShardID: "shard-1"},
	})

	var calls atomic.Int32
	exec := func(ctx context.Context) (any, string, error) {
		calls.Add(1)
		return "fresh", "shard-1", nil
	}
	policy := types.CachePolicy{Mode: types.CacheModeCached, TTLMs: 60_000, SWRMs: 300_000}

	data, err := c.Read(context.Background(), "k", types.CacheModeCached, policy, false, exec)
	require.NoError(t, err)
	assert.Equal(t, "stale", data)

	require.Eventually(t, func() bool {
		e, ok := c.Get("k")
		return ok && e.Data == "fresh"
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRead_CachedMissWritesThrough(t *testing.T) {
	c := newTestCache(t)
	policy := types.CachePolicy{Mode: types.CacheModeCached, TTLMs: 60_000, SWRMs: 300_000}

	data, err := c.Read(context.Background(), "k", types.CacheModeCached, policy, false, func(ctx context.Context) (any, string, error) {
		return "v1", "shard-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", data)

	e, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v1", e.Data)
}

func TestConsumerInvalidatesThroughBus(t *testing.T) {
	bus := eventbus.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	c := New(bus, time.Minute, false)
	c.consumer = eventbus.NewBatchConsumer(bus, eventbus.BatchConfig{Size: 1, MaxWait: 20 * time.Millisecond}, c.dedup, c.handleBatch)
	c.Start()
	t.Cleanup(c.Stop)

	c.Put("t1:q:users:aaa", "shard-1", "v", boundedPolicy(60_000, 300_000))

	bus.Publish(&eventbus.Event{Type: eventbus.Invalidate, ShardID: "shard-1", Keys: []string{"t1:users"}})

	require.Eventually(t, func() bool {
		_, ok := c.Get("t1:q:users:aaa")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
