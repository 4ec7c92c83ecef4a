package cache

import (
	"context"
	"time"

	"github.com/cuemby/shardsql/pkg/metrics"
	"github.com/cuemby/shardsql/pkg/types"
)

// HintMode is a parsed `/*+ ... */` consistency hint.
type HintMode struct {
	Mode      types.CacheMode
	BoundedMs int64
}

// Executor runs the underlying shard query; Read calls it on miss or
// to populate/refresh the cache.
type Executor func(ctx context.Context) (any, string, error) // data, shardID, error

// ResolveMode picks the effective consistency mode: hint overrides
// table policy overrides system default.
func ResolveMode(hint *HintMode, policy types.CachePolicy) types.CacheMode {
	if hint != nil {
		return hint.Mode
	}
	return policy.Mode
}

// Read executes the read path for a single materialized query key
// under the given consistency mode. alwaysStrong forces a bypass
// regardless of mode, per the alwaysStrongColumns invariant.
func (c *Cache) Read(ctx context.Context, key string, mode types.CacheMode, policy types.CachePolicy, alwaysStrong bool, exec Executor) (any, error) {
	if alwaysStrong || mode == types.CacheModeStrong {
		metrics.CacheMissesTotal.WithLabelValues(string(types.CacheModeStrong)).Inc()
		data, _, err := exec(ctx)
		return data, err
	}

	now := time.Now().UnixMilli()
	entry, ok := c.Get(key)

	switch mode {
	case types.CacheModeBounded:
		if ok && now < entry.FreshUntil {
			metrics.CacheHitsTotal.WithLabelValues(string(mode)).Inc()
			return entry.Data, nil
		}
		metrics.CacheMissesTotal.WithLabelValues(string(mode)).Inc()
		data, shardID, err := exec(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, shardID, data, policy)
		return data, nil

	case types.CacheModeCached:
		if ok && now < entry.FreshUntil {
			metrics.CacheHitsTotal.WithLabelValues(string(mode)).Inc()
			return entry.Data, nil
		}
		if ok && now < entry.SWRUntil {
			metrics.CacheHitsTotal.WithLabelValues(string(mode)).Inc()
			go c.revalidate(key, policy, exec)
			return entry.Data, nil
		}
		metrics.CacheMissesTotal.WithLabelValues(string(mode)).Inc()
		data, shardID, err := exec(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, shardID, data, policy)
		return data, nil

	default:
		data, _, err := exec(ctx)
		return data, err
	}
}

func (c *Cache) revalidate(key string, policy types.CachePolicy, exec Executor) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, shardID, err := exec(ctx)
	if err != nil {
		return
	}
	c.Put(key, shardID, data, policy)
}
