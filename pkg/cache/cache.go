// Package cache implements the Cache Coherence Engine (C6): a
// materialized-query cache with strong/bounded/stale-while-revalidate
// consistency modes, kept in sync with the shards through the event
// bus's batched, idempotent invalidation consumer.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/cuemby/shardsql/pkg/eventbus"
	"github.com/cuemby/shardsql/pkg/log"
	"github.com/cuemby/shardsql/pkg/metrics"
	"github.com/cuemby/shardsql/pkg/types"
	"github.com/rs/zerolog"
)

// Entry is a single cached row set plus its freshness window.
type Entry struct {
	Data       any
	Version    int64
	FreshUntil int64 // epoch-ms
	SWRUntil   int64 // epoch-ms
	ShardID    string
}

// Cache is an in-process, prefix-invalidatable query cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry

	// processed tracks idempotent-dedup markers for event bus message
	// IDs (q:processed:<messageId>), each with its own expiry.
	processedMu sync.Mutex
	processed   map[string]time.Time
	dedupTTL    time.Duration

	useFastHash bool
	logger      zerolog.Logger
	consumer    *eventbus.BatchConsumer
}

// New creates an empty cache. useFastHash selects xxhash instead of
// SHA-256 for materialized query keys (both producer and consumer of a
// given cache must agree; SHA-256 is the pinned default).
func New(bus *eventbus.Bus, dedupTTL time.Duration, useFastHash bool) *Cache {
	c := &Cache{
		entries:     make(map[string]Entry),
		processed:   make(map[string]time.Time),
		dedupTTL:    dedupTTL,
		useFastHash: useFastHash,
		logger:      log.WithComponent("cache"),
	}

	c.consumer = eventbus.NewBatchConsumer(bus, eventbus.DefaultBatchConfig(), c.dedup, c.handleBatch)
	return c
}

// Start begins the invalidation consumer loop.
func (c *Cache) Start() { c.consumer.Start() }

// Stop halts the invalidation consumer loop.
func (c *Cache) Stop() { c.consumer.Stop() }

func (c *Cache) dedup(messageID string) bool {
	c.processedMu.Lock()
	defer c.processedMu.Unlock()

	now := time.Now()
	for id, exp := range c.processed {
		if now.After(exp) {
			delete(c.processed, id)
		}
	}

	if _, seen := c.processed[messageID]; seen {
		return true
	}
	c.processed[messageID] = now.Add(c.dedupTTL)
	return false
}

func (c *Cache) handleBatch(batch []*eventbus.Event) error {
	prefixes := make(map[string]struct{})
	for _, e := range batch {
		for _, key := range e.Keys {
			prefixes[invalidationPrefix(key)] = struct{}{}
		}
	}
	for prefix := range prefixes {
		c.DeleteByPattern(prefix)
	}
	return nil
}

// invalidationPrefix expands a "<tenantId>:<table>" base key into the
// materialized-query key prefix "<tenantId>:q:<table>:". A "*" table
// (emitted by DDL) widens to every table of that tenant.
func invalidationPrefix(key string) string {
	tenant, table, ok := strings.Cut(key, ":")
	if !ok {
		return key + ":"
	}
	if table == "*" {
		return tenant + ":q:"
	}
	return tenant + ":q:" + table + ":"
}

// QueryKey builds the materialized-query cache key
// <tenantId>:q:<table>:<16-hex hash of sql||params>.
func (c *Cache) QueryKey(tenantID, table, sql string, params []any) string {
	var buf strings.Builder
	buf.WriteString(sql)
	for _, p := range params {
		buf.WriteString("|")
		buf.WriteString(toString(p))
	}
	return tenantID + ":q:" + table + ":" + c.hash(buf.String())
}

func (c *Cache) hash(s string) string {
	if c.useFastHash {
		return hex.EncodeToString(uint64ToBytes(xxhash.Sum64String(s)))
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
	return b[:8]
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Get returns an entry and whether it exists and is not expired.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if time.Now().UnixMilli() >= e.SWRUntil {
		return Entry{}, false
	}
	return e, true
}

// Put write-throughs a fresh entry using the table's cache policy.
func (c *Cache) Put(key, shardID string, data any, policy types.CachePolicy) {
	now := time.Now().UnixMilli()
	e := Entry{
		Data:       data,
		Version:    now,
		FreshUntil: now + policy.TTLMs,
		SWRUntil:   now + policy.SWRMs,
		ShardID:    shardID,
	}
	if policy.SWRMs == 0 {
		e.SWRUntil = e.FreshUntil
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	metrics.CacheEntriesGauge.Set(float64(c.Len()))
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// DeleteMany removes a specific set of keys.
func (c *Cache) DeleteMany(keys []string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
}

// DeleteByPattern removes every key with the given prefix.
func (c *Cache) DeleteByPattern(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	metrics.CacheInvalidationsTotal.Inc()
}

// WarmCache bulk-sets entries, honoring per-entry TTL/SWR overrides.
func (c *Cache) WarmCache(entries map[string]Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range entries {
		c.entries[k] = e
	}
}
