package gateway

import (
	"context"
	"sync"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/metrics"
)

// shardPool is a bounded per-shard slot pool: Acquire blocks (honoring
// ctx) until a slot is free, serving waiters FIFO via a buffered
// channel token bucket; Release returns the slot.
type shardPool struct {
	shardID string
	tokens  chan struct{}

	mu     sync.Mutex
	inUse  int
	maxCap int
}

func newShardPool(shardID string, maxConns int) *shardPool {
	p := &shardPool{
		shardID: shardID,
		tokens:  make(chan struct{}, maxConns),
		maxCap:  maxConns,
	}
	for i := 0; i < maxConns; i++ {
		p.tokens <- struct{}{}
	}
	return p
}

// Acquire waits for a free slot or ctx cancellation.
func (p *shardPool) Acquire(ctx context.Context) error {
	select {
	case <-p.tokens:
		p.mu.Lock()
		p.inUse++
		metrics.PooledConnections.WithLabelValues(p.shardID).Set(float64(p.inUse))
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		return errors.New(errors.CodeTimeout, "timed out waiting for a shard connection slot")
	}
}

// Release returns a slot. invalid discards the slot's implicit
// connection state instead of recycling it. Here that is a no-op since
// slots carry no connection object of their own, but callers still
// flag invalid returns so a future pooled handle is discarded, not
// reused.
func (p *shardPool) Release(invalid bool) {
	p.mu.Lock()
	p.inUse--
	metrics.PooledConnections.WithLabelValues(p.shardID).Set(float64(p.inUse))
	p.mu.Unlock()
	p.tokens <- struct{}{}
}

// poolRegistry owns one shardPool per shard, created lazily.
type poolRegistry struct {
	mu       sync.Mutex
	pools    map[string]*shardPool
	maxConns int
}

func newPoolRegistry(maxConns int) *poolRegistry {
	return &poolRegistry{pools: make(map[string]*shardPool), maxConns: maxConns}
}

func (r *poolRegistry) get(shardID string) *shardPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[shardID]
	if !ok {
		p = newShardPool(shardID, r.maxConns)
		r.pools[shardID] = p
	}
	return p
}
