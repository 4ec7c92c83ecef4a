package shard

import (
	"context"
	"database/sql"
	"time"
)

// HealthResult reports whether the shard's write actor and read pool
// are both responsive.
type HealthResult struct {
	Healthy bool
	Message string
}

// Health performs a lightweight round-trip against both the write
// actor and the read pool.
func (e *Engine) Health(ctx context.Context) HealthResult {
	if err := e.readDB.PingContext(ctx); err != nil {
		return HealthResult{Healthy: false, Message: "read pool unreachable: " + err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := e.submit(ctx, func(tx *sql.Tx) (any, error) {
		return nil, tx.QueryRowContext(ctx, "SELECT 1").Err()
	}); err != nil {
		return HealthResult{Healthy: false, Message: "write actor unresponsive: " + err.Error()}
	}
	return HealthResult{Healthy: true}
}

// Metrics returns a lightweight snapshot for the gateway's /metrics and
// admin shard-health surfaces.
func (e *Engine) Metrics() map[string]any {
	e.sizeMu.Lock()
	size := e.cachedSize
	e.sizeMu.Unlock()

	return map[string]any{
		"shardId":          e.ShardID,
		"currentSizeBytes": size,
		"maxBytes":         e.maxBytes,
	}
}
