// Package router implements the Router (C5): resolves each query to an
// authoritative shard using the routing/table policy stores, enforces
// dual-write fan-out during active splits, and samples shard health on
// a schedule.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/log"
	"github.com/cuemby/shardsql/pkg/metrics"
	"github.com/cuemby/shardsql/pkg/policy"
	"github.com/cuemby/shardsql/pkg/types"
	"github.com/rs/zerolog"
)

// ShardTarget is the resolution result of routeQuery.
type ShardTarget struct {
	ShardID           string
	RoutingReason     string
	LoadBalanceWeight float64
}

// SplitView lets the router consult active split plans without
// importing the split orchestrator package directly.
type SplitView interface {
	ActivePlanForTenant(tenantID string) *types.ShardSplitPlan
}

// ShardPinger is the minimal per-shard health probe the sampler calls.
type ShardPinger interface {
	Health(ctx context.Context) HealthProbe
}

// HealthProbe is what a shard reports to the sampler.
type HealthProbe struct {
	Healthy           bool
	ActiveConnections int
	ResponseTimeMs    float64
	ErrorRate         float64
}

// Router resolves queries to shards.
type Router struct {
	policy *policy.Store
	splits SplitView

	mu       sync.RWMutex
	shardIDs []string
	pingers  map[string]ShardPinger
	health   map[string]types.ShardHealth

	logger zerolog.Logger
	cron   *cron.Cron
}

// New creates a Router over the given policy store and split view.
func New(store *policy.Store, splits SplitView, shardIDs []string) *Router {
	return &Router{
		policy:   store,
		splits:   splits,
		shardIDs: shardIDs,
		pingers:  make(map[string]ShardPinger),
		health:   make(map[string]types.ShardHealth),
		logger:   log.WithComponent("router"),
		cron:     cron.New(),
	}
}

// CheckMutationAllowed enforces the post-cutover grace window: once an
// orchestrated split completes, its plan may carry a GraceUntil deadline
// during which the newly-authoritative shard is kept read-only so any
// in-flight readers relying on the old routing settle first. It is the
// router's job to enforce this, not the shard engine's, since only the
// router sees routing/cutover state.
func (r *Router) CheckMutationAllowed(tenantID string) error {
	plan := r.splits.ActivePlanForTenant(tenantID)
	if plan == nil || plan.GraceUntil == nil {
		return nil
	}
	if plan.Phase == types.PhaseCompleted && time.Now().Before(*plan.GraceUntil) {
		return errors.New(errors.CodeSQLError, "tenant shard is in its post-cutover read-only grace period")
	}
	return nil
}

// RegisterShard makes a shard available for health sampling.
func (r *Router) RegisterShard(shardID string, pinger ShardPinger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pingers[shardID] = pinger
}

// StartHealthSampler schedules the ≥30s shard health sampling loop.
func (r *Router) StartHealthSampler(cronSpec string) error {
	if cronSpec == "" {
		cronSpec = "@every 30s"
	}
	_, err := r.cron.AddFunc(cronSpec, r.sampleHealth)
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// StopHealthSampler halts the sampling loop.
func (r *Router) StopHealthSampler() {
	r.cron.Stop()
}

func (r *Router) sampleHealth() {
	r.mu.RLock()
	pingers := make(map[string]ShardPinger, len(r.pingers))
	for k, v := range r.pingers {
		pingers[k] = v
	}
	r.mu.RUnlock()

	for shardID, pinger := range pingers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		probe := pinger.Health(ctx)
		cancel()

		status := "healthy"
		if !probe.Healthy {
			status = "unhealthy"
		} else if probe.ErrorRate > 0.05 {
			status = "degraded"
		}

		h := types.ShardHealth{
			Status:            status,
			ActiveConnections: probe.ActiveConnections,
			AvgResponseTimeMs: probe.ResponseTimeMs,
			ErrorRate:         probe.ErrorRate,
			LastCheck:         time.Now(),
		}

		r.mu.Lock()
		r.health[shardID] = h
		r.mu.Unlock()

		numeric := 0.0
		switch status {
		case "degraded":
			numeric = 1
		case "unhealthy":
			numeric = 2
		}
		metrics.ShardHealthStatus.WithLabelValues(shardID).Set(numeric)
	}
}

// Health returns the last sampled health for every known shard.
func (r *Router) Health() map[string]types.ShardHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.ShardHealth, len(r.health))
	for k, v := range r.health {
		out[k] = v
	}
	return out
}

// hashPrefix returns the first two hex chars of SHA-256(key).
func hashPrefix(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:1])
}

// stableHashIndex hashes key into [0, n) using xxhash, the documented
// non-cryptographic fallback for non-cache-key routing decisions.
func stableHashIndex(key string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// RouteQuery resolves a query to a single shard: explicit tenant
// assignment first, then range match on a shard key, then a stable
// hash fallback.
func (r *Router) RouteQuery(tenantID, table, shardKey string) (*ShardTarget, error) {
	cur, err := r.policy.GetCurrentPolicy()
	if err != nil {
		return nil, err
	}

	if shard, ok := cur.Tenants[tenantID]; ok {
		metrics.RouterResolutionsTotal.WithLabelValues("explicit_tenant_assignment").Inc()
		return &ShardTarget{ShardID: shard, RoutingReason: "explicit_tenant_assignment", LoadBalanceWeight: 1}, nil
	}

	if shardKey != "" {
		prefix := hashPrefix(shardKey)
		for _, rg := range cur.Ranges {
			if rangeContains(rg.Prefix, prefix) {
				metrics.RouterResolutionsTotal.WithLabelValues("range_match").Inc()
				return &ShardTarget{ShardID: rg.ShardID, RoutingReason: "range_match", LoadBalanceWeight: 1}, nil
			}
		}
	}

	if len(r.shardIDs) == 0 {
		return nil, errors.New(errors.CodeInternalError, "no shards configured")
	}
	idx := stableHashIndex(tenantID+":"+table, len(r.shardIDs))
	metrics.RouterResolutionsTotal.WithLabelValues("stable_hash_fallback").Inc()
	return &ShardTarget{ShardID: r.shardIDs[idx], RoutingReason: "stable_hash_fallback", LoadBalanceWeight: 1}, nil
}

func rangeContains(rangeSpec, prefix string) bool {
	if len(rangeSpec) < 5 || rangeSpec[2:4] != ".." {
		return rangeSpec == prefix
	}
	return rangeSpec[:2] <= prefix && prefix <= rangeSpec[4:6]
}

// ResolveReadShard returns the shard a read for tenantID should use,
// honoring an active split's phase.
func (r *Router) ResolveReadShard(tenantID string, primary *ShardTarget) string {
	plan := r.splits.ActivePlanForTenant(tenantID)
	if plan == nil {
		return primary.ShardID
	}
	switch plan.Phase {
	case types.PhaseCompleted, types.PhaseCutoverPending:
		return plan.TargetShard
	default:
		return plan.SourceShard
	}
}

// ResolveWriteShards returns the set of shards a write for tenantID
// must reach, honoring an active split's phase.
func (r *Router) ResolveWriteShards(tenantID string, primary *ShardTarget) []string {
	plan := r.splits.ActivePlanForTenant(tenantID)
	if plan == nil {
		return []string{primary.ShardID}
	}
	switch plan.Phase {
	case types.PhaseDualWrite, types.PhaseBackfill, types.PhaseTailing, types.PhaseCutoverPending:
		return []string{plan.SourceShard, plan.TargetShard}
	case types.PhaseCompleted:
		return []string{plan.TargetShard}
	default:
		return []string{plan.SourceShard}
	}
}

// DualWriteOutcome is the joined result of a fan-out write.
type DualWriteOutcome struct {
	SourceResult any
	SourceErr    error
	TargetErr    error
}

// DualWrite issues writeFn against source and target concurrently,
// treating the source's response as authoritative for the caller while
// still requiring the target to succeed. On a target CONFLICT_UNIQUE
// while the source succeeds, the conservative policy is to return the
// source's result but flag the outcome for reconciliation rather than
// fail the whole write.
func DualWrite(ctx context.Context, shards []string, writeFn func(ctx context.Context, shardID string) (any, error)) *DualWriteOutcome {
	if len(shards) == 1 {
		res, err := writeFn(ctx, shards[0])
		return &DualWriteOutcome{SourceResult: res, SourceErr: err}
	}

	var outcome DualWriteOutcome
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		res, err := writeFn(gctx, shards[0])
		outcome.SourceResult = res
		outcome.SourceErr = err
		return nil // source errors are surfaced via the outcome, not the group
	})
	g.Go(func() error {
		_, err := writeFn(gctx, shards[1])
		outcome.TargetErr = err
		if err != nil {
			metrics.RouterDualWriteFailuresTotal.WithLabelValues(string(errors.CodeOf(err))).Inc()
		}
		return nil
	})
	_ = g.Wait()

	return &outcome
}

// FindOptimalShard picks among healthy shards with utilization < 0.8,
// minimizing utilization; used by best-effort rebalance planning.
func (r *Router) FindOptimalShard(utilization map[string]float64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type candidate struct {
		shardID string
		util    float64
	}
	var candidates []candidate
	for shardID, h := range r.health {
		if h.Status != "healthy" {
			continue
		}
		u, ok := utilization[shardID]
		if !ok || u >= 0.8 {
			continue
		}
		candidates = append(candidates, candidate{shardID, u})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].util < candidates[j].util })
	return candidates[0].shardID, true
}
