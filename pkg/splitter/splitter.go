// Package splitter implements the Shard Split Orchestrator (C8): the
// long-lived planning/dual_write/backfill/tailing/cutover_pending
// workflow that moves a tenant set from one shard to another without
// downtime, coordinating the routing policy store, the shard storage
// engines, and the event bus's change log.
//
// Plans are persisted on every phase transition and after every
// backfill page / tail batch, so the work is resumable by rereading
// state: a process restart rehydrates plans from disk and continues
// from the phase and
// cursor they were in rather than restarting the workflow.
package splitter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/log"
	"github.com/cuemby/shardsql/pkg/metrics"
	"github.com/cuemby/shardsql/pkg/policy"
	"github.com/cuemby/shardsql/pkg/shard"
	"github.com/cuemby/shardsql/pkg/types"
	"github.com/rs/zerolog"
)

const defaultBackfillPageSize = 200
const defaultTailBatchSize = 750

// ShardAccessor is the subset of *shard.Engine the orchestrator drives
// during backfill and tail replay. Declaring it as an interface keeps
// the orchestrator testable against an in-memory fake.
type ShardAccessor interface {
	Export(ctx context.Context, table, tenantID, tenantColumn string, cursor, limit int64) ([]shard.Row, int64, error)
	Import(ctx context.Context, table string, rows []shard.Row) (int, error)
	Events(ctx context.Context, afterID int64, limit int) ([]shard.EventRecord, error)
	DDL(ctx context.Context, tenantID, table, sqlText string, params []any) error
	Mutation(ctx context.Context, tenantID, table, sqlText string, params []any, transactionID string) (*shard.MutationResult, error)
}

// eventPayload mirrors the shape the shard engine's appendEvent writes.
type eventPayload struct {
	TenantID string `json:"tenantId"`
	SQL      string `json:"sql"`
	Params   []any  `json:"params"`
}

// Orchestrator drives ShardSplitPlans through their state machine.
type Orchestrator struct {
	mu    sync.RWMutex
	plans map[string]*types.ShardSplitPlan

	routing *policy.Store
	shards  map[string]ShardAccessor

	graceWindow time.Duration

	store  *planStore
	logger zerolog.Logger
}

// New creates an Orchestrator, rehydrating any plans persisted in
// dataDir/splits.db from a previous process.
func New(dataDir string, routing *policy.Store, shards map[string]ShardAccessor) (*Orchestrator, error) {
	store, err := newPlanStore(dataDir)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		plans:   make(map[string]*types.ShardSplitPlan),
		routing: routing,
		shards:  shards,
		store:   store,
		logger:  log.WithComponent("splitter"),
	}

	plans, err := store.loadAll()
	if err != nil {
		return nil, err
	}
	for _, p := range plans {
		o.plans[p.ID] = p
		o.logger.Info().Str("plan_id", p.ID).Str("phase", string(p.Phase)).Msg("rehydrated split plan")
	}
	return o, nil
}

// SetGraceWindow configures the post-cutover read-only window. While
// it is in effect the completed plan stays visible to the router so
// mutations for its tenants are held back until GraceUntil passes.
// Zero (the default) disables the window; operators opt in explicitly.
func (o *Orchestrator) SetGraceWindow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.graceWindow = d
}

// Close releases the orchestrator's durable store.
func (o *Orchestrator) Close() error {
	return o.store.close()
}

// RegisterShard makes a shard accessor available for backfill/tail
// against a shardID introduced after construction (e.g. a freshly
// provisioned split target).
func (o *Orchestrator) RegisterShard(shardID string, accessor ShardAccessor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shards[shardID] = accessor
}

// ActivePlanForTenant implements router.SplitView: it returns the sole
// non-terminal plan touching tenantID, or nil.
func (o *Orchestrator) ActivePlanForTenant(tenantID string) *types.ShardSplitPlan {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, p := range o.plans {
		if p.IsTerminal() && !inGraceWindow(p) {
			continue
		}
		for _, t := range p.TenantIDs {
			if t == tenantID {
				return p
			}
		}
	}
	return nil
}

// inGraceWindow reports whether a completed plan is still inside its
// post-cutover read-only window and must therefore remain visible to
// the router.
func inGraceWindow(p *types.ShardSplitPlan) bool {
	return p.Phase == types.PhaseCompleted && p.GraceUntil != nil && time.Now().Before(*p.GraceUntil)
}

// FlagReconciliation marks tenantID's active plan as needing manual
// reconciliation after a dual-write divergence (the target rejected a
// write the source accepted). The flag is persisted with the plan and
// surfaced by the admin split listing.
func (o *Orchestrator) FlagReconciliation(tenantID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.plans {
		if p.IsTerminal() {
			continue
		}
		for _, t := range p.TenantIDs {
			if t != tenantID {
				continue
			}
			p.NeedsReconciliation = true
			if p.ErrorMessage == "" {
				p.ErrorMessage = reason
			}
			if err := o.persist(p); err != nil {
				o.logger.Error().Err(err).Str("plan_id", p.ID).Msg("failed to persist reconciliation flag")
			}
			o.logger.Warn().Str("plan_id", p.ID).Str("tenant_id", tenantID).Str("reason", reason).Msg("plan flagged for reconciliation")
			return
		}
	}
}

// Get returns a plan by id, or nil.
func (o *Orchestrator) Get(id string) *types.ShardSplitPlan {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.plans[id]
}

// List returns every known plan, newest first.
func (o *Orchestrator) List() []*types.ShardSplitPlan {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*types.ShardSplitPlan, 0, len(o.plans))
	for _, p := range o.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (o *Orchestrator) shard(id string) (ShardAccessor, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.shards[id]
	if !ok {
		return nil, errors.New(errors.CodeInternalError, fmt.Sprintf("shard %q is not registered with the orchestrator", id))
	}
	return s, nil
}

func (o *Orchestrator) persist(p *types.ShardSplitPlan) error {
	p.UpdatedAt = time.Now()
	if err := o.store.save(p); err != nil {
		return err
	}
	metrics.SplitPhase.WithLabelValues(p.ID).Set(phaseNumeric(p.Phase))
	return nil
}

func phaseNumeric(phase types.SplitPhase) float64 {
	switch phase {
	case types.PhasePlanning:
		return 0
	case types.PhaseDualWrite:
		return 1
	case types.PhaseBackfill:
		return 2
	case types.PhaseTailing:
		return 3
	case types.PhaseCutoverPending:
		return 4
	case types.PhaseCompleted:
		return 5
	case types.PhaseRolledBack:
		return 6
	default:
		return -1
	}
}

// PlanSplit validates and records a new split plan in the planning
// phase. It fails if any named tenant is not currently routed to
// source, if source equals target, or if a tenant already has an
// active (non-terminal) plan.
func (o *Orchestrator) PlanSplit(source, target string, tenantIDs []string, description string, tablePolicies []types.TablePolicy) (*types.ShardSplitPlan, error) {
	if source == target {
		return nil, errors.New(errors.CodeInvalidPhase, "source and target shard must differ")
	}
	if len(tenantIDs) == 0 {
		return nil, errors.New(errors.CodeInvalidPhase, "at least one tenant is required")
	}

	cur, err := o.routing.GetCurrentPolicy()
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, t := range tenantIDs {
		if shardID, ok := cur.Tenants[t]; !ok || shardID != source {
			return nil, errors.New(errors.CodeInvalidPhase, fmt.Sprintf("tenant %q does not currently route to %q", t, source))
		}
		for _, p := range o.plans {
			if p.IsTerminal() && !inGraceWindow(p) {
				continue
			}
			for _, existing := range p.TenantIDs {
				if existing == t {
					return nil, errors.New(errors.CodeInvalidPhase, fmt.Sprintf("tenant %q already has an active split plan", t))
				}
			}
		}
	}

	if tablePolicies == nil {
		// Snapshot the table policies as they stand at planning time so
		// backfill and tail replay run against a stable view even if an
		// operator edits a policy mid-split.
		if snapshot, err := o.routing.GetTablePolicies(); err == nil {
			tablePolicies = snapshot
		}
	}

	plan := &types.ShardSplitPlan{
		ID:                    uuid.NewString(),
		Description:           description,
		SourceShard:           source,
		TargetShard:           target,
		TenantIDs:             append([]string(nil), tenantIDs...),
		TablePolicies:         tablePolicies,
		CreatedAt:             time.Now(),
		Phase:                 types.PhasePlanning,
		RoutingVersionAtStart: cur.Version,
		Backfill:              types.BackfillState{Status: "pending", TableCursor: map[string]int64{}},
		Tail:                  types.TailState{Status: "pending"},
	}

	o.plans[plan.ID] = plan
	if err := o.persist(plan); err != nil {
		return nil, err
	}
	o.logger.Info().Str("plan_id", plan.ID).Str("source", source).Str("target", target).Msg("split plan created")
	return plan, nil
}

// StartDualWrite transitions a planning plan into dual_write, at which
// point the Router begins mirroring writes for the plan's tenants to
// the target shard.
func (o *Orchestrator) StartDualWrite(id string) (*types.ShardSplitPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	plan, ok := o.plans[id]
	if !ok {
		return nil, errors.New(errors.CodeSplitNotFound, "split plan not found")
	}
	if plan.Phase != types.PhasePlanning {
		return nil, errors.New(errors.CodeInvalidPhase, fmt.Sprintf("cannot start dual-write from phase %q", plan.Phase))
	}

	now := time.Now()
	plan.Phase = types.PhaseDualWrite
	plan.DualWriteStartedAt = &now
	if err := o.persist(plan); err != nil {
		return nil, err
	}
	o.logger.Info().Str("plan_id", id).Msg("dual-write started")
	return plan, nil
}

// Rollback restores the routing policy to the version recorded at plan
// creation and marks the plan terminal. Safe to call from any
// non-terminal phase.
func (o *Orchestrator) Rollback(id string) (*types.ShardSplitPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	plan, ok := o.plans[id]
	if !ok {
		return nil, errors.New(errors.CodeSplitNotFound, "split plan not found")
	}
	if plan.IsTerminal() {
		return nil, errors.New(errors.CodeInvalidPhase, fmt.Sprintf("plan is already terminal (%q)", plan.Phase))
	}

	if err := o.routing.RollbackToVersion(plan.RoutingVersionAtStart); err != nil {
		return nil, err
	}

	plan.Phase = types.PhaseRolledBack
	plan.Backfill = types.BackfillState{Status: "pending", TableCursor: map[string]int64{}}
	plan.Tail = types.TailState{Status: "pending"}
	if err := o.persist(plan); err != nil {
		return nil, err
	}
	o.logger.Warn().Str("plan_id", id).Msg("split plan rolled back")
	return plan, nil
}

// Cutover requires the tail to have caught up, reassigns the plan's
// tenants to the target shard in a new routing policy version, and
// marks the plan completed.
func (o *Orchestrator) Cutover(id string) (*types.ShardSplitPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	plan, ok := o.plans[id]
	if !ok {
		return nil, errors.New(errors.CodeSplitNotFound, "split plan not found")
	}
	if plan.Phase != types.PhaseCutoverPending {
		return nil, errors.New(errors.CodeInvalidPhase, fmt.Sprintf("cutover requires phase cutover_pending, got %q", plan.Phase))
	}
	if plan.Tail.Status != "caught_up" {
		return nil, errors.New(errors.CodeInvalidPhase, "tail replay has not caught up")
	}

	cur, err := o.routing.GetCurrentPolicy()
	if err != nil {
		return nil, err
	}
	next := *cur
	next.Tenants = make(map[string]string, len(cur.Tenants))
	for t, s := range cur.Tenants {
		next.Tenants[t] = s
	}
	for _, t := range plan.TenantIDs {
		next.Tenants[t] = plan.TargetShard
	}

	newVersion, err := o.routing.UpdateCurrentPolicy(&next, fmt.Sprintf("cutover split %s", plan.ID))
	if err != nil {
		return nil, err
	}

	plan.RoutingVersionCutover = &newVersion
	plan.Phase = types.PhaseCompleted
	if o.graceWindow > 0 {
		until := time.Now().Add(o.graceWindow)
		plan.GraceUntil = &until
	}
	if err := o.persist(plan); err != nil {
		return nil, err
	}
	o.logger.Info().Str("plan_id", id).Int("routing_version", newVersion).Msg("split cutover complete")
	return plan, nil
}

