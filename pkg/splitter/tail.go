package splitter

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/metrics"
	"github.com/cuemby/shardsql/pkg/types"
)

// ReplayTail requests up to defaultTailBatchSize _events rows after
// the plan's lastEventId from the source and applies every one
// touching the plan's tenants to the target shard, in strictly
// increasing event.id order. When fewer than the requested limit come
// back, the source is caught up and the plan advances to
// cutover_pending; otherwise it stays in replaying and a subsequent
// call continues from the persisted cursor.
func (o *Orchestrator) ReplayTail(ctx context.Context, id string) (*types.ShardSplitPlan, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SplitCycleDuration)

	o.mu.Lock()
	plan, ok := o.plans[id]
	if !ok {
		o.mu.Unlock()
		return nil, errors.New(errors.CodeSplitNotFound, "split plan not found")
	}
	switch plan.Phase {
	case types.PhaseBackfill, types.PhaseTailing, types.PhaseCutoverPending:
	default:
		o.mu.Unlock()
		return nil, errors.New(errors.CodeInvalidPhase, "tail replay requires phase backfill, tailing, or cutover_pending")
	}
	afterID := plan.Tail.LastEventID
	var cutoffMs int64
	if plan.DualWriteStartedAt != nil {
		cutoffMs = plan.DualWriteStartedAt.UnixMilli() - 5
	}
	o.mu.Unlock()

	source, err := o.shard(plan.SourceShard)
	if err != nil {
		return nil, err
	}
	target, err := o.shard(plan.TargetShard)
	if err != nil {
		return nil, err
	}

	events, err := source.Events(ctx, afterID, defaultTailBatchSize)
	if err != nil {
		return nil, err
	}

	tenantSet := make(map[string]struct{}, len(plan.TenantIDs))
	for _, t := range plan.TenantIDs {
		tenantSet[t] = struct{}{}
	}

	lastID := afterID
	for _, ev := range events {
		if ev.ID <= lastID {
			// At-least-once redelivery of something already applied.
			continue
		}

		var payload eventPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			o.recordTailError(plan, err)
			return nil, err
		}

		// Changes from before the dual-write snapshot are covered by
		// backfill; replaying them would double-apply history.
		inWindow := ev.Ts >= cutoffMs

		if _, wanted := tenantSet[payload.TenantID]; wanted && inWindow && !isSelect(payload.SQL) {
			table := extractTableName(payload.SQL)
			if ev.Type == "ddl" {
				err = target.DDL(ctx, payload.TenantID, table, payload.SQL, payload.Params)
			} else {
				_, err = target.Mutation(ctx, payload.TenantID, table, payload.SQL, payload.Params, "")
			}
			// A unique-key conflict means the dual-write path already
			// landed this change on the target; the row is present, so
			// the replay is a no-op, not a failure.
			if err != nil && errors.CodeOf(err) == errors.CodeConflictUnique {
				err = nil
			}
			if err != nil {
				o.recordTailError(plan, err)
				return nil, err
			}
		}

		lastID = ev.ID

		o.mu.Lock()
		plan.Tail.LastEventID = lastID
		persistErr := o.persist(plan)
		o.mu.Unlock()
		if persistErr != nil {
			return nil, persistErr
		}
		runtime.Gosched()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(events) < defaultTailBatchSize {
		plan.Tail.Status = "caught_up"
		plan.Phase = types.PhaseCutoverPending
	} else {
		plan.Tail.Status = "replaying"
	}
	if err := o.persist(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (o *Orchestrator) recordTailError(plan *types.ShardSplitPlan, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	plan.ErrorMessage = err.Error()
	_ = o.persist(plan)
}

func isSelect(sqlText string) bool {
	trimmed := strings.TrimSpace(strings.ToUpper(sqlText))
	return strings.HasPrefix(trimmed, "SELECT")
}

// extractTableName is a best-effort table name extraction used only to
// label the target write for metrics/invalidation; a malformed guess
// never changes correctness since the replayed SQL carries its own
// table reference.
func extractTableName(sqlText string) string {
	fields := strings.Fields(sqlText)
	for i, f := range fields {
		upper := strings.ToUpper(f)
		if upper == "INTO" || upper == "TABLE" || upper == "FROM" {
			if i+1 < len(fields) {
				return strings.Trim(fields[i+1], `"'`+"`")
			}
		}
		if upper == "UPDATE" && i+1 < len(fields) {
			return strings.Trim(fields[i+1], `"'`+"`")
		}
	}
	return "*"
}
