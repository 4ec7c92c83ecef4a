package splitter

import (
	"context"
	"runtime"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/metrics"
	"github.com/cuemby/shardsql/pkg/types"
)

// tableKey is the plan.Backfill.TableCursor key for a (tenant, table) pair.
func tableKey(tenantID, table string) string {
	return tenantID + ":" + table
}

// RunBackfill pages rows for every (tenantID, table) pair with a
// sharded column from the source shard and upserts them into the
// target, persisting the cursor after every page so a restart resumes
// without double-counting. It yields cooperatively between pages so it
// never starves request handlers sharing the same process.
func (o *Orchestrator) RunBackfill(ctx context.Context, id string, pairs []TableTenantPair) (*types.ShardSplitPlan, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SplitCycleDuration)

	o.mu.Lock()
	plan, ok := o.plans[id]
	if !ok {
		o.mu.Unlock()
		return nil, errors.New(errors.CodeSplitNotFound, "split plan not found")
	}
	if plan.Phase != types.PhaseDualWrite && plan.Phase != types.PhaseBackfill {
		o.mu.Unlock()
		return nil, errors.New(errors.CodeInvalidPhase, "backfill requires phase dual_write or backfill")
	}
	plan.Phase = types.PhaseBackfill
	plan.Backfill.Status = "running"
	o.mu.Unlock()

	source, err := o.shard(plan.SourceShard)
	if err != nil {
		return nil, err
	}
	target, err := o.shard(plan.TargetShard)
	if err != nil {
		return nil, err
	}

	for _, pair := range pairs {
		key := tableKey(pair.TenantID, pair.Table)

		o.mu.Lock()
		cursor := plan.Backfill.TableCursor[key]
		o.mu.Unlock()

		for {
			rows, nextCursor, err := source.Export(ctx, pair.Table, pair.TenantID, pair.TenantColumn, cursor, defaultBackfillPageSize)
			if err != nil {
				o.recordBackfillError(plan, err)
				return nil, err
			}
			if len(rows) == 0 {
				break
			}

			inserted, err := target.Import(ctx, pair.Table, rows)
			if err != nil {
				o.recordBackfillError(plan, err)
				return nil, err
			}

			cursor = nextCursor

			o.mu.Lock()
			plan.Backfill.TableCursor[key] = cursor
			plan.Backfill.TotalRowsCopied += int64(inserted)
			persistErr := o.persist(plan)
			o.mu.Unlock()
			if persistErr != nil {
				return nil, persistErr
			}
			metrics.SplitRowsCopiedTotal.WithLabelValues(plan.ID).Add(float64(inserted))

			if len(rows) < defaultBackfillPageSize {
				break
			}
			runtime.Gosched()
		}
	}

	o.mu.Lock()
	plan.Backfill.Status = "done"
	plan.Phase = types.PhaseTailing
	plan.Tail.Status = "replaying"
	err = o.persist(plan)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	o.logger.Info().Str("plan_id", id).Int64("rows_copied", plan.Backfill.TotalRowsCopied).Msg("backfill complete")
	return plan, nil
}

func (o *Orchestrator) recordBackfillError(plan *types.ShardSplitPlan, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	plan.ErrorMessage = err.Error()
	_ = o.persist(plan)
}

// TableTenantPair names one (tenantId, table) backfill unit.
type TableTenantPair struct {
	TenantID     string
	Table        string
	TenantColumn string
}
