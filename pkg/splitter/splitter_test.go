package splitter

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/policy"
	"github.com/cuemby/shardsql/pkg/shard"
	"github.com/cuemby/shardsql/pkg/types"
)

// fakeShard is an in-memory ShardAccessor used to exercise backfill and
// tail replay without a real SQLite file.
type fakeShard struct {
	rows   map[string][]shard.Row // table -> rows, in export order
	events []shard.EventRecord
	ddls   []string
	muts   []string
	mutErr error
}

func newFakeShard() *fakeShard {
	return &fakeShard{rows: make(map[string][]shard.Row)}
}

func (f *fakeShard) Export(_ context.Context, table, tenantID, _ string, cursor, limit int64) ([]shard.Row, int64, error) {
	all := f.rows[table]
	start := int(cursor)
	if start > len(all) {
		start = len(all)
	}
	end := start + int(limit)
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], int64(end), nil
}

func (f *fakeShard) Import(_ context.Context, table string, rows []shard.Row) (int, error) {
	f.rows[table] = append(f.rows[table], rows...)
	return len(rows), nil
}

func (f *fakeShard) Events(_ context.Context, afterID int64, limit int) ([]shard.EventRecord, error) {
	var out []shard.EventRecord
	for _, e := range f.events {
		if e.ID > afterID {
			out = append(out, e)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeShard) DDL(_ context.Context, _, _, sqlText string, _ []any) error {
	f.ddls = append(f.ddls, sqlText)
	return nil
}

func (f *fakeShard) Mutation(_ context.Context, _, _, sqlText string, _ []any, _ string) (*shard.MutationResult, error) {
	if f.mutErr != nil {
		return nil, f.mutErr
	}
	f.muts = append(f.muts, sqlText)
	return &shard.MutationResult{}, nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *policy.Store, *fakeShard, *fakeShard) {
	t.Helper()
	dir, err := os.MkdirTemp("", "splitter")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := policy.New(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cur, err := store.GetCurrentPolicy()
	require.NoError(t, err)
	cur.Tenants["acme"] = "shard-a"
	_, err = store.UpdateCurrentPolicy(cur, "assign acme")
	require.NoError(t, err)

	source := newFakeShard()
	target := newFakeShard()

	o, err := New(dir, store, map[string]ShardAccessor{
		"shard-a": source,
		"shard-b": target,
	})
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })

	return o, store, source, target
}

func TestPlanSplit_RejectsUnassignedTenant(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	_, err := o.PlanSplit("shard-a", "shard-b", []string{"not-acme"}, "", nil)
	require.Error(t, err)
}

func TestPlanSplit_RejectsOverlappingActivePlan(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	_, err := o.PlanSplit("shard-a", "shard-b", []string{"acme"}, "", nil)
	require.NoError(t, err)

	_, err = o.PlanSplit("shard-a", "shard-b", []string{"acme"}, "", nil)
	require.Error(t, err)
}

func TestFullSplitLifecycle(t *testing.T) {
	o, store, source, target := newTestOrchestrator(t)

	source.rows["orders"] = []shard.Row{
		{"id": int64(1), "tenant_id": "acme"},
		{"id": int64(2), "tenant_id": "acme"},
	}

	plan, err := o.PlanSplit("shard-a", "shard-b", []string{"acme"}, "move acme", nil)
	require.NoError(t, err)
	assert.Equal(t, types.PhasePlanning, plan.Phase)

	plan, err = o.StartDualWrite(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseDualWrite, plan.Phase)

	ctx := context.Background()
	plan, err = o.RunBackfill(ctx, plan.ID, []TableTenantPair{{TenantID: "acme", Table: "orders", TenantColumn: "tenant_id"}})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseTailing, plan.Phase)
	assert.EqualValues(t, 2, plan.Backfill.TotalRowsCopied)
	assert.Len(t, target.rows["orders"], 2)

	payload, _ := json.Marshal(map[string]any{"tenantId": "acme", "sql": "INSERT INTO orders (id) VALUES (?)", "params": []any{3}})
	source.events = []shard.EventRecord{{ID: 1, Ts: time.Now().UnixMilli(), Type: "mutation", Payload: payload}}

	plan, err = o.ReplayTail(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCutoverPending, plan.Phase)
	assert.Equal(t, "caught_up", plan.Tail.Status)
	assert.Len(t, target.muts, 1)

	plan, err = o.Cutover(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, plan.Phase)
	require.NotNil(t, plan.RoutingVersionCutover)

	cur, err := store.GetCurrentPolicy()
	require.NoError(t, err)
	assert.Equal(t, "shard-b", cur.Tenants["acme"])
}

func TestRollback_RestoresRoutingVersion(t *testing.T) {
	o, store, _, _ := newTestOrchestrator(t)

	before, err := store.GetCurrentVersion()
	require.NoError(t, err)

	plan, err := o.PlanSplit("shard-a", "shard-b", []string{"acme"}, "", nil)
	require.NoError(t, err)

	_, err = o.StartDualWrite(plan.ID)
	require.NoError(t, err)

	plan, err = o.Rollback(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseRolledBack, plan.Phase)

	after, err := store.GetCurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReplayTail_SkipsOtherTenantsAndDuplicates(t *testing.T) {
	o, _, source, target := newTestOrchestrator(t)

	plan, err := o.PlanSplit("shard-a", "shard-b", []string{"acme"}, "", nil)
	require.NoError(t, err)
	_, err = o.StartDualWrite(plan.ID)
	require.NoError(t, err)
	plan, err = o.RunBackfill(context.Background(), plan.ID, nil)
	require.NoError(t, err)

	otherPayload, _ := json.Marshal(map[string]any{"tenantId": "other-tenant", "sql": "INSERT INTO orders (id) VALUES (?)"})
	mine, _ := json.Marshal(map[string]any{"tenantId": "acme", "sql": "UPDATE orders SET x = 1"})
	now := time.Now().UnixMilli()
	source.events = []shard.EventRecord{
		{ID: 1, Ts: now, Type: "mutation", Payload: otherPayload},
		{ID: 2, Ts: now, Type: "mutation", Payload: mine},
		{ID: 2, Ts: now, Type: "mutation", Payload: mine}, // redelivered duplicate
	}

	plan, err = o.ReplayTail(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, plan.Tail.LastEventID)
	assert.Len(t, target.muts, 1)
}

func TestReplayTail_SkipsEventsFromBeforeDualWrite(t *testing.T) {
	o, _, source, target := newTestOrchestrator(t)

	plan, err := o.PlanSplit("shard-a", "shard-b", []string{"acme"}, "", nil)
	require.NoError(t, err)
	_, err = o.StartDualWrite(plan.ID)
	require.NoError(t, err)
	plan, err = o.RunBackfill(context.Background(), plan.ID, nil)
	require.NoError(t, err)

	// An event stamped long before the dual-write snapshot is already
	// covered by backfill; replay must skip it but still advance the
	// cursor past it.
	old, _ := json.Marshal(map[string]any{"tenantId": "acme", "sql": "INSERT INTO orders (id) VALUES (?)"})
	source.events = []shard.EventRecord{{ID: 1, Ts: 1, Type: "mutation", Payload: old}}

	plan, err = o.ReplayTail(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, plan.Tail.LastEventID)
	assert.Empty(t, target.muts)
}

func TestReplayTail_ToleratesUniqueConflictFromDualWrite(t *testing.T) {
	o, _, source, target := newTestOrchestrator(t)

	plan, err := o.PlanSplit("shard-a", "shard-b", []string{"acme"}, "", nil)
	require.NoError(t, err)
	_, err = o.StartDualWrite(plan.ID)
	require.NoError(t, err)
	plan, err = o.RunBackfill(context.Background(), plan.ID, nil)
	require.NoError(t, err)

	target.mutErr = errors.New(errors.CodeConflictUnique, "row already present")

	payload, _ := json.Marshal(map[string]any{"tenantId": "acme", "sql": "INSERT INTO orders (id) VALUES (?)"})
	source.events = []shard.EventRecord{{ID: 1, Ts: time.Now().UnixMilli(), Type: "mutation", Payload: payload}}

	plan, err = o.ReplayTail(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, "caught_up", plan.Tail.Status)
	assert.EqualValues(t, 1, plan.Tail.LastEventID)
	assert.Empty(t, plan.ErrorMessage)
}

func TestPlansSurviveRestart(t *testing.T) {
	dir, err := os.MkdirTemp("", "splitter-restart")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := policy.New(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cur, err := store.GetCurrentPolicy()
	require.NoError(t, err)
	cur.Tenants["acme"] = "shard-a"
	_, err = store.UpdateCurrentPolicy(cur, "assign acme")
	require.NoError(t, err)

	source := newFakeShard()
	source.rows["orders"] = []shard.Row{{"id": int64(1), "tenant_id": "acme"}}
	target := newFakeShard()
	shards := map[string]ShardAccessor{"shard-a": source, "shard-b": target}

	o1, err := New(dir, store, shards)
	require.NoError(t, err)

	plan, err := o1.PlanSplit("shard-a", "shard-b", []string{"acme"}, "", nil)
	require.NoError(t, err)
	_, err = o1.StartDualWrite(plan.ID)
	require.NoError(t, err)
	plan, err = o1.RunBackfill(context.Background(), plan.ID, []TableTenantPair{{TenantID: "acme", Table: "orders", TenantColumn: "tenant_id"}})
	require.NoError(t, err)
	require.NoError(t, o1.Close())

	o2, err := New(dir, store, shards)
	require.NoError(t, err)
	t.Cleanup(func() { o2.Close() })

	got := o2.Get(plan.ID)
	require.NotNil(t, got, "plan must be rehydrated after restart")
	assert.Equal(t, types.PhaseTailing, got.Phase)
	assert.Equal(t, plan.Backfill.TotalRowsCopied, got.Backfill.TotalRowsCopied)
	assert.Equal(t, plan.Backfill.TableCursor, got.Backfill.TableCursor)
	assert.NotNil(t, got.DualWriteStartedAt)
}

func TestCutover_GraceWindowKeepsPlanVisible(t *testing.T) {
	o, _, source, _ := newTestOrchestrator(t)
	o.SetGraceWindow(time.Hour)

	plan, err := o.PlanSplit("shard-a", "shard-b", []string{"acme"}, "move acme", nil)
	require.NoError(t, err)
	assert.Equal(t, "move acme", plan.Description)

	_, err = o.StartDualWrite(plan.ID)
	require.NoError(t, err)
	plan, err = o.RunBackfill(context.Background(), plan.ID, nil)
	require.NoError(t, err)

	source.events = nil
	plan, err = o.ReplayTail(context.Background(), plan.ID)
	require.NoError(t, err)
	plan, err = o.Cutover(plan.ID)
	require.NoError(t, err)

	require.NotNil(t, plan.GraceUntil)
	assert.True(t, plan.GraceUntil.After(time.Now()))

	// The completed plan stays visible to the router for the duration of
	// the read-only window, then disappears once GraceUntil passes.
	got := o.ActivePlanForTenant("acme")
	require.NotNil(t, got)
	assert.Equal(t, types.PhaseCompleted, got.Phase)

	past := time.Now().Add(-time.Minute)
	plan.GraceUntil = &past
	assert.Nil(t, o.ActivePlanForTenant("acme"))
}

func TestFlagReconciliation_PersistsOnActivePlan(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	plan, err := o.PlanSplit("shard-a", "shard-b", []string{"acme"}, "", nil)
	require.NoError(t, err)
	_, err = o.StartDualWrite(plan.ID)
	require.NoError(t, err)

	o.FlagReconciliation("acme", "dual-write unique conflict on target")

	got := o.Get(plan.ID)
	require.NotNil(t, got)
	assert.True(t, got.NeedsReconciliation)
	assert.Equal(t, "dual-write unique conflict on target", got.ErrorMessage)

	// Unknown tenants and terminal plans are left untouched.
	o.FlagReconciliation("nobody", "noise")
	_, err = o.Rollback(plan.ID)
	require.NoError(t, err)
	o.FlagReconciliation("acme", "late flag")
	assert.Equal(t, types.PhaseRolledBack, o.Get(plan.ID).Phase)
}
