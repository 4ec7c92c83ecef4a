package policy

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "policy-store")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := New(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew_BootstrapsVersion1(t *testing.T) {
	store := newTestStore(t)

	v, err := store.GetCurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	p, err := store.GetCurrentPolicy()
	require.NoError(t, err)
	assert.Empty(t, p.Tenants)
	assert.NotEmpty(t, p.Checksum)
}

func TestUpdateCurrentPolicy_AdvancesVersionAndPreservesHistory(t *testing.T) {
	store := newTestStore(t)

	p, err := store.GetCurrentPolicy()
	require.NoError(t, err)
	p.Tenants["acme"] = "shard-1"

	v2, err := store.UpdateCurrentPolicy(p, "assign acme")
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	v1Policy, err := store.GetPolicyByVersion(1)
	require.NoError(t, err)
	assert.Empty(t, v1Policy.Tenants, "old version must not be mutated by a later update")

	cur, err := store.GetCurrentPolicy()
	require.NoError(t, err)
	assert.Equal(t, "shard-1", cur.Tenants["acme"])
}

func TestUpdateCurrentPolicy_RejectsUnknownShard(t *testing.T) {
	store := newTestStore(t)
	store.SetKnownShards([]string{"shard-1", "shard-2"})

	p, err := store.GetCurrentPolicy()
	require.NoError(t, err)
	p.Tenants["acme"] = "shard-1"
	_, err = store.UpdateCurrentPolicy(p, "ok")
	require.NoError(t, err)

	p2, _ := store.GetCurrentPolicy()
	p2.Tenants["globex"] = "shard-99"
	_, err = store.UpdateCurrentPolicy(p2, "bad")
	require.Error(t, err)
	assert.Equal(t, errors.CodeIncompatiblePolicy, errors.CodeOf(err))

	// A shard already referenced by the current policy stays allowed
	// even if it later disappears from the provisioned set.
	store.SetKnownShards([]string{"shard-2"})
	p3, _ := store.GetCurrentPolicy()
	p3.Tenants["initech"] = "shard-1"
	_, err = store.UpdateCurrentPolicy(p3, "grandfathered")
	require.NoError(t, err)
}

func TestRollbackToVersion(t *testing.T) {
	store := newTestStore(t)

	p, err := store.GetCurrentPolicy()
	require.NoError(t, err)
	p.Tenants["acme"] = "shard-1"
	_, err = store.UpdateCurrentPolicy(p, "assign acme")
	require.NoError(t, err)

	require.NoError(t, store.RollbackToVersion(1))

	cur, err := store.GetCurrentPolicy()
	require.NoError(t, err)
	assert.Empty(t, cur.Tenants)

	v, err := store.GetCurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestRollbackToVersion_RejectsUnknownVersion(t *testing.T) {
	store := newTestStore(t)
	err := store.RollbackToVersion(99)
	require.Error(t, err)
}

func TestListVersions_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	p, _ := store.GetCurrentPolicy()
	p.Tenants["acme"] = "shard-1"
	_, err := store.UpdateCurrentPolicy(p, "v2")
	require.NoError(t, err)

	versions, err := store.ListVersions()
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
	assert.Equal(t, 1, versions[1].Version)
}

func TestGetPolicyDiff(t *testing.T) {
	store := newTestStore(t)
	p, _ := store.GetCurrentPolicy()
	p.Tenants["acme"] = "shard-1"
	p.Ranges = []types.RoutingRange{{Prefix: "00..3f", ShardID: "shard-1"}}
	_, err := store.UpdateCurrentPolicy(p, "v2")
	require.NoError(t, err)

	p2, _ := store.GetCurrentPolicy()
	p2.Tenants["acme"] = "shard-2"
	p2.Tenants["globex"] = "shard-1"
	p2.Ranges = nil
	_, err = store.UpdateCurrentPolicy(p2, "v3")
	require.NoError(t, err)

	diff, err := store.GetPolicyDiff(2, 3)
	require.NoError(t, err)
	assert.Equal(t, "shard-1", diff.AddedTenants["globex"])
	assert.Len(t, diff.ChangedTenants, 1)
	assert.Equal(t, "shard-1", diff.ChangedTenants[0].OldShard)
	assert.Equal(t, "shard-2", diff.ChangedTenants[0].NewShard)
	assert.Len(t, diff.RemovedRanges, 1)
}

func TestChecksum_IsOrderIndependentOverMapIteration(t *testing.T) {
	a := &types.RoutingPolicy{Version: 1, Tenants: map[string]string{"a": "shard-1", "b": "shard-2"}}
	b := &types.RoutingPolicy{Version: 1, Tenants: map[string]string{"b": "shard-2", "a": "shard-1"}}
	assert.Equal(t, checksum(a), checksum(b))
}

func TestGetTablePolicy_FallsBackToDefault(t *testing.T) {
	store := newTestStore(t)
	p, err := store.GetTablePolicy("orders")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultTablePolicy("orders"), p)
}

func TestUpdateTablePolicy_PersistsAndClearsCache(t *testing.T) {
	store := newTestStore(t)
	policy := types.TablePolicy{
		Table: "orders",
		PK:    "id",
		Cache: types.CachePolicy{Mode: types.CacheModeBounded, TTLMs: 1000, SWRMs: 5000},
	}
	require.NoError(t, store.UpdateTablePolicy(policy))

	got, err := store.GetTablePolicy("orders")
	require.NoError(t, err)
	assert.Equal(t, policy, got)
}

func TestUpdateTablePolicy_RejectsMissingPK(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateTablePolicy(types.TablePolicy{Table: "orders"})
	require.Error(t, err)
}

func TestUpdateTablePolicy_RejectsSWRNotGreaterThanTTL(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateTablePolicy(types.TablePolicy{
		Table: "orders",
		PK:    "id",
		Cache: types.CachePolicy{Mode: types.CacheModeBounded, TTLMs: 1000, SWRMs: 1000},
	})
	require.Error(t, err)
}
