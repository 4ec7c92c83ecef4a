package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/types"
)

func newTableTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetTablePolicy_DefaultWhenAbsent(t *testing.T) {
	s := newTableTestStore(t)

	p, err := s.GetTablePolicy("users")
	require.NoError(t, err)
	assert.Equal(t, "id", p.PK)
	assert.Equal(t, types.CacheModeBounded, p.Cache.Mode)
	assert.EqualValues(t, 60_000, p.Cache.TTLMs)
	assert.EqualValues(t, 300_000, p.Cache.SWRMs)
}

func TestUpdateAndGetTablePolicy(t *testing.T) {
	s := newTableTestStore(t)

	want := types.TablePolicy{
		Table:   "orders",
		PK:      "order_id",
		ShardBy: "tenant_id",
		Cache: types.CachePolicy{
			Mode:                types.CacheModeCached,
			TTLMs:               5_000,
			SWRMs:               30_000,
			AlwaysStrongColumns: []string{"balance"},
		},
	}
	require.NoError(t, s.UpdateTablePolicy(want))

	got, err := s.GetTablePolicy("orders")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestUpdateTablePolicy_ClearsReadCache(t *testing.T) {
	s := newTableTestStore(t)

	first := types.TablePolicy{Table: "orders", PK: "id", Cache: types.CachePolicy{Mode: types.CacheModeBounded, TTLMs: 1_000, SWRMs: 2_000}}
	require.NoError(t, s.UpdateTablePolicy(first))

	// Prime the read cache, then change the policy underneath it.
	_, err := s.GetTablePolicy("orders")
	require.NoError(t, err)

	second := first
	second.Cache.TTLMs = 9_000
	second.Cache.SWRMs = 90_000
	require.NoError(t, s.UpdateTablePolicy(second))

	got, err := s.GetTablePolicy("orders")
	require.NoError(t, err)
	assert.EqualValues(t, 9_000, got.Cache.TTLMs)
}

func TestTableCacheServesWithinTTL(t *testing.T) {
	s := newTableTestStore(t)
	s.tableCacheTTL = time.Hour

	p := types.TablePolicy{Table: "orders", PK: "id", Cache: types.CachePolicy{Mode: types.CacheModeStrong}}
	require.NoError(t, s.UpdateTablePolicy(p))

	_, err := s.GetTablePolicy("orders")
	require.NoError(t, err)
	_, cached := s.tableCache["orders"]
	assert.True(t, cached)
}

func TestValidateTablePolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  types.TablePolicy
		wantErr bool
	}{
		{
			name:   "strong mode needs no windows",
			policy: types.TablePolicy{Table: "a", PK: "id", Cache: types.CachePolicy{Mode: types.CacheModeStrong}},
		},
		{
			name:    "missing pk",
			policy:  types.TablePolicy{Table: "a", Cache: types.CachePolicy{Mode: types.CacheModeStrong}},
			wantErr: true,
		},
		{
			name:    "bounded with zero ttl",
			policy:  types.TablePolicy{Table: "a", PK: "id", Cache: types.CachePolicy{Mode: types.CacheModeBounded, SWRMs: 100}},
			wantErr: true,
		},
		{
			name:    "swr not greater than ttl",
			policy:  types.TablePolicy{Table: "a", PK: "id", Cache: types.CachePolicy{Mode: types.CacheModeCached, TTLMs: 100, SWRMs: 100}},
			wantErr: true,
		},
		{
			name:   "valid bounded",
			policy: types.TablePolicy{Table: "a", PK: "id", Cache: types.CachePolicy{Mode: types.CacheModeBounded, TTLMs: 100, SWRMs: 200}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTablePolicy(tt.policy)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.CodeInvalidPolicy, errors.CodeOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateConfig_AcceptsValidStoredPolicies(t *testing.T) {
	s := newTableTestStore(t)

	good := types.TablePolicy{Table: "orders", PK: "id", Cache: types.CachePolicy{Mode: types.CacheModeBounded, TTLMs: 100, SWRMs: 200}}
	require.NoError(t, s.UpdateTablePolicy(good))
	require.NoError(t, s.ValidateConfig())
}
