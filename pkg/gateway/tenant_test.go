package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardsql/pkg/errors"
)

func TestRewriteForTenant_SelectWithoutWhere(t *testing.T) {
	sql, params, err := rewriteForTenant("SELECT name FROM users", nil, "t1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT name FROM users WHERE tenant_id = ?", sql)
	assert.Equal(t, []any{"t1"}, params)
}

func TestRewriteForTenant_SelectWithWhereAndTrailingClauses(t *testing.T) {
	sql, params, err := rewriteForTenant(
		"SELECT * FROM orders WHERE status = ? OR status = ? ORDER BY id LIMIT ?",
		[]any{"open", "held", 10}, "t1")
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT * FROM orders WHERE tenant_id = ? AND (status = ? OR status = ?) ORDER BY id LIMIT ?",
		sql)
	assert.Equal(t, []any{"t1", "open", "held", 10}, params)
}

func TestRewriteForTenant_SelectWithoutFromPassesThrough(t *testing.T) {
	sql, params, err := rewriteForTenant("SELECT 1", nil, "t1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", sql)
	assert.Empty(t, params)
}

func TestRewriteForTenant_OrderByWithoutWhere(t *testing.T) {
	sql, params, err := rewriteForTenant("SELECT id FROM orders ORDER BY id", nil, "acme")
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM orders WHERE tenant_id = ? ORDER BY id", sql)
	assert.Equal(t, []any{"acme"}, params)
}

func TestRewriteForTenant_UpdateAndDelete(t *testing.T) {
	sql, params, err := rewriteForTenant("UPDATE users SET name = ? WHERE id = ?", []any{"Grace", 1}, "t1")
	require.NoError(t, err)
	assert.Equal(t, "UPDATE users SET name = ? WHERE tenant_id = ? AND (id = ?)", sql)
	assert.Equal(t, []any{"Grace", "t1", 1}, params)

	sql, params, err = rewriteForTenant("DELETE FROM sessions", nil, "t1")
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM sessions WHERE tenant_id = ?", sql)
	assert.Equal(t, []any{"t1"}, params)
}

func TestRewriteForTenant_KeywordInsideStringLiteralIsIgnored(t *testing.T) {
	sql, params, err := rewriteForTenant(
		"SELECT * FROM notes WHERE body = 'where it hurts'", []any{}, "t1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM notes WHERE tenant_id = ? AND (body = 'where it hurts')", sql)
	assert.Equal(t, []any{"t1"}, params)
}

func TestRewriteForTenant_SubqueryWhereStaysNested(t *testing.T) {
	sql, params, err := rewriteForTenant(
		"SELECT id FROM orders WHERE user_id IN (SELECT id FROM users WHERE active = ?)",
		[]any{1}, "t1")
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id FROM orders WHERE tenant_id = ? AND (user_id IN (SELECT id FROM users WHERE active = ?))",
		sql)
	assert.Equal(t, []any{"t1", 1}, params)
}

func TestRewriteForTenant_InsertMatchingPlaceholder(t *testing.T) {
	_, _, err := rewriteForTenant(
		"INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]any{1, "t1", "Ada"}, "t1")
	require.NoError(t, err)
}

func TestRewriteForTenant_InsertForeignPlaceholderRejected(t *testing.T) {
	_, _, err := rewriteForTenant(
		"INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		[]any{1, "t2", "Mallory"}, "t1")
	require.Error(t, err)
	assert.Equal(t, errors.CodeTenantAccessDenied, errors.CodeOf(err))
}

func TestRewriteForTenant_InsertForeignLiteralRejected(t *testing.T) {
	_, _, err := rewriteForTenant(
		"INSERT INTO users (id, tenant_id) VALUES (?, 't2')", []any{1}, "t1")
	require.Error(t, err)
	assert.Equal(t, errors.CodeTenantAccessDenied, errors.CodeOf(err))
}

func TestRewriteForTenant_InsertMultiRowChecksEveryTuple(t *testing.T) {
	_, _, err := rewriteForTenant(
		"INSERT INTO users (id, tenant_id) VALUES (?, ?), (?, ?)",
		[]any{1, "t1", 2, "t2"}, "t1")
	require.Error(t, err)
	assert.Equal(t, errors.CodeTenantAccessDenied, errors.CodeOf(err))
}

func TestRewriteForTenant_InsertWithoutTenantColumnPassesThrough(t *testing.T) {
	sql, params, err := rewriteForTenant(
		"INSERT INTO settings (k, v) VALUES (?, ?)", []any{"a", "b"}, "t1")
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO settings (k, v) VALUES (?, ?)", sql)
	assert.Equal(t, []any{"a", "b"}, params)
}

func TestRewriteForTenant_DDLPassesThrough(t *testing.T) {
	ddl := "CREATE TABLE users (id INTEGER PRIMARY KEY, tenant_id TEXT)"
	sql, _, err := rewriteForTenant(ddl, nil, "t1")
	require.NoError(t, err)
	assert.Equal(t, ddl, sql)
}
