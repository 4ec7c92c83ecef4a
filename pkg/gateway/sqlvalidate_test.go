package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardsql/pkg/errors"
)

func TestValidateSQL_AcceptsParameterBoundStatements(t *testing.T) {
	for _, sql := range []string{
		"SELECT name FROM users WHERE id = ?",
		"INSERT INTO users (id, tenant_id, name) VALUES (?, ?, ?)",
		"UPDATE accounts SET balance = balance - ? WHERE id = ?",
		"DELETE FROM sessions WHERE expires_at < ?",
		"SELECT * FROM orders WHERE status IN (?, ?) AND note = 'it''s fine'",
	} {
		assert.NoError(t, ValidateSQL(sql), sql)
	}
}

func TestValidateSQL_LengthBounds(t *testing.T) {
	err := ValidateSQL("ab")
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidQuery, errors.CodeOf(err))

	err = ValidateSQL("SELECT '" + strings.Repeat("x", 10_001) + "'")
	require.Error(t, err)
}

func TestValidateSQL_RejectsMultiStatement(t *testing.T) {
	err := ValidateSQL("SELECT 1; SELECT 2")
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidQuery, errors.CodeOf(err))
}

func TestValidateSQL_AllowsTrailingSemicolon(t *testing.T) {
	assert.NoError(t, ValidateSQL("SELECT name FROM users;"))
}

func TestValidateSQL_SemicolonInsideStringIsFine(t *testing.T) {
	assert.NoError(t, ValidateSQL("SELECT * FROM notes WHERE body = 'a; b; c'"))
}

func TestValidateSQL_RejectsUnbalancedParens(t *testing.T) {
	require.Error(t, ValidateSQL("SELECT count(* FROM users"))
	require.Error(t, ValidateSQL("SELECT 1) FROM users"))
}

func TestValidateSQL_RejectsUnbalancedQuotes(t *testing.T) {
	require.Error(t, ValidateSQL("SELECT * FROM users WHERE name = 'ada"))
}

func TestValidateSQL_RejectsInjectionSignatures(t *testing.T) {
	for _, sql := range []string{
		"SELECT * FROM users WHERE name = x OR 1=1",
		"SELECT id FROM users UNION SELECT password FROM admins",
		"SELECT 1; DROP TABLE users",
		"SELECT * FROM users --",
	} {
		err := ValidateSQL(sql)
		require.Error(t, err, sql)
		assert.Equal(t, errors.CodeInvalidQuery, errors.CodeOf(err), sql)
	}
}
