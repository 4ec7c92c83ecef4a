package errors

import (
	"fmt"
	"testing"

	stderrors "errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(CodeShardCapacity, "shard full")
	assert.Equal(t, "SHARD_CAPACITY: shard full", err.Error())

	wrapped := Wrap(CodeSQLError, "exec failed", fmt.Errorf("disk on fire"))
	assert.Equal(t, "SQL_ERROR: exec failed: disk on fire", wrapped.Error())
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(CodeRetryable, "transient", cause)
	assert.True(t, stderrors.Is(err, cause))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(CodeRetryable, "busy")))
	assert.True(t, IsRetryable(New(CodeTimeout, "slow")))
	assert.True(t, IsRetryable(New(CodeCircuitOpen, "open")))
	assert.False(t, IsRetryable(New(CodeConflictUnique, "dup")))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeInvalidQuery, CodeOf(New(CodeInvalidQuery, "bad")))
	assert.Equal(t, CodeInternalError, CodeOf(fmt.Errorf("untyped")))
}

func TestWithDetails(t *testing.T) {
	base := New(CodeShardCapacity, "full")
	detailed := base.WithDetails(map[string]any{"shardId": "shard-1"})

	require.Nil(t, base.Details)
	assert.Equal(t, "shard-1", detailed.Details["shardId"])
	assert.Equal(t, base.Code, detailed.Code)
}
