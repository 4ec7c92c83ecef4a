package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardsql/pkg/errors"
)

func TestBreaker_OpensAfterThresholdFailures(t *testing.T) {
	b := newBreaker(3, 200*time.Millisecond)

	for i := 0; i < 3; i++ {
		assert.True(t, b.Allow())
		b.RecordFailure("shard-1")
	}
	assert.False(t, b.Allow())
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b := newBreaker(3, 200*time.Millisecond)

	b.RecordFailure("shard-1")
	b.RecordFailure("shard-1")
	assert.True(t, b.Allow())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newBreaker(3, 200*time.Millisecond)

	b.RecordFailure("shard-1")
	b.RecordFailure("shard-1")
	b.RecordSuccess("shard-1")
	b.RecordFailure("shard-1")
	b.RecordFailure("shard-1")
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenTrialAfterCooldown(t *testing.T) {
	b := newBreaker(1, 20*time.Millisecond)

	b.RecordFailure("shard-1")
	assert.False(t, b.Allow())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, b.Allow(), "cooldown elapsed, trial call should be admitted")

	// The trial call failing re-opens the breaker immediately.
	b.RecordFailure("shard-1")
	assert.False(t, b.Allow())
}

func TestBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	b := newBreaker(1, 20*time.Millisecond)

	b.RecordFailure("shard-1")
	time.Sleep(30 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordSuccess("shard-1")

	assert.True(t, b.Allow())
	assert.Equal(t, breakerClosed, b.state)
}

func TestBreakerRegistry_FailsFastWithCircuitOpen(t *testing.T) {
	reg := newBreakerRegistry(2, time.Hour)

	boom := errors.New(errors.CodeSQLError, "shard exploded")
	for i := 0; i < 2; i++ {
		err := reg.Call("shard-1", func() error { return boom })
		require.Error(t, err)
	}

	err := reg.Call("shard-1", func() error {
		t.Fatal("call must not reach the shard while the breaker is open")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeCircuitOpen, errors.CodeOf(err))
}

func TestBreakerRegistry_IsolatesShards(t *testing.T) {
	reg := newBreakerRegistry(1, time.Hour)

	_ = reg.Call("shard-1", func() error { return errors.New(errors.CodeSQLError, "down") })

	err := reg.Call("shard-2", func() error { return nil })
	assert.NoError(t, err)
}
