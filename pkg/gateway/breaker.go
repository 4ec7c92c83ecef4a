package gateway

import (
	"sync"
	"time"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/metrics"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker is a per-shard circuit breaker: a count of consecutive
// failures opens it; once cooldownMs has elapsed the next Allow turns it
// half-open, and it admits calls until an outcome is recorded: a
// success closes it, a failure re-opens it.
type breaker struct {
	mu               sync.Mutex
	state            breakerState
	consecutiveFails int
	openedAt         time.Time
	failureThreshold int
	cooldown         time.Duration
}

func newBreaker(failureThreshold int, cooldown time.Duration) *breaker {
	return &breaker{failureThreshold: failureThreshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed. An open breaker admits the
// first call after the cooldown and turns half-open; a half-open
// breaker admits every call until an outcome is recorded.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default: // half-open: a trial is already in flight elsewhere too,
		// but admitting more than one keeps the breaker simple and
		// self-correcting rather than tracking a single in-flight slot.
		return true
	}
}

// RecordSuccess closes the breaker.
func (b *breaker) RecordSuccess(shardID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.consecutiveFails = 0
	metrics.CircuitBreakerState.WithLabelValues(shardID).Set(0)
}

// RecordFailure counts a failure, opening the breaker once the
// consecutive count reaches the threshold (or immediately if the
// failing call was the half-open trial).
func (b *breaker) RecordFailure(shardID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.open()
		metrics.CircuitBreakerState.WithLabelValues(shardID).Set(2)
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.failureThreshold {
		b.open()
		metrics.CircuitBreakerState.WithLabelValues(shardID).Set(2)
	}
}

func (b *breaker) open() {
	b.state = breakerOpen
	b.openedAt = time.Now()
	b.consecutiveFails = 0
}

// breakerRegistry owns one breaker per shard, created lazily.
type breakerRegistry struct {
	mu               sync.Mutex
	breakers         map[string]*breaker
	failureThreshold int
	cooldown         time.Duration
}

func newBreakerRegistry(failureThreshold int, cooldown time.Duration) *breakerRegistry {
	return &breakerRegistry{
		breakers:         make(map[string]*breaker),
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

func (r *breakerRegistry) get(shardID string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[shardID]
	if !ok {
		b = newBreaker(r.failureThreshold, r.cooldown)
		r.breakers[shardID] = b
	}
	return b
}

// Call executes fn if the shard's breaker is closed (or admitting a
// half-open trial); otherwise it fails fast with CIRCUIT_OPEN.
func (r *breakerRegistry) Call(shardID string, fn func() error) error {
	b := r.get(shardID)
	if !b.Allow() {
		return errors.New(errors.CodeCircuitOpen, "circuit breaker open for shard "+shardID)
	}
	err := fn()
	if err != nil {
		b.RecordFailure(shardID)
		return err
	}
	b.RecordSuccess(shardID)
	return nil
}
