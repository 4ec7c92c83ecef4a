// Package eventbus is the at-least-once change-notification bus that
// connects the shard storage engine to the cache coherence engine. It
// keeps the publish/subscribe shape of a simple in-process broker but
// adds message identity, batched consumption, and a dead-letter sink so
// a consumer can process deliveries idempotently.
package eventbus

import (
	"sync"
	"time"

	"github.com/cuemby/shardsql/pkg/log"
	"github.com/cuemby/shardsql/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type identifies the kind of change notification.
type Type string

const (
	Invalidate Type = "invalidate"
	Prewarm    Type = "prewarm"
	D1Sync     Type = "d1_sync"
)

// Event is a single change notification produced by the shard storage
// engine on every successful mutation, DDL statement, or batch commit.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	ShardID   string    `json:"shardId"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"ts"`
	// Keys are invalidation prefixes in "<tenantId>:<table>" form.
	Keys []string `json:"keys,omitempty"`
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// DeadLetter records an event the consumer permanently failed to process.
type DeadLetter struct {
	Event    *Event
	Reason   string
	FailedAt time.Time
}

// Bus manages event subscriptions and distribution. Producers call
// Publish; consumers call Subscribe and range over the returned
// channel (or use NewBatchConsumer for batched, idempotent delivery).
type Bus struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}

	deadMu     sync.Mutex
	deadLetter []DeadLetter
	deadCap    int

	logger zerolog.Logger
}

// NewBus creates a new event bus with a bounded dead-letter ring buffer.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 200),
		stopCh:      make(chan struct{}),
		deadCap:     500,
		logger:      log.WithComponent("eventbus"),
	}
}

// Start begins the bus's distribution loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the bus.
func (b *Bus) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 128)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers. Callers that omit ID
// get a fresh one, making every publish uniquely identifiable for
// idempotent consumption downstream.
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
		metrics.EventBusPublishedTotal.Inc()
	case <-b.stopCh:
	}
}

// DeadLetters returns a snapshot of the dead-letter sink.
func (b *Bus) DeadLetters() []DeadLetter {
	b.deadMu.Lock()
	defer b.deadMu.Unlock()
	out := make([]DeadLetter, len(b.deadLetter))
	copy(out, b.deadLetter)
	return out
}

// Reject records a permanent consumer failure for an event.
func (b *Bus) Reject(event *Event, reason string) {
	b.deadMu.Lock()
	defer b.deadMu.Unlock()

	b.deadLetter = append(b.deadLetter, DeadLetter{Event: event, Reason: reason, FailedAt: time.Now()})
	if len(b.deadLetter) > b.deadCap {
		b.deadLetter = b.deadLetter[len(b.deadLetter)-b.deadCap:]
	}
	metrics.EventBusDeadLetterTotal.Inc()
	b.logger.Warn().Str("event_id", event.ID).Str("reason", reason).Msg("event sent to dead letter sink")
}

func (b *Bus) run() {
	b.logger.Info().Msg("event bus started")
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			b.logger.Info().Msg("event bus stopped")
			return
		}
	}
}

func (b *Bus) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			b.logger.Warn().Str("event_id", event.ID).Msg("subscriber buffer full, dropping delivery")
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
