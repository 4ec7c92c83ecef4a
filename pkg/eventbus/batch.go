package eventbus

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/shardsql/pkg/log"
	"github.com/cuemby/shardsql/pkg/metrics"
)

// BatchConfig controls batched consumption off a Subscriber channel.
type BatchConfig struct {
	Size    int
	MaxWait time.Duration
}

// DefaultBatchConfig returns the standard consumer batching window
// (50 events, 2s max wait).
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{Size: 50, MaxWait: 2 * time.Second}
}

// DedupFilter reports whether an event has already been processed and,
// if not, should mark it processed (it owns the idempotency window).
type DedupFilter func(messageID string) (alreadyProcessed bool)

// HandleBatch is invoked once per drained batch with the events that
// passed the dedup filter.
type HandleBatch func(batch []*Event) error

// BatchConsumer drains a Subscriber in batches of up to Size events,
// also flushing whenever its MaxWait timer fires; the timer is re-armed
// after every tick and after every size-triggered flush. A failure from
// HandleBatch is not retried: every event of the failed batch is sent
// to the bus's dead letters via Reject and the error is logged. Its
// main user is the cache coherence engine's invalidation consumer.
type BatchConsumer struct {
	sub    Subscriber
	bus    *Bus
	config BatchConfig
	dedup  DedupFilter
	handle HandleBatch
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewBatchConsumer wires a subscriber to a batched, deduping handler.
func NewBatchConsumer(bus *Bus, config BatchConfig, dedup DedupFilter, handle HandleBatch) *BatchConsumer {
	return &BatchConsumer{
		sub:    bus.Subscribe(),
		bus:    bus,
		config: config,
		dedup:  dedup,
		handle: handle,
		logger: log.WithComponent("eventbus-consumer"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the consume loop in a goroutine.
func (c *BatchConsumer) Start() {
	go c.run()
}

// Stop unsubscribes and halts the consume loop.
func (c *BatchConsumer) Stop() {
	close(c.stopCh)
	c.bus.Unsubscribe(c.sub)
}

func (c *BatchConsumer) run() {
	var batch []*Event
	timer := time.NewTimer(c.config.MaxWait)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		fresh := batch[:0:0]
		for _, e := range batch {
			if c.dedup != nil && c.dedup(e.ID) {
				metrics.EventBusDuplicatesTotal.Inc()
				continue
			}
			fresh = append(fresh, e)
		}
		batch = nil
		if len(fresh) == 0 {
			return
		}
		if err := c.handle(fresh); err != nil {
			for _, e := range fresh {
				c.bus.Reject(e, err.Error())
			}
			c.logger.Error().Err(err).Int("batch_size", len(fresh)).Msg("batch handler failed")
			return
		}
		metrics.EventBusConsumedTotal.Add(float64(len(fresh)))
	}

	for {
		select {
		case e, ok := <-c.sub:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= c.config.Size {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(c.config.MaxWait)
			}
		case <-timer.C:
			flush()
			timer.Reset(c.config.MaxWait)
		case <-c.stopCh:
			flush()
			return
		}
	}
}
