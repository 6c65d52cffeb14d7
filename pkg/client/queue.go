package client

import (
	"context"
	"sync"
	"time"

	"github.com/slotboard/collab/pkg/observability"
	"github.com/slotboard/collab/pkg/wire"
)

// QueueConfig configures the offline buffer
type QueueConfig struct {
	// Capacity bounds the number of buffered messages
	Capacity int `mapstructure:"capacity"`
	// FlushTimeout bounds the wait for each delivery attempt
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
	// MaxAttempts is the delivery attempt budget per message
	MaxAttempts int `mapstructure:"max_attempts"`
}

// DefaultQueueConfig returns the offline buffer defaults
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:     200,
		FlushTimeout: 5 * time.Second,
		MaxAttempts:  3,
	}
}

// QueuedMessage is an outbound envelope buffered while disconnected
type QueuedMessage struct {
	ID         string
	Envelope   *wire.Envelope
	Critical   bool
	EnqueuedAt time.Time
	Attempts   int
}

// FlushFailure records a message that exhausted its delivery attempts
type FlushFailure struct {
	Message *QueuedMessage
	Err     error
}

// FlushResult summarizes one flush pass
type FlushResult struct {
	Delivered int
	Failed    []FlushFailure
	Remaining int
}

// deliverFunc attempts delivery of one envelope, returning nil once the
// server has acknowledged receipt
type deliverFunc func(ctx context.Context, env *wire.Envelope) error

// OfflineQueue is the bounded FIFO buffer for outbound messages while the
// transport is not connected. Lock requests and proposal submissions are
// enqueued as critical and are never evicted to make room; everything else
// may be dropped oldest-first at capacity, with every drop counted.
type OfflineQueue struct {
	mu      sync.Mutex
	config  QueueConfig
	items   []*QueuedMessage
	dropped uint64
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewOfflineQueue creates an empty buffer
func NewOfflineQueue(config QueueConfig, logger observability.Logger, metrics observability.MetricsClient) *OfflineQueue {
	if config.Capacity <= 0 {
		config.Capacity = DefaultQueueConfig().Capacity
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = DefaultQueueConfig().FlushTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultQueueConfig().MaxAttempts
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &OfflineQueue{
		config:  config,
		logger:  logger.WithPrefix("offline-queue"),
		metrics: metrics,
	}
}

// Enqueue buffers an envelope. At capacity the oldest non-critical message is
// evicted; if no non-critical message exists, a critical enqueue fails with
// ErrQueueFull while a non-critical one is dropped and counted.
func (q *OfflineQueue) Enqueue(env *wire.Envelope, critical bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.config.Capacity {
		victim := -1
		for i, item := range q.items {
			if !item.Critical {
				victim = i
				break
			}
		}
		if victim < 0 {
			if critical {
				q.metrics.IncrementCounter("offline_queue_enqueue_refused", 1)
				return ErrQueueFull
			}
			// every buffered message outranks the incoming one
			q.dropped++
			q.metrics.IncrementCounter("offline_queue_dropped", 1)
			q.logger.Warn("dropped outbound message at capacity", map[string]interface{}{
				"type": env.Type,
			})
			return nil
		}
		dropped := q.items[victim]
		q.items = append(q.items[:victim], q.items[victim+1:]...)
		q.dropped++
		q.metrics.IncrementCounter("offline_queue_dropped", 1)
		q.logger.Warn("evicted oldest buffered message at capacity", map[string]interface{}{
			"type": dropped.Envelope.Type,
			"age":  time.Since(dropped.EnqueuedAt).String(),
		})
	}

	q.items = append(q.items, &QueuedMessage{
		ID:         env.ID,
		Envelope:   env,
		Critical:   critical,
		EnqueuedAt: time.Now().UTC(),
	})
	return nil
}

// Flush replays buffered messages in enqueue order, one at a time, waiting
// for each delivery to be acknowledged within FlushTimeout before advancing.
// A message that exhausts MaxAttempts is reported as failed and removed so
// the remainder of the queue can drain.
func (q *OfflineQueue) Flush(ctx context.Context, deliver deliverFunc) FlushResult {
	var result FlushResult
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			result.Remaining = 0
			q.mu.Unlock()
			return result
		}
		msg := q.items[0]
		q.mu.Unlock()

		if err := ctx.Err(); err != nil {
			q.mu.Lock()
			result.Remaining = len(q.items)
			q.mu.Unlock()
			return result
		}

		msg.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, q.config.FlushTimeout)
		err := deliver(attemptCtx, msg.Envelope)
		cancel()

		if err == nil {
			q.popFront()
			result.Delivered++
			q.metrics.IncrementCounter("offline_queue_flushed", 1)
			continue
		}

		if msg.Attempts >= q.config.MaxAttempts {
			q.popFront()
			result.Failed = append(result.Failed, FlushFailure{Message: msg, Err: err})
			q.metrics.IncrementCounter("offline_queue_flush_failures", 1)
			q.logger.Error("message exhausted delivery attempts", map[string]interface{}{
				"type":     msg.Envelope.Type,
				"attempts": msg.Attempts,
				"error":    err.Error(),
			})
		}
		// otherwise the message stays at the head for the next attempt
	}
}

func (q *OfflineQueue) popFront() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}

// Len returns the number of buffered messages
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the cumulative drop count
func (q *OfflineQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards all buffered messages
func (q *OfflineQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
