package broker

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kirby6A/scraper-cr/errors"
)

// dequeueWait bounds each BRPOP so Dequeue stays a polling claim like the
// SQLite broker's, and Close is never stuck behind a long block.
const dequeueWait = time.Second

// RedisBroker queues work in a Redis list, for deployments where dispatchers
// and workers run in separate processes. Delayed items are held locally and
// pushed when due; a process restart re-creates them through orphan
// recovery's retry path rather than from the timer state.
type RedisBroker struct {
	client   *redis.Client
	queueKey string
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewRedisBroker creates a broker over the Redis instance at addr, queueing
// into the list named by queueKey.
func NewRedisBroker(addr, queueKey string, logger *zap.SugaredLogger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisBroker{
		client:   redis.NewClient(&redis.Options{Addr: addr}),
		queueKey: queueKey,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// Enqueue pushes the execution onto the queue.
func (b *RedisBroker) Enqueue(ctx context.Context, executionID string) error {
	if err := b.client.LPush(ctx, b.queueKey, executionID).Err(); err != nil {
		return errors.Wrapf(err, "enqueueing execution %s", executionID)
	}
	b.logger.Debugw("Execution enqueued", "execution_id", executionID)
	return nil
}

// EnqueueDelayed schedules a push after the delay.
func (b *RedisBroker) EnqueueDelayed(ctx context.Context, executionID string, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.timers[executionID]; ok {
		existing.Stop()
	}
	b.timers[executionID] = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, executionID)
		b.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.client.LPush(ctx, b.queueKey, executionID).Err(); err != nil {
			b.logger.Errorw("Failed to push delayed execution",
				"execution_id", executionID, "error", err)
		}
	})
	return nil
}

// Dequeue claims the next execution, waiting up to a second before reporting
// the queue empty.
func (b *RedisBroker) Dequeue(ctx context.Context) (string, bool, error) {
	result, err := b.client.BRPop(ctx, dequeueWait, b.queueKey).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "dequeuing from redis")
	}
	// BRPOP returns [key, value].
	if len(result) != 2 {
		return "", false, errors.Newf("unexpected BRPOP reply of length %d", len(result))
	}
	return result[1], true, nil
}

// Remove cancels a pending delayed push and deletes any queued copies.
func (b *RedisBroker) Remove(ctx context.Context, executionID string) error {
	b.mu.Lock()
	if timer, ok := b.timers[executionID]; ok {
		timer.Stop()
		delete(b.timers, executionID)
	}
	b.mu.Unlock()

	if err := b.client.LRem(ctx, b.queueKey, 0, executionID).Err(); err != nil {
		return errors.Wrapf(err, "removing queued execution %s", executionID)
	}
	return nil
}

// Close stops outstanding delay timers and closes the client.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	for id, timer := range b.timers {
		timer.Stop()
		delete(b.timers, id)
	}
	b.mu.Unlock()
	return b.client.Close()
}
