// Package broker provides the work queue between dispatch and the worker
// pool. Queue items carry only an execution ID; all state lives in the
// execution store, so a lost or duplicated queue item never corrupts
// history.
package broker

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/Kirby6A/scraper-cr/config"
	"github.com/Kirby6A/scraper-cr/errors"
)

// Broker is the queue contract. Dequeue is a non-blocking claim: it returns
// ok=false when no item is ready, and the worker pool's poll loop supplies
// the waiting. Claimed items are gone from the queue; a worker crash after
// claim is repaired by orphan recovery, not by re-delivery.
type Broker interface {
	// Enqueue makes the execution available to workers immediately.
	Enqueue(ctx context.Context, executionID string) error

	// EnqueueDelayed makes the execution available after the delay. Used for
	// retry backoff.
	EnqueueDelayed(ctx context.Context, executionID string, delay time.Duration) error

	// Dequeue claims the next ready execution, oldest first.
	Dequeue(ctx context.Context) (executionID string, ok bool, err error)

	// Remove deletes a not-yet-claimed item, for cancellation of pending
	// executions. Removing an absent item is not an error.
	Remove(ctx context.Context, executionID string) error

	Close() error
}

// New builds the broker selected by configuration.
func New(cfg config.BrokerConfig, db *sql.DB, logger *zap.SugaredLogger) (Broker, error) {
	switch cfg.Kind {
	case "sqlite", "":
		return NewSQLiteBroker(db, logger), nil
	case "redis":
		return NewRedisBroker(cfg.RedisAddr, cfg.QueueKey, logger), nil
	default:
		return nil, errors.Newf("unknown broker kind %q", cfg.Kind)
	}
}
