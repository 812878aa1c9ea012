package broker

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/Kirby6A/scraper-cr/errors"
)

// SQLiteBroker queues work in the work_items table of the main database.
// The default for single-node deployments: one durable store, no extra
// infrastructure, and enqueue shares fate with the execution row it points
// at.
type SQLiteBroker struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewSQLiteBroker creates a broker over the given database. The schema is
// managed by the regular migration flow.
func NewSQLiteBroker(db *sql.DB, logger *zap.SugaredLogger) *SQLiteBroker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SQLiteBroker{db: db, logger: logger}
}

// Enqueue makes the execution immediately claimable.
func (b *SQLiteBroker) Enqueue(ctx context.Context, executionID string) error {
	return b.enqueue(ctx, executionID, nil)
}

// EnqueueDelayed makes the execution claimable once the delay has elapsed.
func (b *SQLiteBroker) EnqueueDelayed(ctx context.Context, executionID string, delay time.Duration) error {
	notBefore := time.Now().UTC().Add(delay)
	return b.enqueue(ctx, executionID, &notBefore)
}

func (b *SQLiteBroker) enqueue(ctx context.Context, executionID string, notBefore *time.Time) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO work_items (execution_id, not_before, enqueued_at)
		VALUES (?, ?, ?)`,
		executionID, notBefore, time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "enqueueing execution %s", executionID)
	}
	b.logger.Debugw("Execution enqueued", "execution_id", executionID, "not_before", notBefore)
	return nil
}

// Dequeue claims the oldest ready item. The select and delete run in one
// transaction so concurrent workers never claim the same item.
func (b *SQLiteBroker) Dequeue(ctx context.Context) (string, bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, errors.Wrap(err, "beginning dequeue transaction")
	}
	defer tx.Rollback()

	var id int64
	var executionID string
	err = tx.QueryRowContext(ctx, `
		SELECT id, execution_id FROM work_items
		WHERE not_before IS NULL OR not_before <= ?
		ORDER BY id LIMIT 1`, time.Now().UTC()).Scan(&id, &executionID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "selecting work item")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM work_items WHERE id = ?`, id); err != nil {
		return "", false, errors.Wrap(err, "claiming work item")
	}
	if err := tx.Commit(); err != nil {
		return "", false, errors.Wrap(err, "committing dequeue")
	}
	return executionID, true, nil
}

// Remove deletes any queued items for the execution, including delayed ones
// whose not_before has not arrived.
func (b *SQLiteBroker) Remove(ctx context.Context, executionID string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM work_items WHERE execution_id = ?`, executionID)
	if err != nil {
		return errors.Wrapf(err, "removing queued execution %s", executionID)
	}
	return nil
}

// Close is a no-op; the database connection is owned by the caller.
func (b *SQLiteBroker) Close() error { return nil }
