package task

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kirby6A/scraper-cr/errors"
)

// ExecutionStore provides persistent access to the append-only execution
// history. Terminal rows are immutable: retries append new rows linked via
// retry_of rather than rewriting old ones.
type ExecutionStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewExecutionStore creates an execution store backed by the given database.
func NewExecutionStore(db *sql.DB, logger *zap.SugaredLogger) *ExecutionStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ExecutionStore{db: db, logger: logger}
}

const executionColumns = `id, task_id, status, trigger_source, batch_id,
	retry_of, retry_count, started_at, completed_at, duration_ms,
	error_kind, error_message, records, records_total, records_accepted,
	created_at, updated_at`

// CreatePending inserts a new pending execution. The partial unique index on
// in-flight rows makes this the atomic admission point: if the task already
// has a pending or running execution, the insert fails and the existing
// execution's ID is reported in an already_running error.
func (s *ExecutionStore) CreatePending(e *Execution) error {
	records, err := json.Marshal(e.Records)
	if err != nil {
		return errors.Wrap(err, "marshaling records")
	}

	_, err = s.db.Exec(`
		INSERT INTO task_executions (id, task_id, status, trigger_source,
			batch_id, retry_of, retry_count, records, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, StatusPending, e.Trigger,
		e.BatchID, e.RetryOf, e.RetryCount, string(records),
		e.CreatedAt, e.UpdatedAt)
	if err == nil {
		s.logger.Debugw("Execution created",
			"execution_id", e.ID, "task_id", e.TaskID, "trigger", e.Trigger)
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		existing, findErr := s.FindInFlight(e.TaskID)
		if findErr == nil && existing != nil {
			return errors.WithDetail(
				errors.NewKind(errors.KindAlreadyRunning,
					"task %s already has in-flight execution %s", e.TaskID, existing.ID),
				existing.ID)
		}
		return errors.NewKind(errors.KindAlreadyRunning,
			"task %s already has an in-flight execution", e.TaskID)
	}
	return errors.Wrapf(err, "creating execution for task %s", e.TaskID)
}

// Get retrieves an execution by ID.
func (s *ExecutionStore) Get(id string) (*Execution, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM task_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewKind(errors.KindNotFound, "execution %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting execution %s", id)
	}
	return e, nil
}

// FindInFlight returns the task's pending or running execution, or nil when
// the task has none. The unique index guarantees at most one exists.
func (s *ExecutionStore) FindInFlight(taskID string) (*Execution, error) {
	row := s.db.QueryRow(`
		SELECT `+executionColumns+` FROM task_executions
		WHERE task_id = ? AND status IN (?, ?)`,
		taskID, StatusPending, StatusRunning)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "finding in-flight execution for task %s", taskID)
	}
	return e, nil
}

// MarkRunning transitions a pending execution to running. Returns a cancelled
// error when the row is no longer pending, which happens when the execution
// was cancelled between enqueue and claim.
func (s *ExecutionStore) MarkRunning(id string, startedAt time.Time) error {
	result, err := s.db.Exec(`
		UPDATE task_executions
		SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusRunning, startedAt, time.Now().UTC(), id, StatusPending)
	if err != nil {
		return errors.Wrapf(err, "marking execution %s running", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "checking rows affected")
	}
	if n == 0 {
		return errors.NewKind(errors.KindCancelled,
			"execution %s is no longer pending", id)
	}
	return nil
}

// Finalize persists an execution's terminal state. Only non-terminal rows can
// be finalized; once terminal, history is immutable.
func (s *ExecutionStore) Finalize(e *Execution) error {
	if !e.Status.Terminal() {
		return errors.Newf("cannot finalize execution %s with non-terminal status %s", e.ID, e.Status)
	}
	records, err := json.Marshal(e.Records)
	if err != nil {
		return errors.Wrap(err, "marshaling records")
	}

	result, err := s.db.Exec(`
		UPDATE task_executions
		SET status = ?, started_at = ?, completed_at = ?, duration_ms = ?,
			error_kind = ?, error_message = ?, records = ?,
			records_total = ?, records_accepted = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		e.Status, e.StartedAt, e.CompletedAt, e.DurationMs,
		e.ErrorKind, e.ErrorMessage, string(records),
		e.RecordsTotal, e.RecordsAccepted, e.UpdatedAt,
		e.ID, StatusPending, StatusRunning)
	if err != nil {
		return errors.Wrapf(err, "finalizing execution %s", e.ID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "checking rows affected")
	}
	if n == 0 {
		return errors.Newf("execution %s is already terminal", e.ID)
	}

	s.logger.Debugw("Execution finalized",
		"execution_id", e.ID, "status", e.Status, "error_kind", e.ErrorKind)
	return nil
}

// Delete removes an execution row. Used only to roll back a freshly created
// pending execution whose enqueue failed; terminal history is never deleted.
func (s *ExecutionStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM task_executions WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "deleting execution %s", id)
	}
	return nil
}

// ListByTask returns a task's executions, newest first. limit <= 0 means all.
func (s *ExecutionStore) ListByTask(taskID string, limit int) ([]*Execution, error) {
	q := `SELECT ` + executionColumns + ` FROM task_executions
		WHERE task_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		return s.query(q+` LIMIT ?`, taskID, limit)
	}
	return s.query(q, taskID)
}

// ListByStatus returns executions in the given state, oldest first.
func (s *ExecutionStore) ListByStatus(status Status) ([]*Execution, error) {
	return s.query(`
		SELECT `+executionColumns+` FROM task_executions
		WHERE status = ? ORDER BY created_at`, status)
}

// ListByBatch returns all executions dispatched under one batch ID.
func (s *ExecutionStore) ListByBatch(batchID string) ([]*Execution, error) {
	return s.query(`
		SELECT `+executionColumns+` FROM task_executions
		WHERE batch_id = ? ORDER BY created_at`, batchID)
}

// BatchCounts returns the number of executions per status for a batch. A
// batch is complete when no status in the result is in-flight.
func (s *ExecutionStore) BatchCounts(batchID string) (map[Status]int, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM task_executions
		WHERE batch_id = ? GROUP BY status`, batchID)
	if err != nil {
		return nil, errors.Wrapf(err, "counting batch %s", batchID)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scanning batch counts")
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *ExecutionStore) query(q string, args ...any) ([]*Execution, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying executions")
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning execution")
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func scanExecution(row scanner) (*Execution, error) {
	var e Execution
	var startedAt, completedAt sql.NullTime
	var durationMs sql.NullInt64
	var records string

	err := row.Scan(&e.ID, &e.TaskID, &e.Status, &e.Trigger, &e.BatchID,
		&e.RetryOf, &e.RetryCount, &startedAt, &completedAt, &durationMs,
		&e.ErrorKind, &e.ErrorMessage, &records, &e.RecordsTotal,
		&e.RecordsAccepted, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if durationMs.Valid {
		e.DurationMs = &durationMs.Int64
	}
	if records != "" && records != "[]" {
		if err := json.Unmarshal([]byte(records), &e.Records); err != nil {
			return nil, errors.Wrapf(err, "unmarshaling records for execution %s", e.ID)
		}
	}
	return &e, nil
}
