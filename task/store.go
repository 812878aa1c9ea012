package task

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/Kirby6A/scraper-cr/errors"
)

// Store provides persistent access to task definitions.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a task store backed by the given database.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{db: db, logger: logger}
}

const taskColumns = `id, name, description, payload, is_active,
	schedule_enabled, schedule_cron, last_scheduled_run, provenance,
	created_at, updated_at`

// Create persists a new task definition.
func (s *Store) Create(t *Task) error {
	prov, err := json.Marshal(t.Provenance)
	if err != nil {
		return errors.Wrap(err, "marshaling provenance")
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, name, description, payload, is_active,
			schedule_enabled, schedule_cron, last_scheduled_run, provenance,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, t.Payload, t.IsActive,
		t.ScheduleEnabled, t.ScheduleCron, t.LastScheduledRun, string(prov),
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "creating task %s", t.ID)
	}

	s.logger.Debugw("Task created", "task_id", t.ID, "name", t.Name)
	return nil
}

// Get retrieves a task by ID.
func (s *Store) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewKind(errors.KindNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting task %s", id)
	}
	return t, nil
}

// Update persists mutable task fields. UpdatedAt is refreshed.
func (s *Store) Update(t *Task) error {
	prov, err := json.Marshal(t.Provenance)
	if err != nil {
		return errors.Wrap(err, "marshaling provenance")
	}
	t.UpdatedAt = time.Now().UTC()

	result, err := s.db.Exec(`
		UPDATE tasks
		SET name = ?, description = ?, payload = ?, is_active = ?,
			schedule_enabled = ?, schedule_cron = ?, provenance = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.Description, t.Payload, t.IsActive,
		t.ScheduleEnabled, t.ScheduleCron, string(prov), t.UpdatedAt, t.ID)
	if err != nil {
		return errors.Wrapf(err, "updating task %s", t.ID)
	}
	return requireRow(result, t.ID)
}

// SetActive toggles whether a task accepts new dispatches. In-flight
// executions are unaffected; deactivation only gates future dispatch.
func (s *Store) SetActive(id string, active bool) error {
	result, err := s.db.Exec(
		`UPDATE tasks SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "setting task %s active=%t", id, active)
	}
	return requireRow(result, id)
}

// UpdateLastScheduledRun records the scheduler's dispatch marker so the same
// due period is never dispatched twice.
func (s *Store) UpdateLastScheduledRun(id string, at time.Time) error {
	result, err := s.db.Exec(
		`UPDATE tasks SET last_scheduled_run = ?, updated_at = ? WHERE id = ?`,
		at, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "updating last scheduled run for task %s", id)
	}
	return requireRow(result, id)
}

// List returns all tasks, newest first.
func (s *Store) List() ([]*Task, error) {
	return s.query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC`)
}

// ListScheduled returns active tasks with scheduling enabled and a cron
// expression set. These are the scheduler's candidates each tick.
func (s *Store) ListScheduled() ([]*Task, error) {
	return s.query(`
		SELECT ` + taskColumns + ` FROM tasks
		WHERE is_active = 1 AND schedule_enabled = 1 AND schedule_cron != ''
		ORDER BY created_at`)
}

// Delete removes a task and, via cascade, its execution history and
// fingerprint state.
func (s *Store) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "deleting task %s", id)
	}
	return requireRow(result, id)
}

func (s *Store) query(q string, args ...any) ([]*Task, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying tasks")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning task")
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var lastRun sql.NullTime
	var prov string

	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Payload, &t.IsActive,
		&t.ScheduleEnabled, &t.ScheduleCron, &lastRun, &prov,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if lastRun.Valid {
		t.LastScheduledRun = &lastRun.Time
	}
	if prov != "" {
		if err := json.Unmarshal([]byte(prov), &t.Provenance); err != nil {
			return nil, errors.Wrapf(err, "unmarshaling provenance for task %s", t.ID)
		}
	}
	return &t, nil
}

func requireRow(result sql.Result, taskID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "checking rows affected")
	}
	if n == 0 {
		return errors.NewKind(errors.KindNotFound, "task %s not found", taskID)
	}
	return nil
}
