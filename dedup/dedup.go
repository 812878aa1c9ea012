package dedup

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/Kirby6A/scraper-cr/errors"
	"github.com/Kirby6A/scraper-cr/task"
)

// Stats summarizes one deduplication pass.
type Stats struct {
	Total      int `json:"total"`
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

// Deduplicator filters extracted records against a task's fingerprint
// history. The check and the insert happen in one transaction, so concurrent
// or replayed passes over the same records stay idempotent: the first
// occurrence wins, every later one is a repeat.
type Deduplicator struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// New creates a deduplicator backed by the given database.
func New(db *sql.DB, logger *zap.SugaredLogger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Deduplicator{db: db, logger: logger}
}

// Filter returns the subset of records not previously seen for the task, in
// their original order. New fingerprints are recorded against executionID;
// repeats bump their sighting bookkeeping instead. Duplicates within the
// batch itself are also suppressed: only the first occurrence survives.
func (d *Deduplicator) Filter(taskID, executionID string, records []task.Record) ([]task.Record, Stats, error) {
	stats := Stats{Total: len(records)}
	if len(records) == 0 {
		return nil, stats, nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return nil, stats, errors.Wrap(err, "beginning dedup transaction")
	}
	defer tx.Rollback()

	insert, err := tx.Prepare(`
		INSERT INTO record_fingerprints
			(task_id, fingerprint, execution_id, first_seen, last_seen, times_seen)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT (task_id, fingerprint) DO NOTHING`)
	if err != nil {
		return nil, stats, errors.Wrap(err, "preparing fingerprint insert")
	}
	defer insert.Close()

	bump, err := tx.Prepare(`
		UPDATE record_fingerprints
		SET last_seen = ?, times_seen = times_seen + 1
		WHERE task_id = ? AND fingerprint = ?`)
	if err != nil {
		return nil, stats, errors.Wrap(err, "preparing fingerprint update")
	}
	defer bump.Close()

	now := time.Now().UTC()
	var accepted []task.Record
	for _, record := range records {
		fp, err := Fingerprint(record)
		if err != nil {
			return nil, stats, err
		}

		result, err := insert.Exec(taskID, fp, executionID, now, now)
		if err != nil {
			return nil, stats, errors.Wrapf(err, "recording fingerprint for task %s", taskID)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, stats, errors.Wrap(err, "checking rows affected")
		}
		if n == 1 {
			accepted = append(accepted, record)
			continue
		}
		if _, err := bump.Exec(now, taskID, fp); err != nil {
			return nil, stats, errors.Wrapf(err, "bumping fingerprint for task %s", taskID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, stats, errors.Wrap(err, "committing dedup transaction")
	}

	stats.Accepted = len(accepted)
	stats.Duplicates = stats.Total - stats.Accepted
	if stats.Duplicates > 0 {
		d.logger.Debugw("Suppressed duplicate records",
			"task_id", taskID, "execution_id", executionID,
			"total", stats.Total, "duplicates", stats.Duplicates)
	}
	return accepted, stats, nil
}

// Sighting is the stored dedup history for one fingerprint.
type Sighting struct {
	TaskID      string    `json:"task_id"`
	Fingerprint string    `json:"fingerprint"`
	ExecutionID string    `json:"execution_id"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	TimesSeen   int       `json:"times_seen"`
}

// Lookup returns the sighting history for one record of a task, or nil when
// the task has never produced it.
func (d *Deduplicator) Lookup(taskID string, record task.Record) (*Sighting, error) {
	fp, err := Fingerprint(record)
	if err != nil {
		return nil, err
	}

	var s Sighting
	err = d.db.QueryRow(`
		SELECT task_id, fingerprint, execution_id, first_seen, last_seen, times_seen
		FROM record_fingerprints
		WHERE task_id = ? AND fingerprint = ?`, taskID, fp).
		Scan(&s.TaskID, &s.Fingerprint, &s.ExecutionID,
			&s.FirstSeen, &s.LastSeen, &s.TimesSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "looking up fingerprint for task %s", taskID)
	}
	return &s, nil
}

// Count returns how many distinct records a task has ever produced.
func (d *Deduplicator) Count(taskID string) (int, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM record_fingerprints WHERE task_id = ?`, taskID).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "counting fingerprints for task %s", taskID)
	}
	return n, nil
}
