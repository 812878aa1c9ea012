package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/Kirby6A/scraper-cr/errors"
)

// Status represents the current state of an execution.
// pending → running → {success, failed}; terminal states are never rewound.
// A retry is a new Execution linked via RetryOf, not a status rewrite.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// InFlight reports whether the status counts against the
// one-in-flight-per-task invariant.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusRunning
}

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed:
		return true
	default:
		return false
	}
}

// Execution is one attempt to run a Task.
type Execution struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	Status          Status     `json:"status"`
	Trigger         Trigger    `json:"trigger"`
	BatchID         string     `json:"batch_id,omitempty"`  // shared by executions dispatched in one scheduler tick
	RetryOf         string     `json:"retry_of,omitempty"`  // prior attempt this one replaces
	RetryCount      int        `json:"retry_count"`         // 0 for the first attempt
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationMs      *int64     `json:"duration_ms,omitempty"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	Records         []Record   `json:"records,omitempty"`
	RecordsTotal    int        `json:"records_total"`
	RecordsAccepted int        `json:"records_accepted"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewExecution creates a pending execution for a task.
func NewExecution(taskID string, trigger Trigger) *Execution {
	now := time.Now().UTC()
	return &Execution{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Status:    StatusPending,
		Trigger:   trigger,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewRetryExecution creates the pending replacement for a failed attempt.
// The prior attempt's terminal record is untouched; history is append-only.
func NewRetryExecution(prior *Execution) *Execution {
	next := NewExecution(prior.TaskID, prior.Trigger)
	next.BatchID = prior.BatchID
	next.RetryOf = prior.ID
	next.RetryCount = prior.RetryCount + 1
	return next
}

// Start marks the execution as running.
func (e *Execution) Start() {
	now := time.Now().UTC()
	e.Status = StatusRunning
	e.StartedAt = &now
	e.UpdatedAt = now
}

// Succeed marks the execution as successful with its accepted records.
func (e *Execution) Succeed(accepted []Record, total int) {
	now := time.Now().UTC()
	e.Status = StatusSuccess
	e.Records = accepted
	e.RecordsTotal = total
	e.RecordsAccepted = len(accepted)
	e.ErrorKind = ""
	e.ErrorMessage = ""
	e.CompletedAt = &now
	e.UpdatedAt = now
	e.computeDuration()
}

// Fail marks the execution as failed with a classified error.
func (e *Execution) Fail(kind errors.Kind, message string) {
	now := time.Now().UTC()
	e.Status = StatusFailed
	e.ErrorKind = string(kind)
	e.ErrorMessage = message
	e.CompletedAt = &now
	e.UpdatedAt = now
	e.computeDuration()
}

func (e *Execution) computeDuration() {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return
	}
	ms := e.CompletedAt.Sub(*e.StartedAt).Milliseconds()
	e.DurationMs = &ms
}

// FailureKind returns the classified error kind of a failed execution.
func (e *Execution) FailureKind() errors.Kind {
	return errors.Kind(e.ErrorKind)
}
