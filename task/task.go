// Package task defines the scraper-cr data model: persistent extraction job
// definitions and their append-only execution history.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Trigger identifies the origin of a dispatch.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerTest      Trigger = "test"
)

// Mode selects synchronous or asynchronous execution. Sync is for
// diagnostics only; scheduled triggers must always go through the queue.
type Mode string

const (
	ModeAsync Mode = "async"
	ModeSync  Mode = "sync"
)

// Record is one extracted item: a mapping of field names to scalar or
// structured values, as decoded from the extractor's JSON output.
type Record map[string]any

// Provenance captures how a task's payload was generated. Opaque to the
// orchestration core; carried for audit only.
type Provenance struct {
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

// Task is a named, persistent extraction job definition. The payload is
// dynamically generated source text; it is revalidated on every dispatch,
// never trusted from a cached verdict.
type Task struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Payload          string     `json:"payload,omitempty"`
	IsActive         bool       `json:"is_active"`
	ScheduleEnabled  bool       `json:"schedule_enabled"`
	ScheduleCron     string     `json:"schedule_cron,omitempty"`
	LastScheduledRun *time.Time `json:"last_scheduled_run,omitempty"`
	Provenance       Provenance `json:"provenance,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NewTask creates a task definition with a fresh identifier.
func NewTask(name, description, payload string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Payload:     payload,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
