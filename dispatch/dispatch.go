// Package dispatch is the single entry point for starting task executions.
// Every trigger source, manual, scheduled, or test, goes through the same
// gate sequence: the task must exist, be active, carry a currently valid
// payload, and have no execution already in flight.
package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/Kirby6A/scraper-cr/broker"
	"github.com/Kirby6A/scraper-cr/errors"
	"github.com/Kirby6A/scraper-cr/lifecycle"
	"github.com/Kirby6A/scraper-cr/runner"
	"github.com/Kirby6A/scraper-cr/task"
	"github.com/Kirby6A/scraper-cr/validate"
)

// Options carries optional dispatch parameters.
type Options struct {
	// BatchID groups this execution with others dispatched in the same
	// scheduler tick. Empty for unbatched dispatches.
	BatchID string
}

// Dispatcher admits executions into the system.
type Dispatcher struct {
	tasks      *task.Store
	executions *task.ExecutionStore
	broker     broker.Broker
	validator  *validate.Validator
	runner     *runner.Runner
	lifecycle  *lifecycle.Manager
	logger     *zap.SugaredLogger
}

// New creates a dispatcher. runner and lifecycle are only exercised by
// synchronous dispatch; a process that never dispatches synchronously may
// pass nil for both.
func New(tasks *task.Store, executions *task.ExecutionStore, b broker.Broker,
	validator *validate.Validator, r *runner.Runner, l *lifecycle.Manager,
	logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		tasks:      tasks,
		executions: executions,
		broker:     b,
		validator:  validator,
		runner:     r,
		lifecycle:  l,
		logger:     logger,
	}
}

// Dispatch starts an execution of the task. In async mode the returned
// execution is pending and a worker will pick it up; in sync mode the call
// blocks until the execution is terminal and returns the finalized row.
// Sync mode exists for diagnostics and is refused for scheduled triggers.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string, mode task.Mode,
	trigger task.Trigger, opts Options) (*task.Execution, error) {

	if mode == task.ModeSync && trigger == task.TriggerScheduled {
		return nil, errors.Newf("scheduled dispatch must be asynchronous")
	}

	t, err := d.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	// Test triggers bypass the active gate: a paused task must stay
	// diagnosable. Validation and the in-flight check still apply.
	if !t.IsActive && trigger != task.TriggerTest {
		return nil, errors.NewKind(errors.KindInactive, "task %s is deactivated", taskID)
	}

	// Revalidated on every dispatch; verdicts are never cached across edits.
	if result := d.validator.Check(t.Payload); !result.Valid {
		return nil, errors.NewKind(errors.KindInvalidPayload,
			"task %s payload rejected: %s", taskID, result.Summary())
	}

	e := task.NewExecution(taskID, trigger)
	e.BatchID = opts.BatchID
	if err := d.executions.CreatePending(e); err != nil {
		return nil, err
	}

	d.logger.Infow("Execution dispatched",
		"execution_id", e.ID, "task_id", taskID,
		"mode", mode, "trigger", trigger, "batch_id", opts.BatchID)

	if mode == task.ModeSync {
		return d.runSync(ctx, e)
	}

	if err := d.broker.Enqueue(ctx, e.ID); err != nil {
		// Roll back so the admission slot is not held by an execution no
		// worker will ever see.
		if delErr := d.executions.Delete(e.ID); delErr != nil {
			d.logger.Errorw("Failed to roll back unenqueued execution",
				"execution_id", e.ID, "error", delErr)
		}
		return nil, err
	}
	return e, nil
}

func (d *Dispatcher) runSync(ctx context.Context, e *task.Execution) (*task.Execution, error) {
	if d.runner == nil {
		if delErr := d.executions.Delete(e.ID); delErr != nil {
			d.logger.Errorw("Failed to roll back sync execution",
				"execution_id", e.ID, "error", delErr)
		}
		return nil, errors.New("synchronous dispatch is not available in this process")
	}

	finished, err := d.runner.Run(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	if d.lifecycle != nil {
		if err := d.lifecycle.Apply(ctx, finished); err != nil {
			d.logger.Errorw("Post-execution policy failed",
				"execution_id", finished.ID, "error", err)
		}
	}
	return finished, nil
}
