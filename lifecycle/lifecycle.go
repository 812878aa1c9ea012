// Package lifecycle applies post-execution policy: automatic retries with
// exponential backoff, batch completion detection, and operator-initiated
// cancellation. It consumes finalized executions from the runner and decides
// what, if anything, happens next.
package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Kirby6A/scraper-cr/broker"
	"github.com/Kirby6A/scraper-cr/config"
	"github.com/Kirby6A/scraper-cr/errors"
	"github.com/Kirby6A/scraper-cr/notify"
	"github.com/Kirby6A/scraper-cr/runner"
	"github.com/Kirby6A/scraper-cr/task"
	"github.com/Kirby6A/scraper-cr/validate"
)

// Manager owns the post-terminal policy for executions.
type Manager struct {
	tasks      *task.Store
	executions *task.ExecutionStore
	broker     broker.Broker
	runner     *runner.Runner
	validator  *validate.Validator
	notifier   notify.Notifier
	retry      config.RetryConfig
	logger     *zap.SugaredLogger
}

// New creates a lifecycle manager. runner may be nil in processes that never
// host running executions; Cancel then only reaches pending ones.
func New(tasks *task.Store, executions *task.ExecutionStore, b broker.Broker,
	r *runner.Runner, validator *validate.Validator, notifier notify.Notifier,
	retry config.RetryConfig, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Manager{
		tasks:      tasks,
		executions: executions,
		broker:     b,
		runner:     r,
		validator:  validator,
		notifier:   notifier,
		retry:      retry,
		logger:     logger,
	}
}

// Apply runs post-terminal policy for a finalized execution: schedule a
// retry when the failure warrants one, and report batch completion when
// this was the batch's last in-flight execution.
func (m *Manager) Apply(ctx context.Context, e *task.Execution) error {
	if !e.Status.Terminal() {
		return errors.Newf("execution %s is not terminal", e.ID)
	}

	retried := false
	if e.Status == task.StatusFailed {
		var err error
		retried, err = m.maybeRetry(ctx, e)
		if err != nil {
			return err
		}
	}

	if !retried && e.BatchID != "" {
		if err := m.checkBatch(ctx, e.BatchID); err != nil {
			return err
		}
	}
	return nil
}

// maybeRetry schedules a replacement attempt for a retryable failure.
// Cancellation is explicitly not retryable, the retry budget is bounded,
// and the payload is revalidated: a task edited into an invalid state since
// dispatch must not be re-executed.
func (m *Manager) maybeRetry(ctx context.Context, e *task.Execution) (bool, error) {
	kind := e.FailureKind()
	if !kind.Retryable() {
		return false, nil
	}
	if e.RetryCount >= m.retry.MaxRetries {
		m.logger.Warnw("Retry budget exhausted",
			"execution_id", e.ID, "task_id", e.TaskID,
			"retry_count", e.RetryCount, "error_kind", kind)
		return false, nil
	}

	t, err := m.tasks.Get(e.TaskID)
	if err != nil {
		if errors.HasKind(err, errors.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	if !t.IsActive {
		m.logger.Infow("Skipping retry for deactivated task",
			"execution_id", e.ID, "task_id", e.TaskID)
		return false, nil
	}
	if result := m.validator.Check(t.Payload); !result.Valid {
		m.logger.Warnw("Skipping retry for payload that no longer validates",
			"execution_id", e.ID, "task_id", e.TaskID, "issues", result.Summary())
		return false, nil
	}

	retry := task.NewRetryExecution(e)
	if err := m.executions.CreatePending(retry); err != nil {
		if errors.HasKind(err, errors.KindAlreadyRunning) {
			// Someone dispatched the task between failure and retry; their
			// execution supersedes ours.
			return false, nil
		}
		return false, err
	}

	delay := m.retry.Backoff(retry.RetryCount)
	if err := m.broker.EnqueueDelayed(ctx, retry.ID, delay); err != nil {
		if delErr := m.executions.Delete(retry.ID); delErr != nil {
			m.logger.Errorw("Failed to roll back unenqueued retry",
				"execution_id", retry.ID, "error", delErr)
		}
		return false, errors.Wrapf(err, "enqueueing retry for execution %s", e.ID)
	}

	m.logger.Infow("Retry scheduled",
		"execution_id", e.ID, "retry_execution_id", retry.ID,
		"retry_count", retry.RetryCount, "delay", delay, "error_kind", kind)
	return true, nil
}

// checkBatch reports completion when the batch has no in-flight executions
// left. Pending retries keep the batch open.
func (m *Manager) checkBatch(ctx context.Context, batchID string) error {
	counts, err := m.executions.BatchCounts(batchID)
	if err != nil {
		return err
	}
	if counts[task.StatusPending] > 0 || counts[task.StatusRunning] > 0 {
		return nil
	}
	return m.notifier.BatchComplete(ctx, notify.NewBatchSummary(batchID, counts))
}

// Cancel aborts an execution. A pending execution is removed from the queue
// and finalized as cancelled; a running one has its attempt aborted, with
// the runner finalizing the outcome. Terminal executions cannot be
// cancelled.
func (m *Manager) Cancel(ctx context.Context, executionID string) error {
	e, err := m.executions.Get(executionID)
	if err != nil {
		return err
	}

	switch e.Status {
	case task.StatusPending:
		if err := m.broker.Remove(ctx, e.ID); err != nil {
			return err
		}
		e.Fail(errors.KindCancelled, "cancelled before execution started")
		if err := m.executions.Finalize(e); err != nil {
			// A worker claimed it in the gap; fall through to the running
			// path on the refreshed row.
			refreshed, getErr := m.executions.Get(e.ID)
			if getErr != nil || refreshed.Status != task.StatusRunning {
				return err
			}
			return m.cancelRunning(refreshed)
		}
		m.logger.Infow("Pending execution cancelled", "execution_id", e.ID)
		return nil

	case task.StatusRunning:
		return m.cancelRunning(e)

	default:
		return errors.NewKind(errors.KindCancelled,
			"execution %s is already terminal (%s)", e.ID, e.Status)
	}
}

func (m *Manager) cancelRunning(e *task.Execution) error {
	if m.runner == nil || !m.runner.Cancel(e.ID) {
		return errors.Newf("execution %s is running but not in this process", e.ID)
	}
	return nil
}

// RecoverOrphans finalizes executions left in running state by a previous
// process crash. The failure is classified as transient so the regular
// retry policy replaces recoverable work, up to the usual budget.
func (m *Manager) RecoverOrphans(ctx context.Context) (int, error) {
	orphans, err := m.executions.ListByStatus(task.StatusRunning)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, e := range orphans {
		e.Fail(errors.KindExtraction, "orphaned by process restart")
		if err := m.executions.Finalize(e); err != nil {
			m.logger.Errorw("Failed to finalize orphaned execution",
				"execution_id", e.ID, "error", err)
			continue
		}
		if err := m.Apply(ctx, e); err != nil {
			m.logger.Errorw("Failed to apply policy to orphaned execution",
				"execution_id", e.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		m.logger.Warnw("Recovered orphaned executions", "count", recovered)
	}
	return recovered, nil
}

// Backoff exposes the configured delay for a given attempt, for surfaces
// that report upcoming retries.
func (m *Manager) Backoff(retryCount int) time.Duration {
	return m.retry.Backoff(retryCount)
}
