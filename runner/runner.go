// Package runner executes claimed executions against an extraction
// capability and records their outcome. One Run call owns the whole
// attempt: claim the row, acquire an environment, execute under the
// timeout policy, deduplicate, finalize. Every path releases the
// environment and leaves the execution terminal.
package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kirby6A/scraper-cr/config"
	"github.com/Kirby6A/scraper-cr/dedup"
	"github.com/Kirby6A/scraper-cr/errors"
	"github.com/Kirby6A/scraper-cr/extract"
	"github.com/Kirby6A/scraper-cr/task"
)

// Runner executes single attempts. It is safe for concurrent use; each
// in-flight attempt is tracked so cancellation can reach it.
type Runner struct {
	tasks      *task.Store
	executions *task.ExecutionStore
	capability extract.Capability
	dedup      *dedup.Deduplicator
	cfg        config.RunnerConfig
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	active map[string]*attempt
}

type attempt struct {
	cancel    context.CancelFunc
	env       extract.Environment
	cancelled bool
}

// New creates a runner.
func New(tasks *task.Store, executions *task.ExecutionStore, capability extract.Capability,
	deduplicator *dedup.Deduplicator, cfg config.RunnerConfig, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{
		tasks:      tasks,
		executions: executions,
		capability: capability,
		dedup:      deduplicator,
		cfg:        cfg,
		logger:     logger,
		active:     make(map[string]*attempt),
	}
}

// Run executes one pending execution through to a terminal state and returns
// the finalized row. The returned error reports plumbing failures only; an
// execution that ran and failed comes back with status failed and a nil
// error.
func (r *Runner) Run(ctx context.Context, executionID string) (*task.Execution, error) {
	e, err := r.executions.Get(executionID)
	if err != nil {
		return nil, err
	}
	if e.Status.Terminal() {
		// A cancelled pending execution can still be sitting in the queue.
		return e, nil
	}

	startedAt := time.Now().UTC()
	if err := r.executions.MarkRunning(e.ID, startedAt); err != nil {
		if errors.HasKind(err, errors.KindCancelled) {
			return r.executions.Get(e.ID)
		}
		return nil, err
	}
	e.Status = task.StatusRunning
	e.StartedAt = &startedAt

	t, err := r.tasks.Get(e.TaskID)
	if err != nil {
		return r.finalizeFailure(e, err)
	}

	records, total, runErr := r.execute(ctx, e, t.Payload)
	if runErr != nil {
		return r.finalizeFailure(e, runErr)
	}

	e.Succeed(records, total)
	if err := r.executions.Finalize(e); err != nil {
		return nil, err
	}
	r.logger.Infow("Execution succeeded",
		"execution_id", e.ID, "task_id", e.TaskID,
		"records_total", total, "records_accepted", len(records),
		"duration_ms", e.DurationMs)
	return e, nil
}

// execute acquires an environment and runs the payload under the timeout
// policy: the payload gets the soft timeout to produce a result, and the
// hard timeout force-closes the environment if teardown itself hangs.
func (r *Runner) execute(ctx context.Context, e *task.Execution, payload string) ([]task.Record, int, error) {
	env, err := r.capability.Acquire(ctx)
	if err != nil {
		return nil, 0, err
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.SoftTimeout)
	defer cancel()

	a := &attempt{cancel: cancel, env: env}
	r.mu.Lock()
	r.active[e.ID] = a
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, e.ID)
		r.mu.Unlock()
		env.Close()
	}()

	type result struct {
		records []task.Record
		err     error
	}
	done := make(chan result, 1)
	go func() {
		records, err := env.Run(runCtx, payload)
		done <- result{records, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(r.cfg.HardTimeout):
		// The environment did not honor context cancellation; force
		// teardown and abandon the goroutine.
		env.Close()
		res = result{err: errors.NewKind(errors.KindTimeout,
			"execution exceeded hard timeout of %s", r.cfg.HardTimeout)}
	}

	if res.err != nil {
		if r.wasCancelled(e.ID) {
			return nil, 0, errors.WithKind(res.err, errors.KindCancelled)
		}
		if ctx.Err() != nil {
			// The parent context died under us: process shutdown, not an
			// operator cancel. Same transient classification as orphan
			// recovery, so the retry policy replaces the interrupted attempt.
			return nil, 0, errors.WithKind(
				errors.Wrap(res.err, "interrupted by shutdown"), errors.KindExtraction)
		}
		if runCtx.Err() == context.DeadlineExceeded && errors.KindOf(res.err) != errors.KindTimeout {
			return nil, 0, errors.WithKind(res.err, errors.KindTimeout)
		}
		return nil, 0, res.err
	}

	total := len(res.records)
	accepted, stats, err := r.dedup.Filter(e.TaskID, e.ID, res.records)
	if err != nil {
		return nil, 0, err
	}
	if stats.Duplicates > 0 {
		r.logger.Debugw("Dedup suppressed records",
			"execution_id", e.ID, "duplicates", stats.Duplicates)
	}
	return accepted, total, nil
}

// Cancel aborts a running attempt: the payload's context is cancelled and
// the environment force-closed. Returns false when the execution has no
// attempt in flight in this process.
func (r *Runner) Cancel(executionID string) bool {
	r.mu.Lock()
	a, ok := r.active[executionID]
	if ok {
		a.cancelled = true
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	a.cancel()
	a.env.Close()
	r.logger.Infow("Execution cancelled", "execution_id", executionID)
	return true
}

func (r *Runner) wasCancelled(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.active[executionID]
	return ok && a.cancelled
}

func (r *Runner) finalizeFailure(e *task.Execution, cause error) (*task.Execution, error) {
	kind := errors.KindOf(cause)
	e.Fail(kind, truncate(cause.Error(), r.cfg.MaxErrorLen))
	if err := r.executions.Finalize(e); err != nil {
		return nil, err
	}
	r.logger.Warnw("Execution failed",
		"execution_id", e.ID, "task_id", e.TaskID,
		"error_kind", kind, "error", cause)
	return e, nil
}

// truncate bounds stored error messages; sidecar tracebacks can run long.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	const marker = "... [truncated]"
	if max <= len(marker) {
		return s[:max]
	}
	return s[:max-len(marker)] + marker
}
