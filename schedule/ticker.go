// Package schedule dispatches tasks on their cron expressions. A ticker
// evaluates every scheduled task each interval; tasks due in the same tick
// share a batch ID so their completion can be reported together. Missed
// periods are never backfilled: at most one execution is dispatched per due
// period, no matter how long the scheduler was down.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Kirby6A/scraper-cr/config"
	"github.com/Kirby6A/scraper-cr/dispatch"
	"github.com/Kirby6A/scraper-cr/errors"
	"github.com/Kirby6A/scraper-cr/task"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Ticker drives scheduled dispatch.
type Ticker struct {
	tasks      *task.Store
	dispatcher *dispatch.Dispatcher
	clock      Clock
	cfg        config.SchedulerConfig
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// NewTicker creates a scheduler ticker. A nil clock means wall time.
func NewTicker(ctx context.Context, tasks *task.Store, dispatcher *dispatch.Dispatcher,
	clock Clock, cfg config.SchedulerConfig, logger *zap.SugaredLogger) *Ticker {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		tasks:      tasks,
		dispatcher: dispatcher,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("schedule"),
		ctx:        tickerCtx,
		cancel:     cancel,
	}
}

// Start begins the tick loop.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.logger.Infow("Scheduler started",
		"tick_interval", t.cfg.TickInterval, "busy_policy", t.cfg.BusyPolicy)
}

// Stop cancels the loop and waits for the in-progress tick.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Infow("Scheduler stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			now := t.clock.Now()
			t.mu.Lock()
			t.lastTickAt = now
			t.ticksSinceStart++
			t.mu.Unlock()

			if err := t.Tick(now); err != nil {
				t.logger.Warnw("Scheduler tick error", "error", err)
			}
		}
	}
}

// Tick evaluates all scheduled tasks against now and dispatches the due
// ones. Exported so tests can drive the scheduler with a fake clock.
func (t *Ticker) Tick(now time.Time) error {
	due, err := t.dueTasks(now)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	// All tasks due in the same tick share one batch.
	batchID := uuid.NewString()
	dispatched := 0
	for _, tk := range due {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		default:
		}
		if t.dispatchDue(tk, now, batchID) {
			dispatched++
		}
	}

	if dispatched > 0 {
		t.logger.Infow("Scheduled batch dispatched",
			"batch_id", batchID, "due", len(due), "dispatched", dispatched)
	}
	return nil
}

// dueTasks returns the scheduled tasks whose next cron occurrence after
// their dispatch marker has arrived. A task never dispatched before is
// measured from its last update, so enabling a schedule does not fire
// immediately for past periods.
func (t *Ticker) dueTasks(now time.Time) ([]*task.Task, error) {
	candidates, err := t.tasks.ListScheduled()
	if err != nil {
		return nil, errors.Wrap(err, "listing scheduled tasks")
	}

	var due []*task.Task
	for _, tk := range candidates {
		spec, err := cron.ParseStandard(tk.ScheduleCron)
		if err != nil {
			t.logger.Warnw("Task has invalid cron expression",
				"task_id", tk.ID, "cron", tk.ScheduleCron, "error", err)
			continue
		}

		baseline := tk.UpdatedAt
		if tk.LastScheduledRun != nil {
			baseline = *tk.LastScheduledRun
		}
		if !spec.Next(baseline).After(now) {
			due = append(due, tk)
		}
	}
	return due, nil
}

// dispatchDue dispatches one due task and advances its marker. Returns true
// when an execution was actually created.
func (t *Ticker) dispatchDue(tk *task.Task, now time.Time, batchID string) bool {
	e, err := t.dispatcher.Dispatch(t.ctx, tk.ID, task.ModeAsync, task.TriggerScheduled,
		dispatch.Options{BatchID: batchID})

	switch {
	case err == nil:
		if err := t.tasks.UpdateLastScheduledRun(tk.ID, now); err != nil {
			t.logger.Errorw("Failed to advance schedule marker",
				"task_id", tk.ID, "error", err)
		}
		t.logger.Debugw("Scheduled execution dispatched",
			"task_id", tk.ID, "execution_id", e.ID, "batch_id", batchID)
		return true

	case errors.HasKind(err, errors.KindAlreadyRunning):
		if t.cfg.BusyPolicy == config.BusyPolicyDefer {
			// Leave the marker alone so the next tick retries this period
			// once the in-flight execution finishes.
			t.logger.Debugw("Task busy; deferring scheduled run", "task_id", tk.ID)
			return false
		}
		// Skip: this due period is consumed by the in-flight execution.
		if err := t.tasks.UpdateLastScheduledRun(tk.ID, now); err != nil {
			t.logger.Errorw("Failed to advance schedule marker",
				"task_id", tk.ID, "error", err)
		}
		t.logger.Debugw("Task busy; skipping scheduled run", "task_id", tk.ID)
		return false

	default:
		// Deterministic rejections (invalid payload, deactivated in the
		// window) consume the period rather than retrying every tick.
		if err := t.tasks.UpdateLastScheduledRun(tk.ID, now); err != nil {
			t.logger.Errorw("Failed to advance schedule marker",
				"task_id", tk.ID, "error", err)
		}
		t.logger.Warnw("Scheduled dispatch rejected",
			"task_id", tk.ID, "error_kind", errors.KindOf(err), "error", err)
		return false
	}
}

// Stats reports tick loop progress.
func (t *Ticker) Stats() (lastTickAt time.Time, ticks int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTickAt, t.ticksSinceStart
}
