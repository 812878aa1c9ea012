// Package worker runs the pool that drains the queue. Each worker polls the
// broker, hands claimed executions to the runner, and applies lifecycle
// policy to the outcome. A failed execution is a finished one: outcomes
// never propagate as worker errors, so the loop only backs off on plumbing
// failures.
package worker

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kirby6A/scraper-cr/broker"
	"github.com/Kirby6A/scraper-cr/config"
	"github.com/Kirby6A/scraper-cr/errors"
	"github.com/Kirby6A/scraper-cr/lifecycle"
	"github.com/Kirby6A/scraper-cr/runner"
)

// Pool manages the worker goroutines.
type Pool struct {
	broker    broker.Broker
	runner    *runner.Runner
	lifecycle *lifecycle.Manager
	cfg       config.WorkerConfig
	limiter   *rate.Limiter
	logger    *zap.SugaredLogger

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
}

// New creates a worker pool. The pool does not start until Start is called;
// cancellation of ctx shuts the workers down.
func New(ctx context.Context, b broker.Broker, r *runner.Runner, l *lifecycle.Manager,
	cfg config.WorkerConfig, logger *zap.SugaredLogger) *Pool {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	workerCtx, cancel := context.WithCancel(ctx)

	var limiter *rate.Limiter
	if cfg.RunsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RunsPerMinute)), 1)
	}

	return &Pool{
		broker:    b,
		runner:    r,
		lifecycle: l,
		cfg:       cfg,
		limiter:   limiter,
		logger:    logger.Named("worker"),
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
	}
}

// Start recovers orphaned executions from a previous crash, then spawns the
// workers.
func (p *Pool) Start() {
	p.mu.Lock()
	select {
	case <-p.ctx.Done():
		// Restart after a previous Stop.
		p.ctx, p.cancel = context.WithCancel(p.parentCtx)
	default:
	}
	// Workers capture the context at spawn; a later restart swaps p.ctx
	// while stragglers from a timed-out Stop may still be running.
	ctx := p.ctx
	p.mu.Unlock()

	if _, err := p.lifecycle.RecoverOrphans(ctx); err != nil {
		p.logger.Warnw("Orphan recovery failed", "error", err)
	}

	if warning := checkMemoryPressure(p.cfg.Workers); warning != "" {
		p.logger.Warnw("Memory pressure warning", "warning", warning)
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Infow("Worker pool started",
		"workers", p.cfg.Workers, "poll_interval", p.cfg.PollInterval)
}

// Stop cancels the workers and waits for in-flight executions to finish,
// with a timeout so shutdown never hangs on a stuck environment.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Infow("Worker pool stopped")
	case <-time.After(30 * time.Second):
		p.logger.Warnw("Worker pool stop timed out; workers may still be finishing")
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.processNext(ctx); err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) {
					// Database closed under us during shutdown.
					return
				}

				errorCount++
				p.logger.Errorw("Worker error",
					"worker_id", id, "error", err, "consecutive_errors", errorCount)
				if errorCount >= maxConsecutiveErrors {
					p.logger.Warnw("Worker backing off after consecutive errors",
						"worker_id", id, "backoff", backoff)
					time.Sleep(backoff)
					backoff = min(backoff*2, maxBackoff)
				}
			} else {
				if errorCount > 0 {
					p.logger.Infow("Worker recovered",
						"worker_id", id, "previous_error_count", errorCount)
				}
				errorCount = 0
				backoff = time.Second
			}
		}
	}
}

// processNext claims and runs at most one execution.
func (p *Pool) processNext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	// Global pacing gate: extraction targets see at most RunsPerMinute runs
	// across all workers. Leave the item queued rather than claim-and-hold.
	if p.limiter != nil && !p.limiter.Allow() {
		return nil
	}

	executionID, ok, err := p.broker.Dequeue(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	e, err := p.runner.Run(ctx, executionID)
	if err != nil {
		return errors.Wrapf(err, "running execution %s", executionID)
	}
	// Post-terminal policy runs detached: a shutdown that cancelled ctx
	// mid-run must not also abort the retry enqueue for the interrupted
	// attempt.
	if err := p.lifecycle.Apply(context.Background(), e); err != nil {
		return errors.Wrapf(err, "applying policy to execution %s", executionID)
	}
	return nil
}
