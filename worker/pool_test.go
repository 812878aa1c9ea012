package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kirby6A/scraper-cr/broker"
	"github.com/Kirby6A/scraper-cr/config"
	"github.com/Kirby6A/scraper-cr/dedup"
	"github.com/Kirby6A/scraper-cr/errors"
	"github.com/Kirby6A/scraper-cr/extract"
	crtesting "github.com/Kirby6A/scraper-cr/internal/testing"
	"github.com/Kirby6A/scraper-cr/lifecycle"
	"github.com/Kirby6A/scraper-cr/runner"
	"github.com/Kirby6A/scraper-cr/task"
	"github.com/Kirby6A/scraper-cr/validate"
	"github.com/Kirby6A/scraper-cr/worker"
)

type scriptedEnv struct {
	run func(ctx context.Context, payload string) ([]task.Record, error)
}

func (s *scriptedEnv) Run(ctx context.Context, payload string) ([]task.Record, error) {
	return s.run(ctx, payload)
}
func (s *scriptedEnv) Close() error { return nil }

type scriptedCapability struct{ env *scriptedEnv }

func (s *scriptedCapability) Acquire(ctx context.Context) (extract.Environment, error) {
	return s.env, nil
}

type fixture struct {
	pool   *worker.Pool
	broker broker.Broker
	execs  *task.ExecutionStore
	task   *task.Task
}

func setup(t *testing.T, env *scriptedEnv) *fixture {
	t.Helper()
	conn := crtesting.CreateTestDB(t)
	tasks := task.NewStore(conn, nil)
	execs := task.NewExecutionStore(conn, nil)
	b := broker.NewSQLiteBroker(conn, nil)

	r := runner.New(tasks, execs, &scriptedCapability{env: env}, dedup.New(conn, nil),
		config.RunnerConfig{SoftTimeout: time.Second, HardTimeout: 2 * time.Second, MaxErrorLen: 2000}, nil)
	l := lifecycle.New(tasks, execs, b, r, validate.New(nil, "", nil), nil,
		config.RetryConfig{MaxRetries: 3, BackoffBase: 10 * time.Millisecond, BackoffMax: time.Second}, nil)

	pool := worker.New(context.Background(), b, r, l,
		config.WorkerConfig{Workers: 2, PollInterval: 10 * time.Millisecond}, nil)

	tk := task.NewTask("extractor", "", "async def scrape_data(page):\n    return []")
	require.NoError(t, tasks.Create(tk))
	return &fixture{pool: pool, broker: b, execs: execs, task: tk}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached within timeout")
}

func TestPoolProcessesQueuedExecutions(t *testing.T) {
	env := &scriptedEnv{run: func(ctx context.Context, payload string) ([]task.Record, error) {
		return []task.Record{{"title": "A"}}, nil
	}}
	f := setup(t, env)

	e := task.NewExecution(f.task.ID, task.TriggerManual)
	require.NoError(t, f.execs.CreatePending(e))
	require.NoError(t, f.broker.Enqueue(context.Background(), e.ID))

	f.pool.Start()
	defer f.pool.Stop()

	waitFor(t, 3*time.Second, func() bool {
		got, err := f.execs.Get(e.ID)
		return err == nil && got.Status == task.StatusSuccess
	})

	got, err := f.execs.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RecordsAccepted)
}

func TestPoolRetriesTransientFailures(t *testing.T) {
	env := &scriptedEnv{run: func(ctx context.Context, payload string) ([]task.Record, error) {
		return nil, errors.NewKind(errors.KindExtraction, "connection reset")
	}}
	f := setup(t, env)

	e := task.NewExecution(f.task.ID, task.TriggerManual)
	require.NoError(t, f.execs.CreatePending(e))
	require.NoError(t, f.broker.Enqueue(context.Background(), e.ID))

	f.pool.Start()
	defer f.pool.Stop()

	// The original fails and a linked retry is created.
	waitFor(t, 3*time.Second, func() bool {
		got, err := f.execs.Get(e.ID)
		if err != nil || got.Status != task.StatusFailed {
			return false
		}
		inflight, err := f.execs.FindInFlight(f.task.ID)
		return err == nil && inflight != nil && inflight.RetryOf == e.ID
	})
}

func TestPoolExhaustsRetryBudget(t *testing.T) {
	env := &scriptedEnv{run: func(ctx context.Context, payload string) ([]task.Record, error) {
		return nil, errors.NewKind(errors.KindTimeout, "always slow")
	}}
	f := setup(t, env)

	e := task.NewExecution(f.task.ID, task.TriggerManual)
	require.NoError(t, f.execs.CreatePending(e))
	require.NoError(t, f.broker.Enqueue(context.Background(), e.ID))

	f.pool.Start()
	defer f.pool.Stop()

	// Eventually the chain settles: original + 3 retries, all failed,
	// nothing in flight.
	waitFor(t, 5*time.Second, func() bool {
		list, err := f.execs.ListByTask(f.task.ID, 0)
		if err != nil || len(list) != 4 {
			return false
		}
		for _, got := range list {
			if got.Status != task.StatusFailed {
				return false
			}
		}
		return true
	})

	inflight, err := f.execs.FindInFlight(f.task.ID)
	require.NoError(t, err)
	assert.Nil(t, inflight)
}

func TestPoolRecoversOrphansOnStart(t *testing.T) {
	env := &scriptedEnv{run: func(ctx context.Context, payload string) ([]task.Record, error) {
		return []task.Record{{"title": "recovered"}}, nil
	}}
	f := setup(t, env)

	// Simulate a crash: an execution stuck in running with no live attempt.
	e := task.NewExecution(f.task.ID, task.TriggerManual)
	require.NoError(t, f.execs.CreatePending(e))
	require.NoError(t, f.execs.MarkRunning(e.ID, time.Now().UTC()))

	f.pool.Start()
	defer f.pool.Stop()

	// The orphan is failed and its retry runs to success.
	waitFor(t, 3*time.Second, func() bool {
		list, err := f.execs.ListByTask(f.task.ID, 0)
		if err != nil || len(list) != 2 {
			return false
		}
		for _, got := range list {
			if got.ID == e.ID && got.Status != task.StatusFailed {
				return false
			}
			if got.ID != e.ID && got.Status != task.StatusSuccess {
				return false
			}
		}
		return true
	})
}

func TestPoolStopSchedulesRetryForInterruptedRun(t *testing.T) {
	// Graceful shutdown mid-run must not lose the work: the interrupted
	// attempt fails transiently and a linked retry is left behind, exactly
	// as if the process had crashed and orphan recovery cleaned up.
	started := make(chan struct{})
	env := &scriptedEnv{run: func(ctx context.Context, payload string) ([]task.Record, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := setup(t, env)

	e := task.NewExecution(f.task.ID, task.TriggerManual)
	require.NoError(t, f.execs.CreatePending(e))
	require.NoError(t, f.broker.Enqueue(context.Background(), e.ID))

	f.pool.Start()
	<-started
	f.pool.Stop()

	got, err := f.execs.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, string(errors.KindExtraction), got.ErrorKind)

	inflight, err := f.execs.FindInFlight(f.task.ID)
	require.NoError(t, err)
	require.NotNil(t, inflight)
	assert.Equal(t, e.ID, inflight.RetryOf)
}

func TestPoolRestartsAfterStop(t *testing.T) {
	env := &scriptedEnv{run: func(ctx context.Context, payload string) ([]task.Record, error) {
		return []task.Record{{"n": "1"}}, nil
	}}
	f := setup(t, env)

	first := task.NewExecution(f.task.ID, task.TriggerManual)
	require.NoError(t, f.execs.CreatePending(first))
	require.NoError(t, f.broker.Enqueue(context.Background(), first.ID))

	f.pool.Start()
	waitFor(t, 3*time.Second, func() bool {
		got, err := f.execs.Get(first.ID)
		return err == nil && got.Status == task.StatusSuccess
	})
	f.pool.Stop()

	// Work queued after the stop is picked up by a restarted pool.
	second := task.NewExecution(f.task.ID, task.TriggerManual)
	require.NoError(t, f.execs.CreatePending(second))
	require.NoError(t, f.broker.Enqueue(context.Background(), second.ID))

	f.pool.Start()
	defer f.pool.Stop()
	waitFor(t, 3*time.Second, func() bool {
		got, err := f.execs.Get(second.ID)
		return err == nil && got.Status == task.StatusSuccess
	})
}

func TestRecommendedWorkerCount(t *testing.T) {
	assert.Equal(t, 1, worker.RecommendedWorkerCountForTest(1.0))
	assert.Equal(t, 1, worker.RecommendedWorkerCountForTest(3.0))
	assert.Equal(t, 4, worker.RecommendedWorkerCountForTest(8.0))
	assert.Equal(t, 16, worker.RecommendedWorkerCountForTest(100.0))
}
