package task_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kirby6A/scraper-cr/errors"
	crtesting "github.com/Kirby6A/scraper-cr/internal/testing"
	"github.com/Kirby6A/scraper-cr/task"
)

func setupTask(t *testing.T) (*task.Store, *task.ExecutionStore, *task.Task) {
	t.Helper()
	conn := crtesting.CreateTestDB(t)
	store := task.NewStore(conn, nil)
	execs := task.NewExecutionStore(conn, nil)

	tk := task.NewTask("extractor", "", "async def scrape_data():\n    return []")
	require.NoError(t, store.Create(tk))
	return store, execs, tk
}

func TestCreatePendingEnforcesSingleInFlight(t *testing.T) {
	_, execs, tk := setupTask(t)

	first := task.NewExecution(tk.ID, task.TriggerManual)
	require.NoError(t, execs.CreatePending(first))

	// Second pending for the same task is rejected and names the blocker.
	second := task.NewExecution(tk.ID, task.TriggerManual)
	err := execs.CreatePending(second)
	require.Error(t, err)
	assert.Equal(t, errors.KindAlreadyRunning, errors.KindOf(err))
	assert.Contains(t, errors.GetAllDetails(err), first.ID)

	// Still rejected while the first is running.
	require.NoError(t, execs.MarkRunning(first.ID, time.Now().UTC()))
	err = execs.CreatePending(task.NewExecution(tk.ID, task.TriggerManual))
	assert.Equal(t, errors.KindAlreadyRunning, errors.KindOf(err))

	// Accepted once the first reaches a terminal state.
	running, err := execs.Get(first.ID)
	require.NoError(t, err)
	running.Succeed(nil, 0)
	require.NoError(t, execs.Finalize(running))

	require.NoError(t, execs.CreatePending(task.NewExecution(tk.ID, task.TriggerManual)))
}

func TestFindInFlight(t *testing.T) {
	_, execs, tk := setupTask(t)

	got, err := execs.FindInFlight(tk.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	e := task.NewExecution(tk.ID, task.TriggerScheduled)
	e.BatchID = "batch-1"
	require.NoError(t, execs.CreatePending(e))

	got, err = execs.FindInFlight(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "batch-1", got.BatchID)
	assert.Equal(t, task.TriggerScheduled, got.Trigger)
}

func TestMarkRunningRequiresPending(t *testing.T) {
	_, execs, tk := setupTask(t)

	e := task.NewExecution(tk.ID, task.TriggerManual)
	require.NoError(t, execs.CreatePending(e))
	require.NoError(t, execs.MarkRunning(e.ID, time.Now().UTC()))

	// A second claim finds the row no longer pending.
	err := execs.MarkRunning(e.ID, time.Now().UTC())
	require.Error(t, err)
	assert.Equal(t, errors.KindCancelled, errors.KindOf(err))

	got, err := execs.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestFinalizeIsTerminalOnce(t *testing.T) {
	_, execs, tk := setupTask(t)

	e := task.NewExecution(tk.ID, task.TriggerManual)
	require.NoError(t, execs.CreatePending(e))
	require.NoError(t, execs.MarkRunning(e.ID, time.Now().UTC()))

	e, err := execs.Get(e.ID)
	require.NoError(t, err)
	e.Fail(errors.KindTimeout, "no result within deadline")
	require.NoError(t, execs.Finalize(e))

	got, err := execs.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, string(errors.KindTimeout), got.ErrorKind)
	assert.NotNil(t, got.CompletedAt)
	assert.NotNil(t, got.DurationMs)

	// Terminal rows are immutable.
	got.Succeed(nil, 0)
	err = execs.Finalize(got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already terminal")
}

func TestFinalizeRejectsNonTerminalStatus(t *testing.T) {
	_, execs, tk := setupTask(t)

	e := task.NewExecution(tk.ID, task.TriggerManual)
	require.NoError(t, execs.CreatePending(e))

	err := execs.Finalize(e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-terminal")
}

func TestFinalizePersistsRecords(t *testing.T) {
	_, execs, tk := setupTask(t)

	e := task.NewExecution(tk.ID, task.TriggerManual)
	require.NoError(t, execs.CreatePending(e))
	require.NoError(t, execs.MarkRunning(e.ID, time.Now().UTC()))

	e, err := execs.Get(e.ID)
	require.NoError(t, err)
	accepted := []task.Record{
		{"title": "Widget", "price": 9.99},
		{"title": "Gadget", "price": 24.5},
	}
	e.Succeed(accepted, 3)
	require.NoError(t, execs.Finalize(e))

	got, err := execs.Get(e.ID)
	require.NoError(t, err)
	require.Len(t, got.Records, 2)
	assert.Equal(t, "Widget", got.Records[0]["title"])
	assert.Equal(t, 3, got.RecordsTotal)
	assert.Equal(t, 2, got.RecordsAccepted)
}

func TestRetryExecutionLineage(t *testing.T) {
	_, execs, tk := setupTask(t)

	first := task.NewExecution(tk.ID, task.TriggerScheduled)
	first.BatchID = "batch-7"
	require.NoError(t, execs.CreatePending(first))
	require.NoError(t, execs.MarkRunning(first.ID, time.Now().UTC()))

	first, err := execs.Get(first.ID)
	require.NoError(t, err)
	first.Fail(errors.KindExtraction, "connection refused")
	require.NoError(t, execs.Finalize(first))

	retry := task.NewRetryExecution(first)
	require.NoError(t, execs.CreatePending(retry))

	got, err := execs.Get(retry.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.RetryOf)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "batch-7", got.BatchID)
	assert.Equal(t, task.TriggerScheduled, got.Trigger)

	// The failed attempt's record is preserved untouched.
	prior, err := execs.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, prior.Status)
}

func TestBatchCounts(t *testing.T) {
	store, execs, tk := setupTask(t)

	tk2 := task.NewTask("second", "", "p")
	require.NoError(t, store.Create(tk2))

	e1 := task.NewExecution(tk.ID, task.TriggerScheduled)
	e1.BatchID = "tick-1"
	require.NoError(t, execs.CreatePending(e1))
	require.NoError(t, execs.MarkRunning(e1.ID, time.Now().UTC()))
	e1, _ = execs.Get(e1.ID)
	e1.Succeed(nil, 0)
	require.NoError(t, execs.Finalize(e1))

	e2 := task.NewExecution(tk2.ID, task.TriggerScheduled)
	e2.BatchID = "tick-1"
	require.NoError(t, execs.CreatePending(e2))

	counts, err := execs.BatchCounts("tick-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[task.StatusSuccess])
	assert.Equal(t, 1, counts[task.StatusPending])
	assert.Zero(t, counts[task.StatusFailed])
}

func TestDeleteRollsBackPending(t *testing.T) {
	_, execs, tk := setupTask(t)

	e := task.NewExecution(tk.ID, task.TriggerManual)
	require.NoError(t, execs.CreatePending(e))
	require.NoError(t, execs.Delete(e.ID))

	// Slot is free again.
	require.NoError(t, execs.CreatePending(task.NewExecution(tk.ID, task.TriggerManual)))
}

func TestListByTaskNewestFirst(t *testing.T) {
	_, execs, tk := setupTask(t)

	var ids []string
	for i := 0; i < 3; i++ {
		e := task.NewExecution(tk.ID, task.TriggerManual)
		e.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, execs.CreatePending(e))
		require.NoError(t, execs.MarkRunning(e.ID, time.Now().UTC()))
		got, _ := execs.Get(e.ID)
		got.Succeed(nil, 0)
		require.NoError(t, execs.Finalize(got))
		ids = append(ids, e.ID)
	}

	list, err := execs.ListByTask(tk.ID, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[1], list[1].ID)
}
