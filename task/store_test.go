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

func TestStoreCreateAndGet(t *testing.T) {
	conn := crtesting.CreateTestDB(t)
	store := task.NewStore(conn, nil)

	tk := task.NewTask("products", "product listing extractor", "async def scrape_data():\n    return []")
	tk.Provenance = task.Provenance{Provider: "openrouter", Model: "qwen-2.5-coder", TokensUsed: 1840}
	require.NoError(t, store.Create(tk))

	got, err := store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.Name, got.Name)
	assert.Equal(t, tk.Payload, got.Payload)
	assert.True(t, got.IsActive)
	assert.Equal(t, "openrouter", got.Provenance.Provider)
	assert.Equal(t, 1840, got.Provenance.TokensUsed)
	assert.Nil(t, got.LastScheduledRun)
}

func TestStoreGetMissing(t *testing.T) {
	conn := crtesting.CreateTestDB(t)
	store := task.NewStore(conn, nil)

	_, err := store.Get("nonexistent")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestStoreSetActive(t *testing.T) {
	conn := crtesting.CreateTestDB(t)
	store := task.NewStore(conn, nil)

	tk := task.NewTask("news", "", "payload")
	require.NoError(t, store.Create(tk))

	require.NoError(t, store.SetActive(tk.ID, false))
	got, err := store.Get(tk.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	err = store.SetActive("missing", true)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestStoreListScheduled(t *testing.T) {
	conn := crtesting.CreateTestDB(t)
	store := task.NewStore(conn, nil)

	scheduled := task.NewTask("scheduled", "", "p")
	scheduled.ScheduleEnabled = true
	scheduled.ScheduleCron = "*/5 * * * *"
	require.NoError(t, store.Create(scheduled))

	inactive := task.NewTask("inactive", "", "p")
	inactive.IsActive = false
	inactive.ScheduleEnabled = true
	inactive.ScheduleCron = "*/5 * * * *"
	require.NoError(t, store.Create(inactive))

	noCron := task.NewTask("no-cron", "", "p")
	noCron.ScheduleEnabled = true
	require.NoError(t, store.Create(noCron))

	manualOnly := task.NewTask("manual", "", "p")
	require.NoError(t, store.Create(manualOnly))

	got, err := store.ListScheduled()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, scheduled.ID, got[0].ID)
}

func TestStoreUpdateLastScheduledRun(t *testing.T) {
	conn := crtesting.CreateTestDB(t)
	store := task.NewStore(conn, nil)

	tk := task.NewTask("scheduled", "", "p")
	require.NoError(t, store.Create(tk))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateLastScheduledRun(tk.ID, at))

	got, err := store.Get(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastScheduledRun)
	assert.True(t, got.LastScheduledRun.Equal(at))
}

func TestStoreDeleteCascades(t *testing.T) {
	conn := crtesting.CreateTestDB(t)
	store := task.NewStore(conn, nil)
	execs := task.NewExecutionStore(conn, nil)

	tk := task.NewTask("doomed", "", "p")
	require.NoError(t, store.Create(tk))
	e := task.NewExecution(tk.ID, task.TriggerManual)
	require.NoError(t, execs.CreatePending(e))

	require.NoError(t, store.Delete(tk.ID))

	_, err := execs.Get(e.ID)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}
