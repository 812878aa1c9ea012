package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kirby6A/scraper-cr/broker"
	crtesting "github.com/Kirby6A/scraper-cr/internal/testing"
)

func TestSQLiteBrokerFIFO(t *testing.T) {
	conn := crtesting.CreateTestDB(t)
	b := broker.NewSQLiteBroker(conn, nil)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "exec-1"))
	require.NoError(t, b.Enqueue(ctx, "exec-2"))

	id, ok, err := b.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exec-1", id)

	id, ok, err = b.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exec-2", id)

	_, ok, err = b.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteBrokerClaimIsExclusive(t *testing.T) {
	conn := crtesting.CreateTestDB(t)
	b := broker.NewSQLiteBroker(conn, nil)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "exec-1"))

	_, ok, err := b.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Claimed items are gone; a second claim finds nothing.
	_, ok, err = b.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteBrokerDelayed(t *testing.T) {
	conn := crtesting.CreateTestDB(t)
	b := broker.NewSQLiteBroker(conn, nil)
	ctx := context.Background()

	require.NoError(t, b.EnqueueDelayed(ctx, "exec-later", time.Hour))
	require.NoError(t, b.Enqueue(ctx, "exec-now"))

	// Only the immediate item is claimable.
	id, ok, err := b.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exec-now", id)

	_, ok, err = b.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteBrokerDelayedBecomesReady(t *testing.T) {
	conn := crtesting.CreateTestDB(t)
	b := broker.NewSQLiteBroker(conn, nil)
	ctx := context.Background()

	require.NoError(t, b.EnqueueDelayed(ctx, "exec-1", 20*time.Millisecond))

	_, ok, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(50 * time.Millisecond)

	id, ok, err := b.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exec-1", id)
}

func TestSQLiteBrokerRemove(t *testing.T) {
	conn := crtesting.CreateTestDB(t)
	b := broker.NewSQLiteBroker(conn, nil)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, "exec-1"))
	require.NoError(t, b.EnqueueDelayed(ctx, "exec-1", time.Hour))
	require.NoError(t, b.Remove(ctx, "exec-1"))

	_, ok, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// Removing an absent item is fine.
	require.NoError(t, b.Remove(ctx, "never-queued"))
}
