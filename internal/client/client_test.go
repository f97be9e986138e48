package client

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskqueue/internal/broker"
	"taskqueue/internal/models"
	"taskqueue/internal/resultstore"
)

func newTestClient() (*Client, *broker.Memory, *resultstore.Memory) {
	b := broker.NewMemory(broker.Config{PollInterval: 2 * time.Millisecond})
	store := resultstore.NewMemory()
	return New(b, store), b, store
}

func TestSubmitRecordsPendingBeforeAnyWorkerActs(t *testing.T) {
	t.Parallel()
	c, b, _ := newTestClient()
	ctx := context.Background()

	taskID, err := c.Submit(ctx, "echo", []any{"hi"}, map[string]any{"lang": "en"})
	require.NoError(t, err)
	_, err = uuid.Parse(taskID)
	require.NoError(t, err)

	record, err := c.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, record.Status)
	assert.Equal(t, "echo", record.Type)
	assert.Equal(t, 1, b.Len())
}

func TestSubmitAssignsIndependentIDs(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestClient()
	ctx := context.Background()

	// Identical payloads are still separately trackable tasks.
	first, err := c.Submit(ctx, "echo", []any{"same"}, nil)
	require.NoError(t, err)
	second, err := c.Submit(ctx, "echo", []any{"same"}, nil)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)

	firstRecord, err := c.Status(ctx, first)
	require.NoError(t, err)
	secondRecord, err := c.Status(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, firstRecord.Status)
	assert.Equal(t, models.TaskStatusPending, secondRecord.Status)
}

type rejectingBroker struct {
	*broker.Memory
	lastID string
}

func (b *rejectingBroker) Enqueue(_ context.Context, msg *models.TaskMessage) error {
	b.lastID = msg.ID
	return broker.ErrUnavailable
}

func TestSubmitEnqueueFailureLeavesNoOrphanRecord(t *testing.T) {
	t.Parallel()
	b := &rejectingBroker{Memory: broker.NewMemory(broker.Config{})}
	store := resultstore.NewMemory()
	c := New(b, store)

	_, err := c.Submit(context.Background(), "echo", []any{"hi"}, nil)
	require.ErrorIs(t, err, broker.ErrUnavailable)

	// The PENDING record written ahead of the enqueue is rolled back,
	// not left to accumulate.
	_, err = store.Get(context.Background(), b.lastID)
	assert.ErrorIs(t, err, resultstore.ErrNotFound)
}

func TestStatusUnknownID(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestClient()

	_, err := c.Status(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, resultstore.ErrNotFound)
}

func TestRevokePendingTask(t *testing.T) {
	t.Parallel()
	c, b, _ := newTestClient()
	ctx := context.Background()

	taskID, err := c.Submit(ctx, "echo", []any{"hi"}, nil)
	require.NoError(t, err)

	require.NoError(t, c.Revoke(ctx, taskID, false))

	record, err := c.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRevoked, record.Status)

	// The control message travels the broker's control channel.
	msgs, err := b.Controls(ctx, []string{taskID})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.ControlSignalRevoke, msgs[0].Signal)
}

func TestRevokeTerminatePublishesTerminate(t *testing.T) {
	t.Parallel()
	c, b, store := newTestClient()
	ctx := context.Background()

	taskID, err := c.Submit(ctx, "echo", []any{"hi"}, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, taskID, resultstore.StatusUpdate{
		Status: models.TaskStatusStarted,
		Worker: "w1",
	}))

	require.NoError(t, c.Revoke(ctx, taskID, true))

	// Already started: the status is untouched, only the signal is sent.
	record, err := c.Status(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusStarted, record.Status)

	msgs, err := b.Controls(ctx, []string{taskID})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.ControlSignalTerminate, msgs[0].Signal)
}

func TestInspectSnapshot(t *testing.T) {
	t.Parallel()
	c, b, store := newTestClient()
	ctx := context.Background()

	scheduledID, err := c.Submit(ctx, "echo", []any{"later"}, nil,
		WithETA(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	activeID, err := c.Submit(ctx, "echo", []any{"now"}, nil)
	require.NoError(t, err)
	reservedID, err := c.Submit(ctx, "echo", []any{"soon"}, nil)
	require.NoError(t, err)

	// Lease both immediate tasks; only the first one starts.
	for i := 0; i < 2; i++ {
		leased, dequeueErr := b.Dequeue(ctx, 50*time.Millisecond)
		require.NoError(t, dequeueErr)
		require.NotNil(t, leased)
	}
	require.NoError(t, store.SetStatus(ctx, activeID, resultstore.StatusUpdate{
		Status: models.TaskStatusStarted,
		Worker: "w1",
	}))
	require.NoError(t, store.UpsertWorker(ctx, models.WorkerInfo{
		ID:          "w1",
		Concurrency: 1,
		InFlight:    []string{activeID},
	}))

	stats, err := c.Inspect(ctx)
	require.NoError(t, err)

	require.Len(t, stats.Scheduled, 1)
	assert.Equal(t, scheduledID, stats.Scheduled[0].TaskID)
	require.Len(t, stats.Active, 1)
	assert.Equal(t, activeID, stats.Active[0].TaskID)
	// Leased but not yet started: reserved, and never double-counted
	// with the active set.
	require.Len(t, stats.Reserved, 1)
	assert.Equal(t, reservedID, stats.Reserved[0].TaskID)
	assert.Contains(t, stats.Workers, "w1")
}
