package resultstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskqueue/internal/models"
)

func pendingRecord(taskID string) *models.TaskRecord {
	return &models.TaskRecord{
		TaskID: taskID,
		Type:   "echo",
		Status: models.TaskStatusPending,
	}
}

func TestMemoryCreateAndGet(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, pendingRecord("task-1")))

	record, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, record.Status)
	assert.EqualValues(t, 1, record.Version)
}

func TestMemoryGetUnknownID(t *testing.T) {
	t.Parallel()
	s := NewMemory()

	_, err := s.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTerminalIsSticky(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, pendingRecord("task-1")))
	require.NoError(t, s.SetStatus(ctx, "task-1", StatusUpdate{Status: models.TaskStatusStarted, Worker: "w1"}))
	require.NoError(t, s.SetStatus(ctx, "task-1", StatusUpdate{
		Status: models.TaskStatusSuccess,
		Result: json.RawMessage(`"hi"`),
		Worker: "w1",
	}))

	// A later terminal write for the same id is discarded.
	err := s.SetStatus(ctx, "task-1", StatusUpdate{Status: models.TaskStatusRevoked})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	record, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, record.Status)
	assert.Equal(t, json.RawMessage(`"hi"`), record.Result)
	assert.EqualValues(t, 3, record.Version)
}

func TestMemorySetStatusUpsertsMissingRecord(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	// A redelivery after the record expired still lands a fresh row.
	require.NoError(t, s.SetStatus(ctx, "task-1", StatusUpdate{Status: models.TaskStatusStarted, Worker: "w1"}))

	record, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusStarted, record.Status)
}

func TestMemoryRevokePending(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, pendingRecord("task-1")))
	revoked, err := s.RevokePending(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	record, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRevoked, record.Status)
}

func TestMemoryRevokePendingSkipsStarted(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, pendingRecord("task-1")))
	require.NoError(t, s.SetStatus(ctx, "task-1", StatusUpdate{Status: models.TaskStatusStarted, Worker: "w1"}))

	revoked, err := s.RevokePending(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	record, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusStarted, record.Status)
}

func TestMemoryDelete(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, pendingRecord("task-1")))
	require.NoError(t, s.Delete(ctx, "task-1"))

	_, err := s.Get(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an unknown id is a no-op.
	assert.NoError(t, s.Delete(ctx, "ghost"))
}

func TestMemoryStaleStarted(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, pendingRecord("task-1")))
	require.NoError(t, s.SetStatus(ctx, "task-1", StatusUpdate{Status: models.TaskStatusStarted, Worker: "w1"}))

	time.Sleep(20 * time.Millisecond)

	stale, err := s.StaleStarted(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "task-1", stale[0].TaskID)

	stale, err = s.StaleStarted(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestMemoryListActive(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, pendingRecord("task-1")))
	require.NoError(t, s.Create(ctx, pendingRecord("task-2")))
	require.NoError(t, s.SetStatus(ctx, "task-2", StatusUpdate{Status: models.TaskStatusStarted, Worker: "w1"}))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "task-2", active[0].TaskID)
	assert.Equal(t, "w1", active[0].Worker)
}

func TestMemoryDeleteExpired(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, pendingRecord("done")))
	require.NoError(t, s.SetStatus(ctx, "done", StatusUpdate{Status: models.TaskStatusSuccess}))
	require.NoError(t, s.Create(ctx, pendingRecord("pending")))

	time.Sleep(20 * time.Millisecond)

	deleted, err := s.DeleteExpired(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	// Terminal record gone, non-terminal kept regardless of age.
	_, err = s.Get(ctx, "done")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "pending")
	assert.NoError(t, err)
}

func TestMemoryWorkers(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.UpsertWorker(ctx, models.WorkerInfo{
		ID:          "worker@host.1",
		Concurrency: 1,
		InFlight:    []string{"task-1"},
		Registered:  []string{"echo"},
		Processed:   7,
	}))

	workers, err := s.ListWorkers(ctx, time.Minute)
	require.NoError(t, err)
	require.Contains(t, workers, "worker@host.1")
	assert.EqualValues(t, 7, workers["worker@host.1"].Processed)

	// Outside the live window the worker is considered gone.
	time.Sleep(5 * time.Millisecond)
	workers, err = s.ListWorkers(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, workers)
}
