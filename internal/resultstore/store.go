package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"taskqueue/internal/models"
)

// var ...
var (
	// ErrNotFound distinguishes an unknown task id from a pending one.
	ErrNotFound = errors.New("task record not found")
	// ErrAlreadyTerminal is returned when a status write loses the race
	// against an earlier terminal write for the same task id.
	ErrAlreadyTerminal = errors.New("task already in terminal status")
)

// StatusUpdate carries the payload of a status transition.
type StatusUpdate struct {
	Status models.TaskStatus
	Result json.RawMessage
	// Reason is a failure reason code (models.Reason*), empty otherwise.
	Reason string
	Detail string
	Worker string
}

// Store is the single source of truth for task state. Writes are
// last-write-wins per task id with one exception: terminal statuses
// are sticky, enforced by a compare-and-swap on the record version so
// a losing writer is discarded instead of blocking.
type Store interface {
	// Create inserts the initial PENDING record at submission time.
	Create(ctx context.Context, record *models.TaskRecord) error
	// SetStatus applies a transition. Returns ErrAlreadyTerminal when
	// the record already holds a terminal status.
	SetStatus(ctx context.Context, taskID string, update StatusUpdate) error
	// RevokePending marks a task REVOKED only while it is still
	// PENDING. Reports whether the revocation applied.
	RevokePending(ctx context.Context, taskID string) (bool, error)
	// Get returns ErrNotFound for unknown ids, never an empty record.
	Get(ctx context.Context, taskID string) (*models.TaskRecord, error)
	// Delete removes a record unconditionally. Used to undo a PENDING
	// record whose enqueue never made it to the broker.
	Delete(ctx context.Context, taskID string) error

	// StaleStarted lists tasks stuck in STARTED longer than window,
	// the signature of a worker lost mid-flight.
	StaleStarted(ctx context.Context, window time.Duration) ([]models.TaskRecord, error)
	// ListActive lists tasks currently in STARTED.
	ListActive(ctx context.Context) ([]models.TaskSummary, error)
	// DeleteExpired removes terminal records older than the retention
	// TTL and returns how many were dropped.
	DeleteExpired(ctx context.Context, retention time.Duration) (int64, error)

	UpsertWorker(ctx context.Context, info models.WorkerInfo) error
	ListWorkers(ctx context.Context, liveWindow time.Duration) (map[string]models.WorkerInfo, error)

	Ping(ctx context.Context) error
}
