package broker

import (
	"context"
	"errors"
	"time"

	"taskqueue/internal/models"
)

// var ...
var (
	// ErrUnavailable is returned when the transport cannot be reached.
	// Submission errors are surfaced to the caller, never retried here.
	ErrUnavailable = errors.New("broker unavailable")
)

// Broker is a durable, at-least-once message channel between producers
// and workers. A dequeued message is leased; it is redelivered if not
// acknowledged before the lease expires. FIFO holds only within a
// single producer's enqueue sequence on one queue.
type Broker interface {
	Enqueue(ctx context.Context, msg *models.TaskMessage) error
	// Dequeue blocks up to timeout and returns nil when the queue is idle.
	Dequeue(ctx context.Context, timeout time.Duration) (*models.TaskMessage, error)
	Ack(ctx context.Context, taskID string) error

	PublishControl(ctx context.Context, msg models.ControlMessage) error
	// Controls returns unconsumed control messages addressed to the
	// given task ids.
	Controls(ctx context.Context, taskIDs []string) ([]models.ControlMessage, error)
	AckControl(ctx context.Context, taskID string) error
	SweepControl(ctx context.Context, olderThan time.Time) error

	// Scheduled lists messages whose ETA has not arrived yet.
	Scheduled(ctx context.Context) ([]models.TaskSummary, error)
	// Reserved lists messages currently under a live lease.
	Reserved(ctx context.Context) ([]models.TaskSummary, error)

	Ping(ctx context.Context) error
}
