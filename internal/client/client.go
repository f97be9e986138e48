package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskqueue/internal/broker"
	"taskqueue/internal/models"
	"taskqueue/internal/resultstore"
)

const defaultWorkerLiveWindow = time.Minute

// SubmitOption ...
type SubmitOption func(*models.TaskMessage)

// WithETA delays execution until the given time.
func WithETA(eta time.Time) SubmitOption {
	return func(msg *models.TaskMessage) {
		msg.ETA = &eta
	}
}

// WithExpiry marks the task as never-run if it has not started by the
// given time; an expired task fails with an expiry reason.
func WithExpiry(expires time.Time) SubmitOption {
	return func(msg *models.TaskMessage) {
		msg.Expires = &expires
	}
}

// Stats is the producer-facing introspection snapshot, shaped after
// queue inspect output: live workers plus reserved and scheduled sets.
type Stats struct {
	Workers   map[string]models.WorkerInfo `json:"workers"`
	Active    []models.TaskSummary         `json:"active"`
	Reserved  []models.TaskSummary         `json:"reserved"`
	Scheduled []models.TaskSummary         `json:"scheduled"`
}

// Client is the producer facade: submission, polling, cancellation and
// introspection. It never blocks on handler completion; execution
// errors surface only through Status polling.
type Client struct {
	broker broker.Broker
	store  resultstore.Store
}

// Submit assigns a fresh task id, records the PENDING status and
// enqueues the message. A broker failure is returned synchronously;
// the task is not silently dropped. Resubmitting an identical payload
// always yields an independent, separately trackable task id.
func (c *Client) Submit(ctx context.Context, taskType string, args []any, kwargs map[string]any, opts ...SubmitOption) (string, error) {
	msg := &models.TaskMessage{
		ID:         uuid.NewString(),
		Type:       taskType,
		Args:       args,
		Kwargs:     kwargs,
		EnqueuedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(msg)
	}

	record := &models.TaskRecord{
		TaskID: msg.ID,
		Type:   taskType,
		Status: models.TaskStatusPending,
	}
	if err := c.store.Create(ctx, record); err != nil {
		return "", fmt.Errorf("failed to record pending task: %w", err)
	}

	if err := c.broker.Enqueue(ctx, msg); err != nil {
		// Undo the PENDING record: a failed submission must not leave an
		// orphan that nothing will ever transition or expire.
		if delErr := c.store.Delete(ctx, msg.ID); delErr != nil {
			log.WithError(delErr).WithField("task_id", msg.ID).Error("Failed to delete orphaned task record")
		}
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	log.WithFields(log.Fields{
		"task_id":   msg.ID,
		"task_type": taskType,
	}).Info("Task submitted")
	return msg.ID, nil
}

// Status returns the task's current record, resultstore.ErrNotFound
// for unknown ids.
func (c *Client) Status(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	return c.store.Get(ctx, taskID)
}

// Revoke cancels a task. Without terminate it only prevents a task
// that has not started from ever running (best effort: a STARTED task
// runs to completion). With terminate it additionally signals the
// owning worker to abort the in-flight execution; that races natural
// completion, and the store's sticky-terminal CAS discards the loser.
func (c *Client) Revoke(ctx context.Context, taskID string, terminate bool) error {
	revoked, err := c.store.RevokePending(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to revoke task: %w", err)
	}

	signal := models.ControlSignalRevoke
	if terminate {
		signal = models.ControlSignalTerminate
	}
	if err = c.broker.PublishControl(ctx, models.ControlMessage{
		TaskID:    taskID,
		Signal:    signal,
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to publish control message: %w", err)
	}

	log.WithFields(log.Fields{
		"task_id":     taskID,
		"terminate":   terminate,
		"was_pending": revoked,
	}).Info("Task revoked")
	return nil
}

// ListActive lists tasks currently executing on some worker.
func (c *Client) ListActive(ctx context.Context) ([]models.TaskSummary, error) {
	return c.store.ListActive(ctx)
}

// WorkerStats returns live workers keyed by worker id.
func (c *Client) WorkerStats(ctx context.Context) (map[string]models.WorkerInfo, error) {
	return c.store.ListWorkers(ctx, defaultWorkerLiveWindow)
}

// Inspect returns the full introspection snapshot: workers, active
// executions, reserved tasks (leased to a worker but not yet started)
// and scheduled (future-ETA) tasks.
func (c *Client) Inspect(ctx context.Context) (*Stats, error) {
	workers, err := c.WorkerStats(ctx)
	if err != nil {
		return nil, err
	}
	active, err := c.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	leased, err := c.broker.Reserved(ctx)
	if err != nil {
		return nil, err
	}
	scheduled, err := c.broker.Scheduled(ctx)
	if err != nil {
		return nil, err
	}

	// A leased message stays on the queue until its terminal ack, so
	// anything already STARTED is reported as active, not reserved.
	activeIDs := make(map[string]struct{}, len(active))
	for _, t := range active {
		activeIDs[t.TaskID] = struct{}{}
	}
	var reserved []models.TaskSummary
	for _, t := range leased {
		if _, ok := activeIDs[t.TaskID]; !ok {
			reserved = append(reserved, t)
		}
	}

	return &Stats{Workers: workers, Active: active, Reserved: reserved, Scheduled: scheduled}, nil
}

// New creates a task client over a broker and result store.
func New(b broker.Broker, store resultstore.Store) *Client {
	return &Client{broker: b, store: store}
}
