package broker

import (
	"context"
	"sync"
	"time"

	"taskqueue/internal/models"
)

type memoryEntry struct {
	msg         models.TaskMessage
	leasedUntil time.Time
	deliveries  int
}

// Memory is an in-process broker with the same lease/ack semantics as
// the Postgres one. It backs tests and single-process deployments.
type Memory struct {
	mu       sync.Mutex
	cfg      Config
	queue    []*memoryEntry
	controls []models.ControlMessage
}

// Enqueue ...
func (b *Memory) Enqueue(_ context.Context, msg *models.TaskMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, &memoryEntry{msg: *msg})
	return nil
}

// Dequeue ...
func (b *Memory) Dequeue(ctx context.Context, timeout time.Duration) (*models.TaskMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		if msg := b.tryDequeue(time.Now()); msg != nil {
			return msg, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.cfg.PollInterval):
		}
	}
}

func (b *Memory) tryDequeue(now time.Time) *models.TaskMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.queue {
		if e.leasedUntil.After(now) {
			continue
		}
		if e.msg.ETA != nil && e.msg.ETA.After(now) {
			continue
		}
		e.leasedUntil = now.Add(b.cfg.Lease)
		e.deliveries++
		msg := e.msg
		return &msg
	}
	return nil
}

// Ack ...
func (b *Memory) Ack(_ context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.queue {
		if e.msg.ID == taskID {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

// PublishControl ...
func (b *Memory) PublishControl(_ context.Context, msg models.ControlMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	b.controls = append(b.controls, msg)
	return nil
}

// Controls ...
func (b *Memory) Controls(_ context.Context, taskIDs []string) ([]models.ControlMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wanted := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		wanted[id] = struct{}{}
	}
	var msgs []models.ControlMessage
	for _, msg := range b.controls {
		if _, ok := wanted[msg.TaskID]; ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// AckControl ...
func (b *Memory) AckControl(_ context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.controls[:0]
	for _, msg := range b.controls {
		if msg.TaskID != taskID {
			kept = append(kept, msg)
		}
	}
	b.controls = kept
	return nil
}

// SweepControl ...
func (b *Memory) SweepControl(_ context.Context, olderThan time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.controls[:0]
	for _, msg := range b.controls {
		if !msg.CreatedAt.Before(olderThan) {
			kept = append(kept, msg)
		}
	}
	b.controls = kept
	return nil
}

// Scheduled ...
func (b *Memory) Scheduled(_ context.Context) ([]models.TaskSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var tasks []models.TaskSummary
	for _, e := range b.queue {
		if e.msg.ETA != nil && e.msg.ETA.After(now) {
			tasks = append(tasks, models.TaskSummary{
				TaskID: e.msg.ID,
				Type:   e.msg.Type,
				ETA:    e.msg.ETA,
			})
		}
	}
	return tasks, nil
}

// Reserved ...
func (b *Memory) Reserved(_ context.Context) ([]models.TaskSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var tasks []models.TaskSummary
	for _, e := range b.queue {
		if e.leasedUntil.After(now) {
			tasks = append(tasks, models.TaskSummary{
				TaskID: e.msg.ID,
				Type:   e.msg.Type,
				ETA:    e.msg.ETA,
			})
		}
	}
	return tasks, nil
}

// Ping ...
func (b *Memory) Ping(_ context.Context) error {
	return nil
}

// Len reports the number of unacknowledged messages.
func (b *Memory) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// NewMemory creates an in-memory broker.
func NewMemory(cfg Config) *Memory {
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	return &Memory{cfg: cfg}
}
