package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskqueue/internal/models"
)

// const ...
const (
	defaultLease        = 35 * time.Minute
	defaultPollInterval = 100 * time.Millisecond
)

// Config ...
type Config struct {
	// Lease is the redelivery window: a dequeued message becomes
	// eligible again once the lease expires without an Ack. Must
	// exceed the hard task time limit.
	Lease        time.Duration
	PollInterval time.Duration
}

type postgresBroker struct {
	db  *pgxpool.Pool
	cfg Config
}

// Enqueue ...
func (b *postgresBroker) Enqueue(ctx context.Context, msg *models.TaskMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal task message: %w", err)
	}

	query := `
        INSERT INTO taskqueue.queue (task_id, task_type, payload, eta)
        VALUES ($1, $2, $3, $4)
    `
	if _, err = b.db.Exec(ctx, query, msg.ID, msg.Type, payload, msg.ETA); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Dequeue leases the oldest eligible message. Messages whose lease has
// expired are picked up again here, which is what makes delivery
// at-least-once under worker crashes.
func (b *postgresBroker) Dequeue(ctx context.Context, timeout time.Duration) (*models.TaskMessage, error) {
	query := `
        UPDATE taskqueue.queue
        SET leased_until = NOW() + $1, delivery_count = delivery_count + 1
        WHERE seq = (
            SELECT seq FROM taskqueue.queue
            WHERE (leased_until IS NULL OR leased_until <= NOW())
            AND (eta IS NULL OR eta <= NOW())
            ORDER BY seq ASC
            FOR UPDATE SKIP LOCKED
            LIMIT 1
        )
        RETURNING payload
    `

	deadline := time.Now().Add(timeout)
	for {
		var payload []byte
		err := b.db.QueryRow(ctx, query, b.cfg.Lease).Scan(&payload)
		switch {
		case err == nil:
			var msg models.TaskMessage
			if err = json.Unmarshal(payload, &msg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal task message: %w", err)
			}
			return &msg, nil
		case errors.Is(err, pgx.ErrNoRows):
			if time.Now().After(deadline) {
				return nil, nil
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.cfg.PollInterval):
			}
		default:
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
}

// Ack ...
func (b *postgresBroker) Ack(ctx context.Context, taskID string) error {
	query := `DELETE FROM taskqueue.queue WHERE task_id = $1`
	if _, err := b.db.Exec(ctx, query, taskID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// PublishControl ...
func (b *postgresBroker) PublishControl(ctx context.Context, msg models.ControlMessage) error {
	query := `
        INSERT INTO taskqueue.control (task_id, signal, created_at)
        VALUES ($1, $2, NOW())
    `
	if _, err := b.db.Exec(ctx, query, msg.TaskID, msg.Signal); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Controls ...
func (b *postgresBroker) Controls(ctx context.Context, taskIDs []string) ([]models.ControlMessage, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}

	query := `
        SELECT task_id, signal, created_at
        FROM taskqueue.control
        WHERE task_id = ANY($1)
        ORDER BY created_at ASC
    `
	rows, err := b.db.Query(ctx, query, taskIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var msgs []models.ControlMessage
	for rows.Next() {
		var msg models.ControlMessage
		if scanErr := rows.Scan(&msg.TaskID, &msg.Signal, &msg.CreatedAt); scanErr != nil {
			return nil, fmt.Errorf("failed to scan control message: %w", scanErr)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// AckControl ...
func (b *postgresBroker) AckControl(ctx context.Context, taskID string) error {
	query := `DELETE FROM taskqueue.control WHERE task_id = $1`
	if _, err := b.db.Exec(ctx, query, taskID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SweepControl drops control messages nobody consumed, e.g. revokes
// for tasks that finished before any worker saw the signal.
func (b *postgresBroker) SweepControl(ctx context.Context, olderThan time.Time) error {
	query := `DELETE FROM taskqueue.control WHERE created_at < $1`
	if _, err := b.db.Exec(ctx, query, olderThan); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Scheduled ...
func (b *postgresBroker) Scheduled(ctx context.Context) ([]models.TaskSummary, error) {
	query := `
        SELECT task_id, task_type, eta
        FROM taskqueue.queue
        WHERE eta IS NOT NULL AND eta > NOW()
        ORDER BY eta ASC
    `
	rows, err := b.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var tasks []models.TaskSummary
	for rows.Next() {
		var t models.TaskSummary
		if scanErr := rows.Scan(&t.TaskID, &t.Type, &t.ETA); scanErr != nil {
			return nil, fmt.Errorf("failed to scan scheduled task: %w", scanErr)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Reserved ...
func (b *postgresBroker) Reserved(ctx context.Context) ([]models.TaskSummary, error) {
	query := `
        SELECT task_id, task_type, eta
        FROM taskqueue.queue
        WHERE leased_until > NOW()
        ORDER BY seq ASC
    `
	rows, err := b.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var tasks []models.TaskSummary
	for rows.Next() {
		var t models.TaskSummary
		if scanErr := rows.Scan(&t.TaskID, &t.Type, &t.ETA); scanErr != nil {
			return nil, fmt.Errorf("failed to scan reserved task: %w", scanErr)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Ping ...
func (b *postgresBroker) Ping(ctx context.Context) error {
	if err := b.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// NewPostgres creates a Postgres-backed broker.
func NewPostgres(db *pgxpool.Pool, cfg Config) Broker {
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &postgresBroker{db: db, cfg: cfg}
}
