package resultstore

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

type postgresStore struct {
	db *pgxpool.Pool
}

// Create ...
func (s *postgresStore) Create(ctx context.Context, record *models.TaskRecord) error {
	query := `
        INSERT INTO taskqueue.results
        (task_id, task_type, status, version)
        VALUES ($1, $2, $3, 1)
        RETURNING created_at, updated_at
    `
	err := s.db.QueryRow(ctx, query,
		record.TaskID, record.Type, record.Status,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task record: %w", err)
	}
	record.Version = 1
	return nil
}

// SetStatus upserts so a redelivery after the record expired still
// lands a fresh row. The WHERE clause is the terminal-stickiness CAS.
func (s *postgresStore) SetStatus(ctx context.Context, taskID string, update StatusUpdate) error {
	query := `
        INSERT INTO taskqueue.results
        (task_id, status, version, result, error, failure_detail, worker)
        VALUES ($1, $2, 1, $3, $4, $5, $6)
        ON CONFLICT (task_id) DO UPDATE
        SET status = EXCLUDED.status, version = taskqueue.results.version + 1,
            result = EXCLUDED.result, error = EXCLUDED.error,
            failure_detail = EXCLUDED.failure_detail, worker = EXCLUDED.worker,
            updated_at = NOW()
        WHERE taskqueue.results.status NOT IN ('SUCCESS', 'FAILURE', 'REVOKED')
    `
	tag, err := s.db.Exec(ctx, query,
		taskID, update.Status, update.Result, update.Reason, update.Detail, update.Worker)
	if err != nil {
		return fmt.Errorf("failed to set task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyTerminal
	}
	return nil
}

// RevokePending ...
func (s *postgresStore) RevokePending(ctx context.Context, taskID string) (bool, error) {
	query := `
        UPDATE taskqueue.results
        SET status = $2, version = version + 1, updated_at = NOW()
        WHERE task_id = $1 AND status = $3
    `
	tag, err := s.db.Exec(ctx, query, taskID, models.TaskStatusRevoked, models.TaskStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to revoke task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get ...
func (s *postgresStore) Get(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	query := `
        SELECT task_id, task_type, status, version, result, error, failure_detail, worker, created_at, updated_at
        FROM taskqueue.results
        WHERE task_id = $1
    `
	var record models.TaskRecord
	err := s.db.QueryRow(ctx, query, taskID).Scan(
		&record.TaskID, &record.Type, &record.Status, &record.Version, &record.Result,
		&record.Error, &record.FailureDetail, &record.Worker, &record.CreatedAt, &record.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get task record: %w", err)
	}
	return &record, nil
}

// Delete ...
func (s *postgresStore) Delete(ctx context.Context, taskID string) error {
	query := `DELETE FROM taskqueue.results WHERE task_id = $1`
	if _, err := s.db.Exec(ctx, query, taskID); err != nil {
		return fmt.Errorf("failed to delete task record: %w", err)
	}
	return nil
}

// StaleStarted ...
func (s *postgresStore) StaleStarted(ctx context.Context, window time.Duration) ([]models.TaskRecord, error) {
	query := `
        SELECT task_id, task_type, status, version, result, error, failure_detail, worker, created_at, updated_at
        FROM taskqueue.results
        WHERE status = $1 AND updated_at < NOW() - $2
        ORDER BY updated_at ASC
    `
	rows, err := s.db.Query(ctx, query, models.TaskStatusStarted, window)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale started tasks: %w", err)
	}
	defer rows.Close()

	var records []models.TaskRecord
	for rows.Next() {
		var record models.TaskRecord
		if scanErr := rows.Scan(
			&record.TaskID, &record.Type, &record.Status, &record.Version, &record.Result,
			&record.Error, &record.FailureDetail, &record.Worker, &record.CreatedAt, &record.UpdatedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", scanErr)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// ListActive ...
func (s *postgresStore) ListActive(ctx context.Context) ([]models.TaskSummary, error) {
	query := `
        SELECT task_id, task_type, worker, updated_at
        FROM taskqueue.results
        WHERE status = $1
        ORDER BY updated_at ASC
    `
	rows, err := s.db.Query(ctx, query, models.TaskStatusStarted)
	if err != nil {
		return nil, fmt.Errorf("failed to query active tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.TaskSummary
	for rows.Next() {
		var t models.TaskSummary
		var startedAt time.Time
		if scanErr := rows.Scan(&t.TaskID, &t.Type, &t.Worker, &startedAt); scanErr != nil {
			return nil, fmt.Errorf("failed to scan active task: %w", scanErr)
		}
		t.StartedAt = &startedAt
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteExpired ...
func (s *postgresStore) DeleteExpired(ctx context.Context, retention time.Duration) (int64, error) {
	query := `
        DELETE FROM taskqueue.results
        WHERE status IN ('SUCCESS', 'FAILURE', 'REVOKED') AND updated_at < NOW() - $1
    `
	tag, err := s.db.Exec(ctx, query, retention)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertWorker ...
func (s *postgresStore) UpsertWorker(ctx context.Context, info models.WorkerInfo) error {
	inFlight, err := json.Marshal(info.InFlight)
	if err != nil {
		return fmt.Errorf("failed to marshal in-flight set: %w", err)
	}
	registered, err := json.Marshal(info.Registered)
	if err != nil {
		return fmt.Errorf("failed to marshal registered types: %w", err)
	}

	query := `
        INSERT INTO taskqueue.workers
        (id, concurrency, in_flight, registered, processed, recycles, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())
        ON CONFLICT (id) DO UPDATE
        SET concurrency = EXCLUDED.concurrency, in_flight = EXCLUDED.in_flight,
            registered = EXCLUDED.registered, processed = EXCLUDED.processed,
            recycles = EXCLUDED.recycles, updated_at = NOW()
    `
	if _, err = s.db.Exec(ctx, query,
		info.ID, info.Concurrency, inFlight, registered, info.Processed, info.Recycles); err != nil {
		return fmt.Errorf("failed to upsert worker info: %w", err)
	}
	return nil
}

// ListWorkers ...
func (s *postgresStore) ListWorkers(ctx context.Context, liveWindow time.Duration) (map[string]models.WorkerInfo, error) {
	query := `
        SELECT id, concurrency, in_flight, registered, processed, recycles, updated_at
        FROM taskqueue.workers
        WHERE updated_at >= NOW() - $1
    `
	rows, err := s.db.Query(ctx, query, liveWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	workers := make(map[string]models.WorkerInfo)
	for rows.Next() {
		var info models.WorkerInfo
		var inFlight, registered []byte
		if scanErr := rows.Scan(
			&info.ID, &info.Concurrency, &inFlight, &registered,
			&info.Processed, &info.Recycles, &info.UpdatedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan worker info: %w", scanErr)
		}
		if err = json.Unmarshal(inFlight, &info.InFlight); err != nil {
			return nil, fmt.Errorf("failed to unmarshal in-flight set: %w", err)
		}
		if err = json.Unmarshal(registered, &info.Registered); err != nil {
			return nil, fmt.Errorf("failed to unmarshal registered types: %w", err)
		}
		workers[info.ID] = info
	}
	return workers, rows.Err()
}

// Ping ...
func (s *postgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// NewPostgres creates a Postgres-backed result store.
func NewPostgres(db *pgxpool.Pool) Store {
	return &postgresStore{db: db}
}
