package resultstore

import (
	"context"
	"sync"
	"time"

	"taskqueue/internal/models"
)

// Memory is an in-process store with the same stickiness semantics as
// the Postgres one. It backs tests and single-process deployments.
type Memory struct {
	mu      sync.Mutex
	records map[string]*models.TaskRecord
	workers map[string]models.WorkerInfo
}

// Create ...
func (s *Memory) Create(_ context.Context, record *models.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	record.Version = 1
	record.CreatedAt = now
	record.UpdatedAt = now
	stored := *record
	s.records[record.TaskID] = &stored
	return nil
}

// SetStatus ...
func (s *Memory) SetStatus(_ context.Context, taskID string, update StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[taskID]
	if !ok {
		now := time.Now()
		s.records[taskID] = &models.TaskRecord{
			TaskID:        taskID,
			Status:        update.Status,
			Version:       1,
			Result:        update.Result,
			Error:         update.Reason,
			FailureDetail: update.Detail,
			Worker:        update.Worker,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return nil
	}

	if record.Status.Terminal() {
		return ErrAlreadyTerminal
	}

	record.Status = update.Status
	record.Version++
	record.Result = update.Result
	record.Error = update.Reason
	record.FailureDetail = update.Detail
	record.Worker = update.Worker
	record.UpdatedAt = time.Now()
	return nil
}

// RevokePending ...
func (s *Memory) RevokePending(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[taskID]
	if !ok || record.Status != models.TaskStatusPending {
		return false, nil
	}
	record.Status = models.TaskStatusRevoked
	record.Version++
	record.UpdatedAt = time.Now()
	return true, nil
}

// Get ...
func (s *Memory) Get(_ context.Context, taskID string) (*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

// Delete ...
func (s *Memory) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, taskID)
	return nil
}

// StaleStarted ...
func (s *Memory) StaleStarted(_ context.Context, window time.Duration) ([]models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-window)
	var records []models.TaskRecord
	for _, record := range s.records {
		if record.Status == models.TaskStatusStarted && record.UpdatedAt.Before(cutoff) {
			records = append(records, *record)
		}
	}
	return records, nil
}

// ListActive ...
func (s *Memory) ListActive(_ context.Context) ([]models.TaskSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []models.TaskSummary
	for _, record := range s.records {
		if record.Status == models.TaskStatusStarted {
			startedAt := record.UpdatedAt
			tasks = append(tasks, models.TaskSummary{
				TaskID:    record.TaskID,
				Type:      record.Type,
				Worker:    record.Worker,
				StartedAt: &startedAt,
			})
		}
	}
	return tasks, nil
}

// DeleteExpired ...
func (s *Memory) DeleteExpired(_ context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	var deleted int64
	for id, record := range s.records {
		if record.Status.Terminal() && record.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

// UpsertWorker ...
func (s *Memory) UpsertWorker(_ context.Context, info models.WorkerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info.UpdatedAt = time.Now()
	s.workers[info.ID] = info
	return nil
}

// ListWorkers ...
func (s *Memory) ListWorkers(_ context.Context, liveWindow time.Duration) (map[string]models.WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-liveWindow)
	workers := make(map[string]models.WorkerInfo)
	for id, info := range s.workers {
		if !info.UpdatedAt.Before(cutoff) {
			workers[id] = info
		}
	}
	return workers, nil
}

// Ping ...
func (s *Memory) Ping(_ context.Context) error {
	return nil
}

// NewMemory creates an in-memory result store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*models.TaskRecord),
		workers: make(map[string]models.WorkerInfo),
	}
}
