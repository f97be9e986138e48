package resultstore

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics"

	"taskqueue/internal/models"
)

// instrumentingMiddleware wraps Store and enables request metrics
type instrumentingMiddleware struct {
	reqCount    metrics.Counter
	reqDuration metrics.Histogram
	store       Store
}

func (s *instrumentingMiddleware) record(method string, err error, startTime time.Time) {
	labels := []string{
		"method", method,
		"error", strconv.FormatBool(err != nil),
	}
	s.reqCount.With(labels...).Add(1)
	s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
}

// Create ...
func (s *instrumentingMiddleware) Create(ctx context.Context, rec *models.TaskRecord) (err error) {
	defer func(startTime time.Time) { s.record("Create", err, startTime) }(time.Now())
	return s.store.Create(ctx, rec)
}

// SetStatus ...
func (s *instrumentingMiddleware) SetStatus(ctx context.Context, taskID string, update StatusUpdate) (err error) {
	defer func(startTime time.Time) { s.record("SetStatus", err, startTime) }(time.Now())
	return s.store.SetStatus(ctx, taskID, update)
}

// RevokePending ...
func (s *instrumentingMiddleware) RevokePending(ctx context.Context, taskID string) (ok bool, err error) {
	defer func(startTime time.Time) { s.record("RevokePending", err, startTime) }(time.Now())
	return s.store.RevokePending(ctx, taskID)
}

// Get ...
func (s *instrumentingMiddleware) Get(ctx context.Context, taskID string) (rec *models.TaskRecord, err error) {
	defer func(startTime time.Time) { s.record("Get", err, startTime) }(time.Now())
	return s.store.Get(ctx, taskID)
}

// Delete ...
func (s *instrumentingMiddleware) Delete(ctx context.Context, taskID string) (err error) {
	defer func(startTime time.Time) { s.record("Delete", err, startTime) }(time.Now())
	return s.store.Delete(ctx, taskID)
}

// StaleStarted ...
func (s *instrumentingMiddleware) StaleStarted(ctx context.Context, window time.Duration) (recs []models.TaskRecord, err error) {
	defer func(startTime time.Time) { s.record("StaleStarted", err, startTime) }(time.Now())
	return s.store.StaleStarted(ctx, window)
}

// ListActive ...
func (s *instrumentingMiddleware) ListActive(ctx context.Context) (tasks []models.TaskSummary, err error) {
	defer func(startTime time.Time) { s.record("ListActive", err, startTime) }(time.Now())
	return s.store.ListActive(ctx)
}

// DeleteExpired ...
func (s *instrumentingMiddleware) DeleteExpired(ctx context.Context, retention time.Duration) (count int64, err error) {
	defer func(startTime time.Time) { s.record("DeleteExpired", err, startTime) }(time.Now())
	return s.store.DeleteExpired(ctx, retention)
}

// UpsertWorker ...
func (s *instrumentingMiddleware) UpsertWorker(ctx context.Context, info models.WorkerInfo) (err error) {
	defer func(startTime time.Time) { s.record("UpsertWorker", err, startTime) }(time.Now())
	return s.store.UpsertWorker(ctx, info)
}

// ListWorkers ...
func (s *instrumentingMiddleware) ListWorkers(ctx context.Context, liveWindow time.Duration) (workers map[string]models.WorkerInfo, err error) {
	defer func(startTime time.Time) { s.record("ListWorkers", err, startTime) }(time.Now())
	return s.store.ListWorkers(ctx, liveWindow)
}

// Ping ...
func (s *instrumentingMiddleware) Ping(ctx context.Context) (err error) {
	defer func(startTime time.Time) { s.record("Ping", err, startTime) }(time.Now())
	return s.store.Ping(ctx)
}

// NewInstrumentingMiddleware ...
func NewInstrumentingMiddleware(
	reqCount metrics.Counter,
	reqDuration metrics.Histogram,
	store Store,
) Store {
	return &instrumentingMiddleware{
		reqCount:    reqCount,
		reqDuration: reqDuration,
		store:       store,
	}
}
