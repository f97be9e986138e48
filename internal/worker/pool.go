package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"taskqueue/internal/broker"
	"taskqueue/internal/models"
	"taskqueue/internal/registry"
	"taskqueue/internal/resultstore"
	"taskqueue/internal/taskcontext"
)

// const ...
const (
	defaultConcurrency       = 1
	defaultMaxTasksPerSlot   = uint(50)
	defaultSoftTimeLimit     = 25 * time.Minute
	defaultHardTimeLimit     = 30 * time.Minute
	defaultDequeueTimeout    = 5 * time.Second
	defaultControlInterval   = 500 * time.Millisecond
	defaultHeartbeatInterval = 15 * time.Second
	defaultSweepInterval     = time.Hour
	defaultRetentionTTL      = 24 * time.Hour
	defaultStalenessWindow   = 10 * time.Minute

	metricsNamespace = "taskqueue"
	metricsSubsystem = "worker"
)

// Config ...
type Config struct {
	// Concurrency is the number of execution slots. Kept low
	// (commonly 1) to favor fairness and predictable resource use
	// over raw throughput.
	Concurrency int
	// MaxTasksPerSlot bounds executions per slot before the slot is
	// torn down and replaced.
	MaxTasksPerSlot uint
	// SoftTimeLimit cancels the handler's context; the handler is
	// expected to observe it at safe points.
	SoftTimeLimit time.Duration
	// HardTimeLimit is not advisory: when it passes, the task is
	// failed with a timeout reason and the handler is abandoned.
	HardTimeLimit     time.Duration
	DequeueTimeout    time.Duration
	ControlInterval   time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	RetentionTTL      time.Duration
	StalenessWindow   time.Duration
}

type poolMetrics struct {
	tasksProcessed *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	inFlight       prometheus.Gauge
	slotRecycles   prometheus.Counter
}

type inflight struct {
	cancel     context.CancelFunc
	terminated chan struct{}
	revoked    atomic.Bool
	once       sync.Once
}

func (t *inflight) terminate() {
	t.revoked.Store(true)
	t.once.Do(func() {
		t.cancel()
		close(t.terminated)
	})
}

// Pool hosts a bounded set of execution slots pulling tasks from the
// broker. Per slot: IDLE -> dequeue -> resolve -> mark STARTED -> run
// under soft/hard limits -> terminal status write -> ack. The message
// is acknowledged only after the status write succeeds, so a crash in
// between causes redelivery; handler idempotency under redelivery is
// the handler's contract, not enforced here.
type Pool struct {
	cfg      Config
	broker   broker.Broker
	store    resultstore.Store
	registry *registry.Registry
	factory  taskcontext.Factory
	metrics  *poolMetrics
	id       string

	group  *errgroup.Group
	cancel context.CancelFunc

	mu        sync.Mutex
	inflights map[string]*inflight

	processed atomic.Uint64
	recycles  atomic.Uint64
}

// ID returns the worker's hostname-derived identity.
func (p *Pool) ID() string {
	return p.id
}

// Start launches the slots and the control/heartbeat/janitor loops.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		slot := i
		p.group.Go(func() error {
			p.superviseSlot(ctx, slot)
			return nil
		})
	}
	p.group.Go(func() error {
		p.pollControls(ctx)
		return nil
	})
	p.group.Go(func() error {
		p.heartbeat(ctx)
		return nil
	})
	p.group.Go(func() error {
		p.janitor(ctx)
		return nil
	})

	log.WithFields(log.Fields{
		"worker":      p.id,
		"concurrency": p.cfg.Concurrency,
	}).Info("Worker pool started")
}

// Stop cancels all loops and waits for in-flight executions to settle.
func (p *Pool) Stop() error {
	p.cancel()
	return p.group.Wait()
}

// superviseSlot recycles the slot each time it exhausts its task
// budget, bounding leakage from long-lived handler state.
func (p *Pool) superviseSlot(ctx context.Context, slot int) {
	for {
		p.runSlot(ctx, slot)
		if ctx.Err() != nil {
			return
		}
		p.recycles.Add(1)
		p.metrics.slotRecycles.Inc()
		log.WithFields(log.Fields{
			"worker": p.id,
			"slot":   slot,
		}).Info("Slot recycled")
	}
}

// runSlot executes up to MaxTasksPerSlot tasks, then returns.
func (p *Pool) runSlot(ctx context.Context, slot int) {
	var executed uint
	for executed < p.cfg.MaxTasksPerSlot {
		if ctx.Err() != nil {
			return
		}

		msg, err := p.broker.Dequeue(ctx, p.cfg.DequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.WithError(err).WithField("slot", slot).Error("Failed to dequeue task")
			// An unreachable broker fails fast; pace the retries so an
			// outage does not turn the slot into a hot loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.DequeueTimeout):
			}
			continue
		}
		if msg == nil {
			continue
		}

		p.executeOne(ctx, msg)
		executed++
	}
}

// executeOne drives a single task through its lifecycle.
func (p *Pool) executeOne(ctx context.Context, msg *models.TaskMessage) {
	logger := log.WithFields(log.Fields{
		"task_id":   msg.ID,
		"task_type": msg.Type,
		"worker":    p.id,
	})
	start := time.Now()

	// Duplicate delivery of an already-finished task, or a task
	// revoked before any worker picked it up: drop without running.
	if record, err := p.store.Get(ctx, msg.ID); err == nil && record.Status.Terminal() {
		logger.WithField("status", record.Status).Info("Skipping task already in terminal status")
		p.ack(ctx, msg.ID, logger)
		return
	}

	if msg.Expired(time.Now()) {
		logger.Warn("Task expired before execution started")
		p.writeTerminal(ctx, msg, resultstore.StatusUpdate{
			Status: models.TaskStatusFailure,
			Reason: models.ReasonExpired,
			Detail: "expiry bound passed before execution started",
			Worker: p.id,
		}, logger, start)
		return
	}

	handler, err := p.registry.Resolve(msg.Type)
	if err != nil {
		logger.Error("No handler registered for task type")
		p.writeTerminal(ctx, msg, resultstore.StatusUpdate{
			Status: models.TaskStatusFailure,
			Reason: models.ReasonUnknownTaskType,
			Detail: err.Error(),
			Worker: p.id,
		}, logger, start)
		return
	}

	// STARTED is recorded before invocation so an observer can tell
	// "never started" from "started but worker died".
	err = p.store.SetStatus(ctx, msg.ID, resultstore.StatusUpdate{
		Status: models.TaskStatusStarted,
		Worker: p.id,
	})
	if errors.Is(err, resultstore.ErrAlreadyTerminal) {
		p.ack(ctx, msg.ID, logger)
		return
	} else if err != nil {
		// Leave unacked; the lease expiry redelivers the task.
		logger.WithError(err).Error("Failed to mark task started")
		return
	}

	softCtx, cancelSoft := context.WithTimeout(ctx, p.cfg.SoftTimeLimit)
	defer cancelSoft()

	task := &inflight{cancel: cancelSoft, terminated: make(chan struct{})}
	p.trackInflight(msg.ID, task)
	defer p.untrackInflight(msg.ID)

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())}
			}
		}()
		result, runErr := taskcontext.Run(softCtx, p.factory, func(app *taskcontext.Context) (json.RawMessage, error) {
			return handler(softCtx, app, msg.Args, msg.Kwargs)
		})
		done <- outcome{result: result, err: runErr}
	}()

	hardTimer := time.NewTimer(p.cfg.HardTimeLimit)
	defer hardTimer.Stop()

	var update resultstore.StatusUpdate
	select {
	case out := <-done:
		// A pool shutdown cancels the slot's context and with it the
		// handler's; that abort is not a task failure. Leave the message
		// unacked and its STARTED record in place so the lease redelivers
		// the task to the next worker.
		if ctx.Err() != nil && errors.Is(out.err, context.Canceled) && !task.revoked.Load() {
			logger.Info("Shutdown interrupted task, leaving it for redelivery")
			return
		}
		update = p.classify(out.result, out.err, task)
	case <-task.terminated:
		// Forced abort races natural completion; the sticky-terminal
		// CAS in the store discards whichever write comes second.
		logger.Warn("Task terminated by control signal")
		update = resultstore.StatusUpdate{
			Status: models.TaskStatusRevoked,
			Worker: p.id,
		}
	case <-hardTimer.C:
		logger.Error("Task exceeded hard time limit, abandoning handler")
		update = resultstore.StatusUpdate{
			Status: models.TaskStatusFailure,
			Reason: models.ReasonTimeout,
			Detail: fmt.Sprintf("hard time limit %s exceeded", p.cfg.HardTimeLimit),
			Worker: p.id,
		}
	}

	p.writeTerminal(ctx, msg, update, logger, start)
}

// classify maps a handler outcome onto a terminal status.
func (p *Pool) classify(result json.RawMessage, err error, task *inflight) resultstore.StatusUpdate {
	switch {
	case err == nil:
		return resultstore.StatusUpdate{
			Status: models.TaskStatusSuccess,
			Result: result,
			Worker: p.id,
		}
	case task.revoked.Load():
		return resultstore.StatusUpdate{
			Status: models.TaskStatusRevoked,
			Worker: p.id,
		}
	case errors.Is(err, taskcontext.ErrInit):
		return resultstore.StatusUpdate{
			Status: models.TaskStatusFailure,
			Reason: models.ReasonContextInit,
			Detail: err.Error(),
			Worker: p.id,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return resultstore.StatusUpdate{
			Status: models.TaskStatusFailure,
			Reason: models.ReasonTimeout,
			Detail: fmt.Sprintf("soft time limit %s exceeded", p.cfg.SoftTimeLimit),
			Worker: p.id,
		}
	default:
		return resultstore.StatusUpdate{
			Status: models.TaskStatusFailure,
			Reason: models.ReasonHandlerError,
			Detail: err.Error(),
			Worker: p.id,
		}
	}
}

// writeTerminal persists the terminal status, then acknowledges. Ack
// strictly follows a successful store write: a crash in between causes
// redelivery rather than a lost result.
func (p *Pool) writeTerminal(ctx context.Context, msg *models.TaskMessage, update resultstore.StatusUpdate, logger *log.Entry, start time.Time) {
	err := p.store.SetStatus(ctx, msg.ID, update)
	if err != nil && !errors.Is(err, resultstore.ErrAlreadyTerminal) {
		logger.WithError(err).Error("Failed to write terminal status, leaving task for redelivery")
		return
	}

	p.ack(ctx, msg.ID, logger)
	p.processed.Add(1)

	duration := time.Since(start)
	status := string(update.Status)
	p.metrics.tasksProcessed.WithLabelValues(msg.Type, status).Inc()
	p.metrics.taskDuration.WithLabelValues(msg.Type, status).Observe(duration.Seconds())

	logger.WithFields(log.Fields{
		"status":   update.Status,
		"reason":   update.Reason,
		"duration": duration,
	}).Info("Task finished")
}

func (p *Pool) ack(ctx context.Context, taskID string, logger *log.Entry) {
	if err := p.broker.Ack(ctx, taskID); err != nil {
		logger.WithError(err).Error("Failed to acknowledge task")
	}
}

func (p *Pool) trackInflight(taskID string, task *inflight) {
	p.mu.Lock()
	p.inflights[taskID] = task
	p.mu.Unlock()
	p.metrics.inFlight.Inc()
}

func (p *Pool) untrackInflight(taskID string) {
	p.mu.Lock()
	delete(p.inflights, taskID)
	p.mu.Unlock()
	p.metrics.inFlight.Dec()
}

func (p *Pool) inflightIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.inflights))
	for id := range p.inflights {
		ids = append(ids, id)
	}
	return ids
}

// pollControls consumes control messages addressed to this worker's
// in-flight tasks. TERMINATE forcibly aborts; REVOKE for a task that
// already started is a no-op (it runs to completion) and is dropped.
func (p *Pool) pollControls(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ControlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := p.inflightIDs()
			if len(ids) == 0 {
				continue
			}

			msgs, err := p.broker.Controls(ctx, ids)
			if err != nil {
				log.WithError(err).Error("Failed to poll control messages")
				continue
			}

			for _, msg := range msgs {
				if msg.Signal == models.ControlSignalTerminate {
					p.mu.Lock()
					task, ok := p.inflights[msg.TaskID]
					p.mu.Unlock()
					if ok {
						task.terminate()
					}
				}
				if err = p.broker.AckControl(ctx, msg.TaskID); err != nil {
					log.WithError(err).Error("Failed to ack control message")
				}
			}
		}
	}
}

// heartbeat publishes this worker's stats for producer-side introspection.
func (p *Pool) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	p.publishInfo(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishInfo(ctx)
		}
	}
}

func (p *Pool) publishInfo(ctx context.Context) {
	info := models.WorkerInfo{
		ID:          p.id,
		Concurrency: p.cfg.Concurrency,
		InFlight:    p.inflightIDs(),
		Registered:  p.registry.Types(),
		Processed:   p.processed.Load(),
		Recycles:    p.recycles.Load(),
	}
	if err := p.store.UpsertWorker(ctx, info); err != nil {
		log.WithError(err).Error("Failed to publish worker info")
	}
}

// janitor sweeps expired result records and stale control messages,
// and flags tasks whose worker looks lost.
func (p *Pool) janitor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := p.store.DeleteExpired(ctx, p.cfg.RetentionTTL)
			if err != nil {
				log.WithError(err).Error("Failed to sweep expired result records")
			} else if deleted > 0 {
				log.WithField("count", deleted).Info("Swept expired result records")
			}

			if err = p.broker.SweepControl(ctx, time.Now().Add(-p.cfg.RetentionTTL)); err != nil {
				log.WithError(err).Error("Failed to sweep control messages")
			}

			stale, err := p.store.StaleStarted(ctx, p.cfg.StalenessWindow)
			if err != nil {
				log.WithError(err).Error("Failed to check for stale started tasks")
			} else if len(stale) > 0 {
				log.WithField("count", len(stale)).Warn("Tasks stuck in STARTED, worker possibly lost")
			}
		}
	}
}

// Identity derives the worker id from the host and process.
func Identity() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("worker@%s.%d", hostname, os.Getpid())
}

func newPoolMetrics(reg prometheus.Registerer) *poolMetrics {
	metrics := &poolMetrics{
		tasksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "tasks_processed_total",
				Help:      "Total number of processed tasks",
			},
			[]string{"task_type", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
			},
			[]string{"task_type", "status"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tasks_in_flight",
			Help:      "Current number of tasks being executed",
		}),
		slotRecycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "slot_recycles_total",
			Help:      "Total number of slot recycles",
		}),
	}

	reg.MustRegister(
		metrics.tasksProcessed,
		metrics.taskDuration,
		metrics.inFlight,
		metrics.slotRecycles,
	)

	return metrics
}

// DefaultConfig mirrors the classic queue-worker defaults: one slot,
// 25m/30m soft/hard limits, 50 tasks per slot before recycling.
func DefaultConfig() Config {
	return Config{
		Concurrency:       defaultConcurrency,
		MaxTasksPerSlot:   defaultMaxTasksPerSlot,
		SoftTimeLimit:     defaultSoftTimeLimit,
		HardTimeLimit:     defaultHardTimeLimit,
		DequeueTimeout:    defaultDequeueTimeout,
		ControlInterval:   defaultControlInterval,
		HeartbeatInterval: defaultHeartbeatInterval,
		SweepInterval:     defaultSweepInterval,
		RetentionTTL:      defaultRetentionTTL,
		StalenessWindow:   defaultStalenessWindow,
	}
}

// New creates a worker pool.
func New(
	cfg Config,
	b broker.Broker,
	store resultstore.Store,
	reg *registry.Registry,
	factory taskcontext.Factory,
	promReg prometheus.Registerer,
) (*Pool, error) {
	if cfg.Concurrency <= 0 {
		return nil, errors.New("Concurrency must be greater than 0")
	}
	if cfg.MaxTasksPerSlot == 0 {
		return nil, errors.New("MaxTasksPerSlot must be greater than 0")
	}
	if cfg.SoftTimeLimit <= 0 || cfg.HardTimeLimit <= 0 {
		return nil, errors.New("time limits must be greater than 0")
	}
	if cfg.SoftTimeLimit > cfg.HardTimeLimit {
		return nil, errors.New("SoftTimeLimit must not exceed HardTimeLimit")
	}

	return &Pool{
		cfg:       cfg,
		broker:    b,
		store:     store,
		registry:  reg,
		factory:   factory,
		metrics:   newPoolMetrics(promReg),
		id:        Identity(),
		group:     &errgroup.Group{},
		inflights: make(map[string]*inflight),
	}, nil
}
