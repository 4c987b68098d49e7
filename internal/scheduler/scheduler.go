package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/floworc/floworc/internal/events"
	"github.com/floworc/floworc/internal/logging"
	"github.com/floworc/floworc/internal/store"
	"github.com/floworc/floworc/pkg/schema"
)

// Executor is the routed destination for admitted tasks. Satisfied by the
// orchestrator's engine adapter (avoids an import cycle).
type Executor interface {
	// Execute runs the task to a terminal outcome and returns its error, if any.
	Execute(ctx context.Context, task *schema.Task) error
	// CancelTask requests cooperative cancellation of a running task.
	CancelTask(ctx context.Context, taskID string) error
}

// Config holds the scheduler's tunables.
type Config struct {
	Tick           time.Duration // admission loop period
	MaxConcurrency int           // concurrent task executions
	MaxAttempts    int           // task-level attempt budget
}

const (
	DefaultTick           = 250 * time.Millisecond
	DefaultMaxConcurrency = 5
	DefaultMaxAttempts    = 3
)

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return cfg
}

// QueueStatus is a point-in-time snapshot of the scheduler's state.
type QueueStatus struct {
	Queued     int            `json:"queued"`
	Delayed    int            `json:"delayed"`
	Running    int            `json:"running"`
	Paused     int            `json:"paused"`
	Recurring  int            `json:"recurring"`
	ByPriority map[string]int `json:"by_priority"`
	Pool       PoolMetrics    `json:"pool"`
}

// Scheduler is the admission-controlled priority queue: it accepts units of
// work, orders them by descending priority (FIFO within equal priority),
// bounds concurrent execution, retries failures with exponential backoff,
// and supports delayed and recurring entries.
//
// The admission loop is the only writer to the queue; task state transitions
// are serialized through it.
type Scheduler struct {
	executor Executor
	tasks    store.TaskStore
	hub      events.Hub
	logger   *slog.Logger
	cfg      Config
	pool     *WorkerPool
	cron     *cron.Cron

	mu              sync.Mutex
	queue           *taskQueue
	paused          map[string]*QueuedUnit
	running         map[string]*QueuedUnit
	cancelRequested map[string]struct{}
	recurring       map[string]cron.EntryID

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a Scheduler.
func New(executor Executor, tasks store.TaskStore, hub events.Hub, logger *slog.Logger, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		executor:        executor,
		tasks:           tasks,
		hub:             hub,
		logger:          logger,
		cfg:             cfg,
		pool:            NewWorkerPool(cfg.MaxConcurrency),
		cron:            cron.New(),
		queue:           newTaskQueue(),
		paused:          make(map[string]*QueuedUnit),
		running:         make(map[string]*QueuedUnit),
		cancelRequested: make(map[string]struct{}),
		recurring:       make(map[string]cron.EntryID),
	}
}

// Start launches the admission loop and the recurring-entry clock.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.cron.Start()
	go s.loop(loopCtx)
	s.logger.Info("scheduler started",
		slog.Duration("tick", s.cfg.Tick),
		slog.Int("max_concurrency", s.cfg.MaxConcurrency),
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick admits ready units while worker slots remain.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	for {
		s.mu.Lock()
		if s.pool.Available() == 0 {
			s.mu.Unlock()
			return
		}
		unit := s.queue.popReady(now)
		if unit == nil {
			s.mu.Unlock()
			return
		}
		s.running[unit.Task.ID] = unit
		s.mu.Unlock()

		started, err := s.pool.TrySubmit(ctx, func(ctx context.Context) error {
			return s.process(ctx, unit)
		})
		if err != nil || !started {
			// Pool full or shut down: put the unit back for the next tick.
			s.mu.Lock()
			delete(s.running, unit.Task.ID)
			s.queue.reinsert(unit)
			s.mu.Unlock()
			return
		}
	}
}

// Submit inserts a task ordered by descending priority; ties break FIFO.
// The numeric score defaults from the task's 4-level priority.
func (s *Scheduler) Submit(ctx context.Context, task *schema.Task, priority ...int) {
	score := task.Priority.Score()
	if len(priority) > 0 {
		score = priority[0]
	}
	s.enqueue(ctx, &QueuedUnit{
		Task:        task,
		Priority:    score,
		EnqueuedAt:  time.Now().UTC(),
		MaxAttempts: s.cfg.MaxAttempts,
	})
}

// SubmitDelayed schedules admission at now + delay.
func (s *Scheduler) SubmitDelayed(ctx context.Context, task *schema.Task, delay time.Duration) {
	now := time.Now().UTC()
	s.enqueue(ctx, &QueuedUnit{
		Task:        task,
		Priority:    task.Priority.Score(),
		EnqueuedAt:  now,
		MaxAttempts: s.cfg.MaxAttempts,
		NotBefore:   now.Add(delay),
	})
}

// SubmitRecurring registers a generator that submits a fresh task instance
// on each cron firing. An invalid cron expression fails immediately with a
// configuration error.
func (s *Scheduler) SubmitRecurring(ctx context.Context, task *schema.Task, cronExpr string) error {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}

	proto := *task
	entryID, err := s.cron.AddFunc(cronExpr, func() {
		fresh := proto
		fresh.ID = uuid.NewString()
		fresh.Status = schema.TaskStatusPending
		fresh.CreatedAt = time.Now().UTC()

		genCtx := context.Background()
		if err := s.tasks.Create(genCtx, &fresh); err != nil {
			s.logger.Error("create recurring task instance",
				slog.String("template_id", fresh.TemplateID),
				slog.String("error", err.Error()),
			)
			return
		}
		s.Submit(genCtx, &fresh)
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "register recurring task: %s", err.Error()).WithCause(err)
	}

	s.mu.Lock()
	s.recurring[task.ID] = entryID
	s.mu.Unlock()
	return nil
}

// RemoveRecurring unregisters a recurring generator.
func (s *Scheduler) RemoveRecurring(taskID string) bool {
	s.mu.Lock()
	entryID, ok := s.recurring[taskID]
	if ok {
		delete(s.recurring, taskID)
	}
	s.mu.Unlock()

	if ok {
		s.cron.Remove(entryID)
	}
	return ok
}

func (s *Scheduler) enqueue(ctx context.Context, unit *QueuedUnit) {
	s.mu.Lock()
	s.queue.push(unit)
	s.mu.Unlock()

	s.reportStatus(ctx, unit.Task.ID, schema.TaskStatusPending)
	_ = s.hub.Publish(ctx, events.Event{Type: schema.EventTaskScheduled, TaskID: unit.Task.ID})
}

// Cancel removes a queued task, or flags a running one for cooperative
// cancellation (no preemption). Returns false for unknown tasks.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) bool {
	s.mu.Lock()
	if unit := s.queue.remove(taskID); unit != nil {
		s.mu.Unlock()
		s.reportStatus(ctx, taskID, schema.TaskStatusCancelled)
		_ = s.hub.Publish(ctx, events.Event{Type: schema.EventTaskCancelled, TaskID: taskID})
		return true
	}
	if _, ok := s.paused[taskID]; ok {
		delete(s.paused, taskID)
		s.mu.Unlock()
		s.reportStatus(ctx, taskID, schema.TaskStatusCancelled)
		_ = s.hub.Publish(ctx, events.Event{Type: schema.EventTaskCancelled, TaskID: taskID})
		return true
	}
	if _, ok := s.running[taskID]; ok {
		s.cancelRequested[taskID] = struct{}{}
		s.mu.Unlock()
		if err := s.executor.CancelTask(ctx, taskID); err != nil {
			s.logger.Warn("cancel running task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
		return true
	}
	s.mu.Unlock()
	return false
}

// Pause removes a queued (not running) task from the queue; Resume re-admits it.
func (s *Scheduler) Pause(ctx context.Context, taskID string) bool {
	s.mu.Lock()
	unit := s.queue.remove(taskID)
	if unit == nil {
		s.mu.Unlock()
		return false
	}
	s.paused[taskID] = unit
	s.mu.Unlock()

	s.reportStatus(ctx, taskID, schema.TaskStatusPaused)
	return true
}

// Resume re-admits a paused task with its original priority and attempt count.
func (s *Scheduler) Resume(ctx context.Context, taskID string) bool {
	s.mu.Lock()
	unit, ok := s.paused[taskID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.paused, taskID)
	s.queue.push(unit)
	s.mu.Unlock()

	s.reportStatus(ctx, taskID, schema.TaskStatusPending)
	return true
}

// process runs one admitted unit to its outcome and applies the retry policy.
func (s *Scheduler) process(ctx context.Context, unit *QueuedUnit) error {
	taskID := unit.Task.ID
	ctx = logging.WithTaskID(ctx, taskID)

	// Cooperative cancellation checkpoint before the attempt starts.
	if s.consumeCancel(taskID) {
		s.finishRunning(taskID)
		s.reportStatus(ctx, taskID, schema.TaskStatusCancelled)
		_ = s.hub.Publish(ctx, events.Event{Type: schema.EventTaskCancelled, TaskID: taskID})
		return nil
	}

	s.reportStatus(ctx, taskID, schema.TaskStatusInProgress)
	s.logger.InfoContext(ctx, "task processing started", slog.Int("attempt", unit.Attempts+1))

	err := s.executor.Execute(ctx, unit.Task)
	s.finishRunning(taskID)

	if err == nil {
		_ = s.hub.Publish(ctx, events.Event{Type: schema.EventTaskCompleted, TaskID: taskID})
		s.logger.InfoContext(ctx, "task completed")
		return nil
	}

	if s.consumeCancel(taskID) || schema.HasCode(err, schema.ErrCodeCancelled) {
		s.reportStatus(ctx, taskID, schema.TaskStatusCancelled)
		_ = s.hub.Publish(ctx, events.Event{Type: schema.EventTaskCancelled, TaskID: taskID})
		return nil
	}

	if unit.Attempts < unit.MaxAttempts {
		delay := backoffDelay(unit.Attempts)
		unit.Attempts++
		unit.NotBefore = time.Now().UTC().Add(delay)

		s.mu.Lock()
		s.queue.push(unit)
		s.mu.Unlock()

		s.reportStatus(ctx, taskID, schema.TaskStatusPending)
		_ = s.hub.Publish(ctx, events.Event{Type: schema.EventTaskRetrying, TaskID: taskID, Payload: map[string]any{
			"attempt":    unit.Attempts,
			"not_before": unit.NotBefore,
		}})
		s.logger.WarnContext(ctx, "task failed, retrying",
			slog.Int("attempt", unit.Attempts),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		return err
	}

	msg := err.Error()
	if uerr := s.tasks.UpdateStatus(ctx, taskID, store.TaskUpdate{Status: schema.TaskStatusFailed, Error: &msg}); uerr != nil {
		s.logger.ErrorContext(ctx, "record task failure", slog.String("error", uerr.Error()))
	}
	_ = s.hub.Publish(ctx, events.Event{Type: schema.EventTaskFailed, TaskID: taskID, Payload: msg})
	s.logger.ErrorContext(ctx, "task permanently failed",
		slog.Int("attempts", unit.Attempts),
		slog.String("error", msg),
	)
	return err
}

// backoffDelay is the retry delay after `attempts` completed failures: 2^attempts seconds.
func backoffDelay(attempts int) time.Duration {
	if attempts < 0 {
		return 0
	}
	if attempts > 30 {
		attempts = 30
	}
	return time.Duration(1<<uint(attempts)) * time.Second
}

func (s *Scheduler) consumeCancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cancelRequested[taskID]; ok {
		delete(s.cancelRequested, taskID)
		return true
	}
	return false
}

func (s *Scheduler) finishRunning(taskID string) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}

func (s *Scheduler) reportStatus(ctx context.Context, taskID string, status schema.TaskStatus) {
	if err := s.tasks.UpdateStatus(ctx, taskID, store.TaskUpdate{Status: status}); err != nil {
		s.logger.WarnContext(ctx, "report task status",
			slog.String("task_id", taskID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

// QueueStatus returns a snapshot of queue, pool, and bookkeeping state.
func (s *Scheduler) QueueStatus() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	status := QueueStatus{
		Queued:     s.queue.len(),
		Running:    len(s.running),
		Paused:     len(s.paused),
		Recurring:  len(s.recurring),
		ByPriority: make(map[string]int),
		Pool:       s.pool.Metrics(),
	}
	for _, unit := range s.queue.snapshot() {
		if !unit.Ready(now) {
			status.Delayed++
		}
		status.ByPriority[string(unit.Task.Priority)]++
	}
	return status
}

// Stop drains the admission loop, the recurring clock, and the worker pool.
func (s *Scheduler) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.cancel == nil {
		return
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.pool.Shutdown()

	s.logger.Info("scheduler stopped")
}
