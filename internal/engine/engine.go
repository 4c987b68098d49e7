package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/floworc/floworc/internal/events"
	"github.com/floworc/floworc/internal/logging"
	"github.com/floworc/floworc/internal/processors"
	"github.com/floworc/floworc/internal/store"
	"github.com/floworc/floworc/pkg/schema"
)

// Engine is the step-sequencing state machine. It runs one execution per
// triggered task: steps in ascending order, inter-step dependencies honored,
// per-step timeout and retry, cooperative pause/resume and cancellation.
//
// Executions live only in process memory. The Engine is the sole writer to
// an execution's context for the lifetime of that execution; many executions
// may run concurrently, each with a private context, so no cross-execution
// locking is needed.
type Engine struct {
	templates store.TemplateStore
	tasks     store.TaskStore
	registry  *processors.Registry
	hub       events.Hub
	logger    *slog.Logger

	mu   sync.RWMutex
	runs map[string]*run
}

// run tracks one in-flight execution with its control state.
type run struct {
	mu    sync.Mutex
	exec  *schema.WorkflowExecution
	steps []schema.WorkflowStep // sorted ascending by Order

	cancelled atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
}

// New creates an Engine.
func New(templates store.TemplateStore, tasks store.TaskStore, registry *processors.Registry, hub events.Hub, logger *slog.Logger) *Engine {
	return &Engine{
		templates: templates,
		tasks:     tasks,
		registry:  registry,
		hub:       hub,
		logger:    logger,
		runs:      make(map[string]*run),
	}
}

// ExecuteWorkflow validates that the template and task exist, builds the
// execution, and returns its ID immediately; step processing continues
// asynchronously. Callers observe the outcome via GetExecution, Wait, or
// the event hub — never a blocking error from this call.
func (e *Engine) ExecuteWorkflow(ctx context.Context, templateID, taskID string, initialContext map[string]any) (string, error) {
	template, err := e.templates.FindByID(ctx, templateID)
	if err != nil {
		return "", err
	}
	if _, err := e.tasks.Get(ctx, taskID); err != nil {
		return "", err
	}

	steps := make([]schema.WorkflowStep, len(template.Steps))
	copy(steps, template.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	execCtx := make(map[string]any, len(initialContext)+2)
	for k, v := range initialContext {
		execCtx[k] = v
	}
	execCtx["taskId"] = taskID

	r := &run{
		exec: &schema.WorkflowExecution{
			ID:         uuid.NewString(),
			TemplateID: templateID,
			TaskID:     taskID,
			Status:     schema.ExecutionStatusRunning,
			Context:    execCtx,
			StartedAt:  time.Now().UTC(),
		},
		steps: steps,
		done:  make(chan struct{}),
	}

	e.mu.Lock()
	e.runs[r.exec.ID] = r
	e.mu.Unlock()

	// Fire and continue: the run outlives the caller's request context.
	runCtx := logging.WithExecutionID(context.WithoutCancel(ctx), r.exec.ID)
	runCtx = logging.WithTaskID(runCtx, taskID)
	go e.runSteps(runCtx, r)

	return r.exec.ID, nil
}

// runSteps drives the step loop from the execution's current step cursor.
// Called once at start and again on each resume.
func (e *Engine) runSteps(ctx context.Context, r *run) {
	steps := r.steps

	for {
		r.mu.Lock()
		i := r.exec.CurrentStep
		if i >= len(steps) {
			r.mu.Unlock()
			break
		}
		if r.exec.Status == schema.ExecutionStatusPaused {
			r.mu.Unlock()
			return // resume restarts the loop from CurrentStep
		}
		r.mu.Unlock()

		if r.cancelled.Load() {
			e.finish(ctx, r, schema.ExecutionStatusCancelled, schema.NewError(schema.ErrCodeCancelled, "execution cancelled"))
			return
		}

		step := &steps[i]
		stepCtx := logging.WithStepID(ctx, step.ID)

		// Dependencies are a structural property: a missing result means the
		// template ordering is wrong, so no retry.
		if missing := e.unmetDependencies(r, step); missing != "" {
			e.finish(ctx, r, schema.ExecutionStatusFailed,
				schema.NewErrorf(schema.ErrCodeDependencyNotMet,
					"dependencies not met for step %s: no result for %s", step.ID, missing).WithStep(step.ID))
			return
		}

		result, err := e.executeStepWithRetry(stepCtx, r, step)
		if err != nil {
			e.finish(ctx, r, schema.ExecutionStatusFailed, toFlowError(err, step.ID))
			return
		}

		r.mu.Lock()
		r.exec.Context[step.ID] = result
		r.exec.Context[schema.ContextKeyLastResult] = result
		if i+1 < len(steps) {
			r.exec.CurrentStep = i + 1
		}
		r.mu.Unlock()

		_ = e.hub.Publish(ctx, events.Event{
			Type:        schema.EventStepCompleted,
			ExecutionID: r.exec.ID,
			TaskID:      r.exec.TaskID,
			StepID:      step.ID,
			Payload:     result,
		})
		e.logger.InfoContext(stepCtx, "step completed", slog.String("step", step.ID))

		if i+1 >= len(steps) {
			break
		}
	}

	e.finish(ctx, r, schema.ExecutionStatusCompleted, nil)
}

// unmetDependencies returns the first dependency step ID without a recorded
// result, or "" when all are satisfied.
func (e *Engine) unmetDependencies(r *run, step *schema.WorkflowStep) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range step.DependsOn {
		if _, ok := r.exec.Context[dep]; !ok {
			return dep
		}
	}
	return ""
}

// executeStepWithRetry runs one step up to its attempt budget, waiting
// 2^attempt seconds between attempts. Cancellation is checked before each
// attempt; non-retryable errors abort immediately.
func (e *Engine) executeStepWithRetry(ctx context.Context, r *run, step *schema.WorkflowStep) (map[string]any, error) {
	processor, err := e.registry.Get(step.Type)
	if err != nil {
		return nil, err
	}

	attempts := step.RetriesOrDefault()
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if r.cancelled.Load() {
			return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithStep(step.ID)
		}
		if attempt > 1 {
			if err := WaitForBackoff(ctx, Backoff(attempt-1)); err != nil {
				return nil, err
			}
		}

		result, err := e.executeOnce(ctx, processor, r, step)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			break
		}
		e.logger.WarnContext(ctx, "step attempt failed",
			slog.String("step", step.ID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("error", err.Error()),
		)
	}

	return nil, lastErr
}

// executeOnce races the processor call against the step timeout. The
// processor gets a private clone of the execution context: a timed-out
// attempt is abandoned, not stopped, and the leaked goroutine must never
// share the map the step loop keeps writing to.
func (e *Engine) executeOnce(ctx context.Context, processor processors.StepProcessor, r *run, step *schema.WorkflowStep) (map[string]any, error) {
	stepCtx, cancel := context.WithTimeout(ctx, step.TimeoutOrDefault())
	defer cancel()

	r.mu.Lock()
	execCtx := cloneContext(r.exec.Context)
	r.mu.Unlock()

	type outcome struct {
		result map[string]any
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: schema.NewErrorf(schema.ErrCodeExecution, "processor panic: %v", rec).WithStep(step.ID)}
			}
		}()
		result, err := processor.Execute(stepCtx, step, execCtx)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-stepCtx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "step %s timed out after %s", step.ID, step.TimeoutOrDefault()).
			WithStep(step.ID).WithCause(stepCtx.Err())
	}
}

// finish records a terminal status, writes the outcome back to the task,
// emits the corresponding event, and releases waiters. Idempotent.
func (e *Engine) finish(ctx context.Context, r *run, status schema.ExecutionStatus, ferr *schema.FlowError) {
	r.mu.Lock()
	if r.exec.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	r.exec.Status = status
	r.exec.CompletedAt = &now
	r.exec.Error = ferr
	output := cloneContext(r.exec.Context)
	taskID := r.exec.TaskID
	execID := r.exec.ID
	r.mu.Unlock()

	switch status {
	case schema.ExecutionStatusCompleted:
		if err := e.tasks.UpdateStatus(ctx, taskID, store.TaskUpdate{
			Status: schema.TaskStatusCompleted,
			Output: output,
		}); err != nil {
			e.logger.ErrorContext(ctx, "record task output", slog.String("error", err.Error()))
		}
		_ = e.hub.Publish(ctx, events.Event{Type: schema.EventWorkflowCompleted, ExecutionID: execID, TaskID: taskID})
		e.logger.InfoContext(ctx, "workflow completed")

	case schema.ExecutionStatusFailed:
		msg := ferr.Error()
		if err := e.tasks.UpdateStatus(ctx, taskID, store.TaskUpdate{
			Status: schema.TaskStatusFailed,
			Error:  &msg,
		}); err != nil {
			e.logger.ErrorContext(ctx, "record task failure", slog.String("error", err.Error()))
		}
		_ = e.hub.Publish(ctx, events.Event{Type: schema.EventWorkflowFailed, ExecutionID: execID, TaskID: taskID, Payload: ferr})
		e.logger.ErrorContext(ctx, "workflow failed", slog.String("error", msg))

	case schema.ExecutionStatusCancelled:
		if err := e.tasks.UpdateStatus(ctx, taskID, store.TaskUpdate{Status: schema.TaskStatusCancelled}); err != nil {
			e.logger.ErrorContext(ctx, "record task cancellation", slog.String("error", err.Error()))
		}
		_ = e.hub.Publish(ctx, events.Event{Type: schema.EventWorkflowCancelled, ExecutionID: execID, TaskID: taskID})
		e.logger.InfoContext(ctx, "workflow cancelled")
	}

	r.doneOnce.Do(func() { close(r.done) })
}

// PauseWorkflow requests a cooperative pause. The in-flight step is not
// interrupted; the loop observes the status before starting the next step.
func (e *Engine) PauseWorkflow(ctx context.Context, executionID string) error {
	r, err := e.run(executionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.exec.Status != schema.ExecutionStatusRunning {
		status := r.exec.Status
		r.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "cannot pause execution in status %s", status)
	}
	r.exec.Status = schema.ExecutionStatusPaused
	taskID := r.exec.TaskID
	r.mu.Unlock()

	if err := e.tasks.UpdateStatus(ctx, taskID, store.TaskUpdate{Status: schema.TaskStatusPaused}); err != nil {
		e.logger.ErrorContext(ctx, "record task pause", slog.String("error", err.Error()))
	}
	_ = e.hub.Publish(ctx, events.Event{Type: schema.EventWorkflowPaused, ExecutionID: executionID, TaskID: taskID})
	return nil
}

// ResumeWorkflow restarts a paused execution's step loop from the current
// step cursor, not from the beginning.
func (e *Engine) ResumeWorkflow(ctx context.Context, executionID string) error {
	r, err := e.run(executionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.exec.Status != schema.ExecutionStatusPaused {
		status := r.exec.Status
		r.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "cannot resume execution in status %s", status)
	}
	r.exec.Status = schema.ExecutionStatusRunning
	taskID := r.exec.TaskID
	r.mu.Unlock()

	if err := e.tasks.UpdateStatus(ctx, taskID, store.TaskUpdate{Status: schema.TaskStatusInProgress}); err != nil {
		e.logger.ErrorContext(ctx, "record task resume", slog.String("error", err.Error()))
	}
	_ = e.hub.Publish(ctx, events.Event{Type: schema.EventWorkflowResumed, ExecutionID: executionID, TaskID: taskID})

	runCtx := logging.WithExecutionID(context.WithoutCancel(ctx), executionID)
	runCtx = logging.WithTaskID(runCtx, taskID)
	go e.runSteps(runCtx, r)
	return nil
}

// CancelExecution flags the execution for cooperative cancellation. The flag
// is observed before the next step and before each retry attempt.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) error {
	r, err := e.run(executionID)
	if err != nil {
		return err
	}

	r.cancelled.Store(true)

	// A paused execution has no loop running to observe the flag.
	r.mu.Lock()
	paused := r.exec.Status == schema.ExecutionStatusPaused
	r.mu.Unlock()
	if paused {
		e.finish(ctx, r, schema.ExecutionStatusCancelled, schema.NewError(schema.ErrCodeCancelled, "execution cancelled while paused"))
	}
	return nil
}

// GetExecution returns a snapshot of the execution.
func (e *Engine) GetExecution(executionID string) (*schema.WorkflowExecution, error) {
	r, err := e.run(executionID)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// GetAllExecutions returns snapshots of every tracked execution.
func (e *Engine) GetAllExecutions() []*schema.WorkflowExecution {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	out := make([]*schema.WorkflowExecution, len(runs))
	for i, r := range runs {
		out[i] = r.snapshot()
	}
	return out
}

// ExecutionsByStatus returns snapshots of executions currently in the given
// status.
func (e *Engine) ExecutionsByStatus(status schema.ExecutionStatus) []*schema.WorkflowExecution {
	var out []*schema.WorkflowExecution
	for _, exec := range e.GetAllExecutions() {
		if exec.Status == status {
			out = append(out, exec)
		}
	}
	return out
}

// Wait blocks until the execution reaches a terminal status or the context
// is cancelled, then returns a snapshot.
func (e *Engine) Wait(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	r, err := e.run(executionID)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) run(executionID string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[executionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", executionID)
	}
	return r, nil
}

func (r *run) snapshot() *schema.WorkflowExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.exec
	cp.Context = cloneContext(r.exec.Context)
	return &cp
}

func cloneContext(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toFlowError(err error, stepID string) *schema.FlowError {
	if ferr, ok := err.(*schema.FlowError); ok {
		return ferr
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "%s", err.Error()).WithStep(stepID).WithCause(err)
}
