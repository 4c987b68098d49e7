package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floworc/floworc/internal/engine"
	"github.com/floworc/floworc/internal/events"
	"github.com/floworc/floworc/internal/processors"
	"github.com/floworc/floworc/internal/scheduler"
	"github.com/floworc/floworc/internal/store"
	"github.com/floworc/floworc/internal/triggers"
	"github.com/floworc/floworc/internal/validator"
	"github.com/floworc/floworc/pkg/schema"
)

// Orchestrator is the single entry point tying the components together:
// templates are validated before they are saved, tasks flow through the
// scheduler into the engine, and triggers fan external events out to both.
type Orchestrator struct {
	templates store.TemplateStore
	tasks     store.TaskStore
	hub       events.Hub
	logger    *slog.Logger

	validator  *validator.Validator
	registry   *processors.Registry
	engine     *engine.Engine
	scheduler  *scheduler.Scheduler
	dispatcher *triggers.Dispatcher
}

// Config holds the orchestrator's tunables, passed through to the scheduler.
type Config struct {
	Scheduler scheduler.Config
}

// New wires an Orchestrator from its stores, processor registry, and hub.
func New(templates store.TemplateStore, tasks store.TaskStore, registry *processors.Registry, hub events.Hub, logger *slog.Logger, cfg Config) (*Orchestrator, error) {
	v, err := validator.New()
	if err != nil {
		return nil, err
	}

	eng := engine.New(templates, tasks, registry, hub, logger)
	adapter := &engineAdapter{engine: eng, executions: make(map[string]string)}
	sched := scheduler.New(adapter, tasks, hub, logger, cfg.Scheduler)
	disp := triggers.NewDispatcher(templates, tasks, eng, logger)

	return &Orchestrator{
		templates:  templates,
		tasks:      tasks,
		hub:        hub,
		logger:     logger,
		validator:  v,
		registry:   registry,
		engine:     eng,
		scheduler:  sched,
		dispatcher: disp,
	}, nil
}

// Start launches the scheduler loop and the trigger schedule clock.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.scheduler.Start(ctx); err != nil {
		return err
	}
	o.dispatcher.Start()
	return nil
}

// Stop drains everything: no new admissions, in-flight work completes.
func (o *Orchestrator) Stop() {
	o.dispatcher.Stop()
	o.scheduler.Stop()
}

// SaveTemplate validates the template and, when structurally valid, persists
// it and registers its triggers. Warnings do not block the save.
func (o *Orchestrator) SaveTemplate(ctx context.Context, template *schema.WorkflowTemplate) (*schema.WorkflowValidationResult, error) {
	result := o.validator.Validate(template)
	if !result.IsValid {
		return result, result.ToError()
	}

	if err := o.templates.Save(ctx, template); err != nil {
		return result, err
	}

	if template.Active {
		for _, trigger := range template.Triggers {
			if err := o.dispatcher.RegisterTrigger(template.ID, trigger); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

// DeactivateTemplate clears the template's active flag and unregisters all
// its triggers. The template itself is retained.
func (o *Orchestrator) DeactivateTemplate(ctx context.Context, templateID string) error {
	template, err := o.templates.FindByID(ctx, templateID)
	if err != nil {
		return err
	}
	if err := o.templates.Deactivate(ctx, templateID); err != nil {
		return err
	}
	for _, trigger := range template.Triggers {
		o.dispatcher.UnregisterTrigger(templateID, trigger.Type)
	}
	return nil
}

// ValidateTemplate runs structural validation without persisting anything.
func (o *Orchestrator) ValidateTemplate(template *schema.WorkflowTemplate) *schema.WorkflowValidationResult {
	return o.validator.Validate(template)
}

// ScheduleTask creates the task and submits it for admission. The optional
// numeric priority overrides the score derived from the task's priority level.
func (o *Orchestrator) ScheduleTask(ctx context.Context, task *schema.Task, priority ...int) (string, error) {
	if err := o.prepareTask(ctx, task); err != nil {
		return "", err
	}
	o.scheduler.Submit(ctx, task, priority...)
	return task.ID, nil
}

// ScheduleTaskDelayed creates the task and defers its admission by delay.
func (o *Orchestrator) ScheduleTaskDelayed(ctx context.Context, task *schema.Task, delay time.Duration) (string, error) {
	if err := o.prepareTask(ctx, task); err != nil {
		return "", err
	}
	o.scheduler.SubmitDelayed(ctx, task, delay)
	return task.ID, nil
}

// ScheduleRecurring registers a cron-driven generator that submits a fresh
// instance of the task on each firing.
func (o *Orchestrator) ScheduleRecurring(ctx context.Context, task *schema.Task, cronExpr string) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := o.scheduler.SubmitRecurring(ctx, task, cronExpr); err != nil {
		return "", err
	}
	return task.ID, nil
}

// RemoveRecurring unregisters a recurring generator.
func (o *Orchestrator) RemoveRecurring(taskID string) bool {
	return o.scheduler.RemoveRecurring(taskID)
}

func (o *Orchestrator) prepareTask(ctx context.Context, task *schema.Task) error {
	if task.TemplateID != "" {
		if _, err := o.templates.FindByID(ctx, task.TemplateID); err != nil {
			return err
		}
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Priority == "" {
		task.Priority = schema.PriorityMedium
	}
	task.Status = schema.TaskStatusPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	return o.tasks.Create(ctx, task)
}

// CancelTask cancels a queued task, or requests cooperative cancellation of a
// running one. Returns false for tasks the scheduler does not know.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) bool {
	return o.scheduler.Cancel(ctx, taskID)
}

// PauseTask removes a queued task from admission until resumed.
func (o *Orchestrator) PauseTask(ctx context.Context, taskID string) bool {
	return o.scheduler.Pause(ctx, taskID)
}

// ResumeTask re-admits a paused task.
func (o *Orchestrator) ResumeTask(ctx context.Context, taskID string) bool {
	return o.scheduler.Resume(ctx, taskID)
}

// GetTask returns the task's current record.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*schema.Task, error) {
	return o.tasks.Get(ctx, taskID)
}

// QueueStatus reports the scheduler's queue, pool, and bookkeeping state.
func (o *Orchestrator) QueueStatus() scheduler.QueueStatus {
	return o.scheduler.QueueStatus()
}

// ExecuteWorkflow starts an execution directly, bypassing queue admission.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, templateID, taskID string, initialContext map[string]any) (string, error) {
	return o.engine.ExecuteWorkflow(ctx, templateID, taskID, initialContext)
}

// PauseWorkflow requests a cooperative pause of a running execution.
func (o *Orchestrator) PauseWorkflow(ctx context.Context, executionID string) error {
	return o.engine.PauseWorkflow(ctx, executionID)
}

// ResumeWorkflow restarts a paused execution from its current step.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, executionID string) error {
	return o.engine.ResumeWorkflow(ctx, executionID)
}

// CancelExecution requests cooperative cancellation of an execution.
func (o *Orchestrator) CancelExecution(ctx context.Context, executionID string) error {
	return o.engine.CancelExecution(ctx, executionID)
}

// GetExecution returns a snapshot of one execution.
func (o *Orchestrator) GetExecution(executionID string) (*schema.WorkflowExecution, error) {
	return o.engine.GetExecution(executionID)
}

// GetAllExecutions returns snapshots of all tracked executions.
func (o *Orchestrator) GetAllExecutions() []*schema.WorkflowExecution {
	return o.engine.GetAllExecutions()
}

// ExecutionsByStatus returns snapshots of executions in the given status.
func (o *Orchestrator) ExecutionsByStatus(status schema.ExecutionStatus) []*schema.WorkflowExecution {
	return o.engine.ExecutionsByStatus(status)
}

// WaitForExecution blocks until the execution reaches a terminal status.
func (o *Orchestrator) WaitForExecution(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	return o.engine.Wait(ctx, executionID)
}

// RegisterTrigger adds one trigger registration for a template.
func (o *Orchestrator) RegisterTrigger(templateID string, trigger schema.TriggerCondition) error {
	return o.dispatcher.RegisterTrigger(templateID, trigger)
}

// UnregisterTrigger removes the template's trigger of the given type.
func (o *Orchestrator) UnregisterTrigger(templateID string, triggerType schema.TriggerType) {
	o.dispatcher.UnregisterTrigger(templateID, triggerType)
}

// ProcessTriggerEvent matches an inbound event against registered triggers
// and returns the execution IDs it produced.
func (o *Orchestrator) ProcessTriggerEvent(ctx context.Context, event schema.TriggerEvent) ([]string, error) {
	return o.dispatcher.ProcessTriggerEvent(ctx, event)
}

// HandleWebhookRequest turns an inbound webhook call into executions.
func (o *Orchestrator) HandleWebhookRequest(ctx context.Context, endpoint string, body []byte, headers map[string]string) ([]string, error) {
	return o.dispatcher.HandleWebhookRequest(ctx, endpoint, body, headers)
}

// TriggerManual starts a template directly with the given input.
func (o *Orchestrator) TriggerManual(ctx context.Context, templateID string, input map[string]any) (string, error) {
	return o.dispatcher.TriggerManual(ctx, templateID, input)
}

// RefreshTriggers rebuilds all trigger registrations from the active templates.
func (o *Orchestrator) RefreshTriggers(ctx context.Context) error {
	return o.dispatcher.RefreshTriggers(ctx)
}

// Subscribe attaches a filtered listener to the event hub.
func (o *Orchestrator) Subscribe(ctx context.Context, filter events.Filter) (<-chan events.Event, func(), error) {
	return o.hub.Subscribe(ctx, filter)
}

// engineAdapter bridges the scheduler's Executor to the engine: an admitted
// task becomes one execution, run to a terminal status. It tracks the
// task-to-execution mapping so a task-level cancel reaches the right run.
type engineAdapter struct {
	engine *engine.Engine

	mu         sync.Mutex
	executions map[string]string // taskID → executionID
}

func (a *engineAdapter) Execute(ctx context.Context, task *schema.Task) error {
	initialContext := map[string]any{}
	if task.Input != nil {
		initialContext["input"] = task.Input
	}

	execID, err := a.engine.ExecuteWorkflow(ctx, task.TemplateID, task.ID, initialContext)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.executions[task.ID] = execID
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.executions, task.ID)
		a.mu.Unlock()
	}()

	exec, err := a.engine.Wait(ctx, execID)
	if err != nil {
		return err
	}

	switch exec.Status {
	case schema.ExecutionStatusFailed:
		if exec.Error != nil {
			return exec.Error
		}
		return schema.NewErrorf(schema.ErrCodeExecution, "execution %s failed", execID)
	case schema.ExecutionStatusCancelled:
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
	default:
		return nil
	}
}

func (a *engineAdapter) CancelTask(ctx context.Context, taskID string) error {
	a.mu.Lock()
	execID, ok := a.executions[taskID]
	a.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no running execution for task %s", taskID)
	}
	return a.engine.CancelExecution(ctx, execID)
}
