package triggers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/floworc/floworc/internal/store"
	"github.com/floworc/floworc/pkg/schema"
)

// WorkflowRunner is the interface the dispatcher uses to start executions.
// Satisfied by the engine (avoids an import cycle).
type WorkflowRunner interface {
	ExecuteWorkflow(ctx context.Context, templateID, taskID string, initialContext map[string]any) (string, error)
}

// Dispatcher owns the mapping from external events to templates and turns a
// matched event into a new task plus execution. It is the only writer to the
// trigger registrations.
type Dispatcher struct {
	templates store.TemplateStore
	tasks     store.TaskStore
	runner    WorkflowRunner
	logger    *slog.Logger
	cron      *cron.Cron

	mu        sync.RWMutex
	webhooks  map[string]string                        // endpoint → templateID
	schedules map[string]cron.EntryID                  // templateID → cron entry
	listeners map[schema.TriggerType]map[string]string // type → templateID → pattern
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(templates store.TemplateStore, tasks store.TaskStore, runner WorkflowRunner, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		templates: templates,
		tasks:     tasks,
		runner:    runner,
		logger:    logger,
		cron:      cron.New(),
		webhooks:  make(map[string]string),
		schedules: make(map[string]cron.EntryID),
		listeners: map[schema.TriggerType]map[string]string{
			schema.TriggerEmailReceived: {},
			schema.TriggerFileUploaded:  {},
		},
	}
}

// Start begins firing schedule triggers.
func (d *Dispatcher) Start() {
	d.cron.Start()
}

// Stop halts the schedule clock, waiting for in-flight firings.
func (d *Dispatcher) Stop() {
	ctx := d.cron.Stop()
	<-ctx.Done()
}

// RegisterTrigger records one trigger for a template. Schedule triggers
// validate their cron expression and install a periodic firing; webhook
// triggers claim an endpoint; email and file triggers subscribe a pattern
// listener; manual triggers need no registration.
func (d *Dispatcher) RegisterTrigger(templateID string, trigger schema.TriggerCondition) error {
	switch trigger.Type {
	case schema.TriggerSchedule:
		if _, err := cron.ParseStandard(trigger.Cron); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"invalid cron expression %q for template %s: %s", trigger.Cron, templateID, err.Error()).WithCause(err)
		}
		entryID, err := d.cron.AddFunc(trigger.Cron, func() {
			d.fireSchedule(templateID)
		})
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "register schedule: %s", err.Error()).WithCause(err)
		}
		d.mu.Lock()
		if old, ok := d.schedules[templateID]; ok {
			d.cron.Remove(old)
		}
		d.schedules[templateID] = entryID
		d.mu.Unlock()

	case schema.TriggerWebhook:
		if trigger.Endpoint == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "webhook trigger for template %s has no endpoint", templateID)
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if owner, ok := d.webhooks[trigger.Endpoint]; ok && owner != templateID {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"endpoint %s already registered to template %s", trigger.Endpoint, owner)
		}
		d.webhooks[trigger.Endpoint] = templateID

	case schema.TriggerEmailReceived:
		d.mu.Lock()
		d.listeners[schema.TriggerEmailReceived][templateID] = trigger.EmailPattern
		d.mu.Unlock()

	case schema.TriggerFileUploaded:
		d.mu.Lock()
		d.listeners[schema.TriggerFileUploaded][templateID] = trigger.FilePattern
		d.mu.Unlock()

	case schema.TriggerManual:
		// Nothing to register.

	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger type %q", trigger.Type)
	}
	return nil
}

// UnregisterTrigger removes the template's trigger of the given type.
// Listener-based types are bookkeeping only; manual is a no-op.
func (d *Dispatcher) UnregisterTrigger(templateID string, triggerType schema.TriggerType) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch triggerType {
	case schema.TriggerSchedule:
		if entryID, ok := d.schedules[templateID]; ok {
			d.cron.Remove(entryID)
			delete(d.schedules, templateID)
		}
	case schema.TriggerWebhook:
		for endpoint, owner := range d.webhooks {
			if owner == templateID {
				delete(d.webhooks, endpoint)
			}
		}
	case schema.TriggerEmailReceived, schema.TriggerFileUploaded:
		delete(d.listeners[triggerType], templateID)
	}
}

// RefreshTriggers drops all registrations and rebuilds them from the active
// templates in the store.
func (d *Dispatcher) RefreshTriggers(ctx context.Context) error {
	templates, err := d.templates.FindActive(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	for _, entryID := range d.schedules {
		d.cron.Remove(entryID)
	}
	d.schedules = make(map[string]cron.EntryID)
	d.webhooks = make(map[string]string)
	d.listeners = map[schema.TriggerType]map[string]string{
		schema.TriggerEmailReceived: {},
		schema.TriggerFileUploaded:  {},
	}
	d.mu.Unlock()

	for _, tpl := range templates {
		for _, trigger := range tpl.Triggers {
			if err := d.RegisterTrigger(tpl.ID, trigger); err != nil {
				d.logger.Warn("skipping trigger during refresh",
					slog.String("template_id", tpl.ID),
					slog.String("type", string(trigger.Type)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return nil
}

// ProcessTriggerEvent matches the event against all active templates'
// registered triggers of the event's type and starts one execution per
// match. Returns the execution IDs produced — zero or more per event.
func (d *Dispatcher) ProcessTriggerEvent(ctx context.Context, event schema.TriggerEvent) ([]string, error) {
	templates, err := d.templates.FindActive(ctx)
	if err != nil {
		return nil, err
	}

	var executionIDs []string
	for _, tpl := range templates {
		if !d.matches(tpl, event) {
			continue
		}
		execID, err := d.dispatch(ctx, tpl, event)
		if err != nil {
			d.logger.ErrorContext(ctx, "dispatch trigger event",
				slog.String("template_id", tpl.ID),
				slog.String("event_type", string(event.Type)),
				slog.String("error", err.Error()),
			)
			continue
		}
		executionIDs = append(executionIDs, execID)
	}
	return executionIDs, nil
}

// HandleWebhookRequest resolves the endpoint to its template, synthesizes a
// webhook trigger event from the request, and delegates to
// ProcessTriggerEvent. Unknown endpoints are a not-found error.
func (d *Dispatcher) HandleWebhookRequest(ctx context.Context, endpoint string, body []byte, headers map[string]string) ([]string, error) {
	d.mu.RLock()
	_, known := d.webhooks[endpoint]
	d.mu.RUnlock()
	if !known {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no webhook registered for endpoint %s", endpoint)
	}

	payload := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			// Opaque non-JSON bodies still flow through.
			payload = map[string]any{"raw": string(body)}
		}
	}

	event := schema.TriggerEvent{
		ID:         uuid.NewString(),
		Type:       schema.TriggerWebhook,
		Endpoint:   endpoint,
		Payload:    payload,
		Headers:    headers,
		OccurredAt: time.Now().UTC(),
	}
	return d.ProcessTriggerEvent(ctx, event)
}

// TriggerManual starts the template directly with the given input, no
// registration required.
func (d *Dispatcher) TriggerManual(ctx context.Context, templateID string, input map[string]any) (string, error) {
	tpl, err := d.templates.FindByID(ctx, templateID)
	if err != nil {
		return "", err
	}
	if !tpl.Active {
		return "", schema.NewErrorf(schema.ErrCodeConflict, "template %s is not active", templateID)
	}

	event := schema.TriggerEvent{
		ID:         uuid.NewString(),
		Type:       schema.TriggerManual,
		Payload:    input,
		OccurredAt: time.Now().UTC(),
	}
	return d.dispatch(ctx, tpl, event)
}

// fireSchedule handles one cron firing for a template. The template is
// re-read so a deactivation between firings is honored.
func (d *Dispatcher) fireSchedule(templateID string) {
	ctx := context.Background()

	tpl, err := d.templates.FindByID(ctx, templateID)
	if err != nil || !tpl.Active {
		return
	}

	event := schema.TriggerEvent{
		ID:         uuid.NewString(),
		Type:       schema.TriggerSchedule,
		Payload:    map[string]any{"template_id": templateID},
		OccurredAt: time.Now().UTC(),
	}
	if _, err := d.dispatch(ctx, tpl, event); err != nil {
		d.logger.Error("dispatch scheduled trigger",
			slog.String("template_id", templateID),
			slog.String("error", err.Error()),
		)
	}
}

// matches checks whether the template's registered trigger of the event's
// type matches the event payload.
func (d *Dispatcher) matches(tpl *schema.WorkflowTemplate, event schema.TriggerEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch event.Type {
	case schema.TriggerWebhook:
		return d.webhooks[event.Endpoint] == tpl.ID

	case schema.TriggerEmailReceived, schema.TriggerFileUploaded:
		pattern, registered := d.listeners[event.Type][tpl.ID]
		if !registered {
			return false
		}
		return matchPattern(pattern, event.Payload)

	case schema.TriggerSchedule, schema.TriggerManual:
		// Schedule firings and manual events carry the target template.
		id, _ := event.Payload["template_id"].(string)
		return id == tpl.ID

	default:
		return false
	}
}

// dispatch creates a task carrying the event as input and starts an execution.
func (d *Dispatcher) dispatch(ctx context.Context, tpl *schema.WorkflowTemplate, event schema.TriggerEvent) (string, error) {
	task := &schema.Task{
		ID:         uuid.NewString(),
		TemplateID: tpl.ID,
		Name:       fmt.Sprintf("%s (%s)", tpl.Name, event.Type),
		Priority:   schema.PriorityMedium,
		Status:     schema.TaskStatusPending,
		Input:      event.Payload,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.tasks.Create(ctx, task); err != nil {
		return "", err
	}

	initialContext := map[string]any{
		"input":                       event.Payload,
		schema.ContextKeyTriggerEvent: triggerEventContext(event),
	}
	execID, err := d.runner.ExecuteWorkflow(ctx, tpl.ID, task.ID, initialContext)
	if err != nil {
		// The execution never started; the task must not linger as pending.
		msg := err.Error()
		if uerr := d.tasks.UpdateStatus(ctx, task.ID, store.TaskUpdate{Status: schema.TaskStatusFailed, Error: &msg}); uerr != nil {
			d.logger.ErrorContext(ctx, "record dispatch failure",
				slog.String("task_id", task.ID),
				slog.String("error", uerr.Error()),
			)
		}
		return "", err
	}

	d.logger.InfoContext(ctx, "trigger dispatched",
		slog.String("template_id", tpl.ID),
		slog.String("task_id", task.ID),
		slog.String("execution_id", execID),
		slog.String("event_type", string(event.Type)),
	)
	return execID, nil
}

// triggerEventContext flattens the event into a plain map so conditions can
// read fields like context.triggerEvent.type.
func triggerEventContext(event schema.TriggerEvent) map[string]any {
	out := map[string]any{
		"id":   event.ID,
		"type": string(event.Type),
	}
	if event.Endpoint != "" {
		out["endpoint"] = event.Endpoint
	}
	if event.Payload != nil {
		out["payload"] = event.Payload
	}
	if len(event.Headers) > 0 {
		headers := make(map[string]any, len(event.Headers))
		for k, v := range event.Headers {
			headers[k] = v
		}
		out["headers"] = headers
	}
	return out
}

// matchPattern tests the pattern against every string value in the payload.
// A valid pattern is applied as a regular expression; an invalid one falls
// back to a case-insensitive substring match. An empty pattern matches
// every event of the registered type.
func matchPattern(pattern string, payload map[string]any) bool {
	if pattern == "" {
		return true
	}

	re, err := regexp.Compile(pattern)
	for _, v := range payload {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if err == nil {
			if re.MatchString(s) {
				return true
			}
			continue
		}
		if strings.Contains(strings.ToLower(s), strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
