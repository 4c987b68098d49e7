package schema

import "time"

// WorkflowTemplate is a versioned, ordered graph of steps plus the trigger
// definitions that start it. Templates are never hard-deleted; deactivation
// clears the Active flag and unregisters triggers.
type WorkflowTemplate struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Steps       []WorkflowStep     `json:"steps"`
	Triggers    []TriggerCondition `json:"triggers,omitempty"`
	Active      bool               `json:"active"`
	Version     int                `json:"version"`
	CreatedAt   time.Time          `json:"created_at,omitzero"`
	UpdatedAt   time.Time          `json:"updated_at,omitzero"`
}

// WorkflowStep describes a single step in a template. Steps are immutable
// once a template version is published.
type WorkflowStep struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       StepType       `json:"type"`
	Config     map[string]any `json:"config,omitempty"`     // type-specific payload
	DependsOn  []string       `json:"depends_on,omitempty"` // step IDs that must have results first
	Order      int            `json:"order"`
	Timeout    string         `json:"timeout,omitempty"`     // per-attempt bound (e.g. "30s")
	RetryCount int            `json:"retry_count,omitempty"` // attempts per step (default 3)
}

// StepType enumerates the kinds of steps in a template.
type StepType string

const (
	StepTypeAIProcessing  StepType = "ai_processing"
	StepTypeDataTransform StepType = "data_transform"
	StepTypeExternalCall  StepType = "external_call"
	StepTypeUserApproval  StepType = "user_approval"
	StepTypeNotification  StepType = "notification"
	StepTypeConditional   StepType = "conditional"
)

// StepTypes lists all recognized step types.
var StepTypes = []StepType{
	StepTypeAIProcessing,
	StepTypeDataTransform,
	StepTypeExternalCall,
	StepTypeUserApproval,
	StepTypeNotification,
	StepTypeConditional,
}

// DefaultStepTimeout bounds a single step attempt when the step declares none.
const DefaultStepTimeout = 30 * time.Second

// DefaultStepRetries is the per-step attempt budget when the step declares none.
const DefaultStepRetries = 3

// TimeoutOrDefault parses the step timeout, falling back to DefaultStepTimeout
// on empty or malformed values.
func (s *WorkflowStep) TimeoutOrDefault() time.Duration {
	if s.Timeout == "" {
		return DefaultStepTimeout
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil || d <= 0 {
		return DefaultStepTimeout
	}
	return d
}

// RetriesOrDefault returns the step attempt budget.
func (s *WorkflowStep) RetriesOrDefault() int {
	if s.RetryCount <= 0 {
		return DefaultStepRetries
	}
	return s.RetryCount
}

// TriggerType enumerates the external event kinds that can start a template.
type TriggerType string

const (
	TriggerSchedule      TriggerType = "schedule"
	TriggerWebhook       TriggerType = "webhook"
	TriggerEmailReceived TriggerType = "email_received"
	TriggerFileUploaded  TriggerType = "file_uploaded"
	TriggerManual        TriggerType = "manual"
)

// TriggerCondition binds one external event type to its owning template.
// Exactly one of the type-specific fields is meaningful per Type.
type TriggerCondition struct {
	Type         TriggerType `json:"type"`
	Cron         string      `json:"cron,omitempty"`          // schedule
	EmailPattern string      `json:"email_pattern,omitempty"` // email_received
	FilePattern  string      `json:"file_pattern,omitempty"`  // file_uploaded
	Endpoint     string      `json:"endpoint,omitempty"`      // webhook
}

// TriggerEvent is an inbound external event to be matched against registered
// triggers. Payload is opaque to the core beyond pattern matching.
type TriggerEvent struct {
	ID         string            `json:"id"`
	Type       TriggerType       `json:"type"`
	Payload    map[string]any    `json:"payload,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Endpoint   string            `json:"endpoint,omitempty"` // webhook only
	OccurredAt time.Time         `json:"occurred_at,omitzero"`
}

// TaskPriority is the 4-level priority assigned to a task at submission.
type TaskPriority string

const (
	PriorityUrgent TaskPriority = "urgent"
	PriorityHigh   TaskPriority = "high"
	PriorityMedium TaskPriority = "medium"
	PriorityLow    TaskPriority = "low"
)

// Score maps a priority to its fixed numeric admission score.
// Unknown priorities score as medium.
func (p TaskPriority) Score() int {
	switch p {
	case PriorityUrgent:
		return 1000
	case PriorityHigh:
		return 750
	case PriorityMedium:
		return 500
	case PriorityLow:
		return 250
	default:
		return 500
	}
}

// Task is a unit of work: the thing the Scheduler admits and the Engine
// executes against a template.
type Task struct {
	ID         string         `json:"id"`
	TemplateID string         `json:"template_id"`
	Name       string         `json:"name,omitempty"`
	Priority   TaskPriority   `json:"priority,omitempty"`
	Status     TaskStatus     `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitzero"`
}

// WorkflowExecution is one run of a template against one task. It lives only
// in process memory for the duration of the run; the Engine is its sole
// writer while the run is live.
type WorkflowExecution struct {
	ID          string          `json:"id"`
	TemplateID  string          `json:"template_id"`
	TaskID      string          `json:"task_id"`
	CurrentStep int             `json:"current_step"`
	Status      ExecutionStatus `json:"status"`
	Context     map[string]any  `json:"context,omitempty"` // step results keyed by step ID, plus lastStepResult
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       *FlowError      `json:"error,omitempty"`
}

// ContextKeyLastResult is the execution context key holding the most recent
// step result.
const ContextKeyLastResult = "lastStepResult"

// ContextKeyTriggerEvent is the execution context key carrying the trigger
// event that produced the task, when one exists.
const ContextKeyTriggerEvent = "triggerEvent"
