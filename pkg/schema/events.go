package schema

// Lifecycle event types published on the event hub.
const (
	EventTaskScheduled = "task_scheduled"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskCancelled = "task_cancelled"
	EventTaskRetrying  = "task_retrying"

	EventStepCompleted = "step_completed"

	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowPaused    = "workflow_paused"
	EventWorkflowResumed   = "workflow_resumed"
	EventWorkflowCancelled = "workflow_cancelled"
)

// TaskStatus represents the externally visible lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusPaused     TaskStatus = "paused"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// ValidExecutionTransitions defines the allowed execution state changes.
var ValidExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusRunning:   {ExecutionStatusPaused, ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled},
	ExecutionStatusPaused:    {ExecutionStatusRunning, ExecutionStatusFailed, ExecutionStatusCancelled},
	ExecutionStatusCompleted: {},
	ExecutionStatusFailed:    {},
	ExecutionStatusCancelled: {},
}

// CanTransition reports whether from → to is an allowed execution transition.
func CanTransition(from, to ExecutionStatus) bool {
	for _, t := range ValidExecutionTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
