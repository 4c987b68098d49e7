package store

import (
	"context"

	"github.com/floworc/floworc/pkg/schema"
)

// TaskStore is the task persistence collaborator. The orchestration core
// reports every externally visible task status transition through it.
type TaskStore interface {
	Create(ctx context.Context, task *schema.Task) error
	Get(ctx context.Context, taskID string) (*schema.Task, error)
	UpdateStatus(ctx context.Context, taskID string, update TaskUpdate) error
	List(ctx context.Context) ([]*schema.Task, error)
}

// TaskUpdate carries the mutable fields of a task status transition.
// Nil pointers leave the corresponding field untouched.
type TaskUpdate struct {
	Status schema.TaskStatus
	Output map[string]any
	Error  *string
}

// TemplateStore is the template persistence collaborator.
type TemplateStore interface {
	FindByID(ctx context.Context, templateID string) (*schema.WorkflowTemplate, error)
	FindActive(ctx context.Context) ([]*schema.WorkflowTemplate, error)
	Save(ctx context.Context, template *schema.WorkflowTemplate) error
	Deactivate(ctx context.Context, templateID string) error
}
