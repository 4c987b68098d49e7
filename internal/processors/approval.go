package processors

import (
	"context"

	"github.com/floworc/floworc/pkg/schema"
)

// ApprovalRequest describes a pending human decision created by an approval step.
type ApprovalRequest struct {
	TaskID    string   `json:"task_id"`
	StepID    string   `json:"step_id"`
	Approvers []string `json:"approvers,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// ApprovalStore is the collaborator that records approval requests.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, req ApprovalRequest) (approvalID string, err error)
}

// ApprovalProcessor records a pending approval for the step. It does not
// block on the human decision; downstream steps gate on the recorded ID.
type ApprovalProcessor struct {
	store ApprovalStore
}

// NewApprovalProcessor creates an ApprovalProcessor.
func NewApprovalProcessor(store ApprovalStore) *ApprovalProcessor {
	return &ApprovalProcessor{store: store}
}

func (p *ApprovalProcessor) Type() schema.StepType {
	return schema.StepTypeUserApproval
}

func (p *ApprovalProcessor) Execute(ctx context.Context, step *schema.WorkflowStep, execCtx map[string]any) (map[string]any, error) {
	taskID, _ := execCtx["taskId"].(string)

	id, err := p.store.CreateApproval(ctx, ApprovalRequest{
		TaskID:    taskID,
		StepID:    step.ID,
		Approvers: stringListParam(step.Config, "approvers"),
		Message:   stringParam(step.Config, "message", ""),
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "create approval: %s", err.Error()).
			WithStep(step.ID).WithCause(err)
	}

	return map[string]any{
		"approval_id": id,
		"status":      "pending",
	}, nil
}

var _ StepProcessor = (*ApprovalProcessor)(nil)
