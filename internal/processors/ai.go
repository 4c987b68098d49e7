package processors

import (
	"context"

	"github.com/floworc/floworc/pkg/schema"
)

// InferenceClient is the AI backend collaborator invoked by ai_processing steps.
type InferenceClient interface {
	Complete(ctx context.Context, model, prompt string, input map[string]any) (string, error)
}

// AIProcessor routes ai_processing steps to the inference backend.
type AIProcessor struct {
	client InferenceClient
}

// NewAIProcessor creates an AIProcessor.
func NewAIProcessor(client InferenceClient) *AIProcessor {
	return &AIProcessor{client: client}
}

func (p *AIProcessor) Type() schema.StepType {
	return schema.StepTypeAIProcessing
}

func (p *AIProcessor) Execute(ctx context.Context, step *schema.WorkflowStep, execCtx map[string]any) (map[string]any, error) {
	prompt, _ := step.Config["prompt"].(string)
	if prompt == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "ai step has no prompt").WithStep(step.ID)
	}
	model := stringParam(step.Config, "model", "")

	completion, err := p.client.Complete(ctx, model, prompt, execCtx)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "inference call failed: %s", err.Error()).
			WithStep(step.ID).WithCause(err)
	}

	return map[string]any{
		"completion": completion,
		"model":      model,
	}, nil
}

var _ StepProcessor = (*AIProcessor)(nil)
