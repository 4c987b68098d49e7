package processors

import (
	"context"

	"github.com/floworc/floworc/internal/expressions"
	"github.com/floworc/floworc/pkg/schema"
)

// TransformProcessor evaluates a jq expression over the execution context and
// returns the reshaped data as the step result.
type TransformProcessor struct {
	jq *expressions.GoJQEngine
}

// NewTransformProcessor creates a TransformProcessor backed by the given engine.
func NewTransformProcessor(jq *expressions.GoJQEngine) *TransformProcessor {
	return &TransformProcessor{jq: jq}
}

func (p *TransformProcessor) Type() schema.StepType {
	return schema.StepTypeDataTransform
}

func (p *TransformProcessor) Execute(ctx context.Context, step *schema.WorkflowStep, execCtx map[string]any) (map[string]any, error) {
	exprStr, _ := step.Config["expression"].(string)
	if exprStr == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform step has no expression").WithStep(step.ID)
	}

	out, err := p.jq.Evaluate(ctx, exprStr, execCtx)
	if err != nil {
		return nil, err
	}

	return map[string]any{"result": out}, nil
}

var _ StepProcessor = (*TransformProcessor)(nil)
