package processors

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/floworc/floworc/internal/expressions"
	"github.com/floworc/floworc/pkg/schema"
)

// ConditionalProcessor evaluates boolean expressions over the execution
// context and selects an action or branch.
//
// Two config forms are supported:
//
//	simple:       {"condition": "...", "true_action": ..., "false_action": ...}
//	multi-branch: {"branches": [{"condition": "...", "action": ..., "name": "...", "is_default": bool}, ...]}
//
// Evaluation is fail-safe: an expression error is logged and treated as
// false, never surfaced as a fatal execution error.
type ConditionalProcessor struct {
	engines map[string]expressions.Engine
	logger  *slog.Logger
}

// defaultEngine is used when a step does not name one.
const defaultEngine = "expr"

// NewConditionalProcessor creates a ConditionalProcessor over the given
// engines. The "expr" engine must be present; others (e.g. "cel") are
// selectable per step via the config key "engine".
func NewConditionalProcessor(logger *slog.Logger, engines ...expressions.Engine) *ConditionalProcessor {
	m := make(map[string]expressions.Engine, len(engines))
	for _, e := range engines {
		if e != nil {
			m[e.Name()] = e
		}
	}
	return &ConditionalProcessor{engines: m, logger: logger}
}

func (p *ConditionalProcessor) Type() schema.StepType {
	return schema.StepTypeConditional
}

func (p *ConditionalProcessor) Execute(ctx context.Context, step *schema.WorkflowStep, execCtx map[string]any) (map[string]any, error) {
	if branches, ok := step.Config["branches"]; ok {
		return p.executeBranches(ctx, step, branches, execCtx), nil
	}

	condition, _ := step.Config["condition"].(string)
	if condition == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"conditional step has neither condition nor branches").WithStep(step.ID)
	}

	result := p.evaluate(ctx, step, condition, execCtx)
	action := step.Config["false_action"]
	if result {
		action = step.Config["true_action"]
	}

	return map[string]any{
		"result": result,
		"action": action,
	}, nil
}

// executeBranches selects the first branch whose condition evaluates true.
// With no match, a branch flagged is_default wins; failing that the result
// reports branch "none".
func (p *ConditionalProcessor) executeBranches(ctx context.Context, step *schema.WorkflowStep, raw any, execCtx map[string]any) map[string]any {
	branches, _ := raw.([]any)

	var fallback map[string]any
	for i, b := range branches {
		branch, ok := b.(map[string]any)
		if !ok {
			continue
		}

		if isDefault, _ := branch["is_default"].(bool); isDefault && fallback == nil {
			fallback = branch
		}

		condition, _ := branch["condition"].(string)
		if condition == "" {
			continue
		}
		if p.evaluate(ctx, step, condition, execCtx) {
			return map[string]any{
				"branch": branchName(branch, i),
				"action": branch["action"],
				"result": true,
			}
		}
	}

	if fallback != nil {
		return map[string]any{
			"branch": branchName(fallback, -1),
			"action": fallback["action"],
			"result": false,
		}
	}

	return map[string]any{
		"branch": "none",
		"result": false,
	}
}

// evaluate runs the condition through the selected engine. Any error — bad
// expression, missing engine, runtime failure — logs and yields false.
func (p *ConditionalProcessor) evaluate(ctx context.Context, step *schema.WorkflowStep, condition string, execCtx map[string]any) bool {
	name := stringParam(step.Config, "engine", defaultEngine)
	engine, ok := p.engines[name]
	if !ok {
		p.logger.WarnContext(ctx, "unknown condition engine, treating condition as false",
			slog.String("engine", name),
			slog.String("condition", condition),
		)
		return false
	}

	out, err := engine.Evaluate(ctx, condition, map[string]any{"context": execCtx})
	if err != nil {
		p.logger.WarnContext(ctx, "condition evaluation failed, treating as false",
			slog.String("condition", condition),
			slog.String("error", err.Error()),
		)
		return false
	}

	return expressions.AsBool(out)
}

func branchName(branch map[string]any, index int) string {
	if name, _ := branch["name"].(string); name != "" {
		return name
	}
	if index < 0 {
		return "default"
	}
	return "branch_" + strconv.Itoa(index)
}

var _ StepProcessor = (*ConditionalProcessor)(nil)
