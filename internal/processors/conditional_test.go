package processors

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floworc/floworc/internal/expressions"
	"github.com/floworc/floworc/pkg/schema"
)

func newConditional(t *testing.T) *ConditionalProcessor {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewConditionalProcessor(slog.New(slog.NewTextHandler(io.Discard, nil)), expressions.NewExprEngine(), cel)
}

func conditionalStep(config map[string]any) *schema.WorkflowStep {
	return &schema.WorkflowStep{
		ID:     "decide",
		Type:   schema.StepTypeConditional,
		Config: config,
	}
}

func TestConditional_SimpleTrue(t *testing.T) {
	p := newConditional(t)

	result, err := p.Execute(context.Background(), conditionalStep(map[string]any{
		"condition":    `context.amount > 100`,
		"true_action":  "approve",
		"false_action": "reject",
	}), map[string]any{"amount": 250})
	require.NoError(t, err)

	assert.Equal(t, true, result["result"])
	assert.Equal(t, "approve", result["action"])
}

func TestConditional_SimpleFalse(t *testing.T) {
	p := newConditional(t)

	result, err := p.Execute(context.Background(), conditionalStep(map[string]any{
		"condition":    `context.amount > 100`,
		"true_action":  "approve",
		"false_action": "reject",
	}), map[string]any{"amount": 10})
	require.NoError(t, err)

	assert.Equal(t, false, result["result"])
	assert.Equal(t, "reject", result["action"])
}

func TestConditional_CELEngineSelectable(t *testing.T) {
	p := newConditional(t)

	result, err := p.Execute(context.Background(), conditionalStep(map[string]any{
		"engine":      "cel",
		"condition":   `context.tier == "gold"`,
		"true_action": "fast_track",
	}), map[string]any{"tier": "gold"})
	require.NoError(t, err)

	assert.Equal(t, true, result["result"])
	assert.Equal(t, "fast_track", result["action"])
}

func TestConditional_MissingConfigIsError(t *testing.T) {
	p := newConditional(t)

	_, err := p.Execute(context.Background(), conditionalStep(map[string]any{}), nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestConditional_EvaluationErrorIsFalse(t *testing.T) {
	p := newConditional(t)

	// Unparseable expression: logged and treated as false, never fatal.
	result, err := p.Execute(context.Background(), conditionalStep(map[string]any{
		"condition":    `this is ( not an expression`,
		"true_action":  "yes",
		"false_action": "no",
	}), nil)
	require.NoError(t, err)

	assert.Equal(t, false, result["result"])
	assert.Equal(t, "no", result["action"])
}

func TestConditional_UnknownEngineIsFalse(t *testing.T) {
	p := newConditional(t)

	result, err := p.Execute(context.Background(), conditionalStep(map[string]any{
		"engine":      "lua",
		"condition":   `true`,
		"true_action": "yes",
	}), nil)
	require.NoError(t, err)
	assert.Equal(t, false, result["result"])
}

func TestConditional_BranchSelection(t *testing.T) {
	p := newConditional(t)

	step := conditionalStep(map[string]any{
		"branches": []any{
			map[string]any{"name": "big", "condition": `context.amount > 1000`, "action": "escalate"},
			map[string]any{"name": "medium", "condition": `context.amount > 100`, "action": "review"},
			map[string]any{"name": "small", "condition": `context.amount > 0`, "action": "auto"},
		},
	})

	result, err := p.Execute(context.Background(), step, map[string]any{"amount": 500})
	require.NoError(t, err)

	// First matching branch wins, in declaration order.
	assert.Equal(t, "medium", result["branch"])
	assert.Equal(t, "review", result["action"])
	assert.Equal(t, true, result["result"])
}

func TestConditional_DefaultBranchFallback(t *testing.T) {
	p := newConditional(t)

	step := conditionalStep(map[string]any{
		"branches": []any{
			map[string]any{"name": "big", "condition": `context.amount > 1000`, "action": "escalate"},
			map[string]any{"name": "catchall", "is_default": true, "action": "hold"},
		},
	})

	result, err := p.Execute(context.Background(), step, map[string]any{"amount": 5})
	require.NoError(t, err)

	assert.Equal(t, "catchall", result["branch"])
	assert.Equal(t, "hold", result["action"])
	assert.Equal(t, false, result["result"])
}

func TestConditional_NoMatchReportsNone(t *testing.T) {
	p := newConditional(t)

	step := conditionalStep(map[string]any{
		"branches": []any{
			map[string]any{"name": "big", "condition": `context.amount > 1000`, "action": "escalate"},
		},
	})

	result, err := p.Execute(context.Background(), step, map[string]any{"amount": 5})
	require.NoError(t, err)

	assert.Equal(t, "none", result["branch"])
	assert.Equal(t, false, result["result"])
}

func TestConditional_UnnamedBranchGetsIndexName(t *testing.T) {
	p := newConditional(t)

	step := conditionalStep(map[string]any{
		"branches": []any{
			map[string]any{"condition": `false`},
			map[string]any{"condition": `true`, "action": "go"},
		},
	})

	result, err := p.Execute(context.Background(), step, nil)
	require.NoError(t, err)
	assert.Equal(t, "branch_1", result["branch"])
}
