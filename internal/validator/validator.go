package validator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/floworc/floworc/pkg/schema"
)

// Per-type duration baselines for the estimate. User approval is excluded
// from the automated estimate (human latency is unbounded).
var stepBaselines = map[schema.StepType]time.Duration{
	schema.StepTypeAIProcessing:  5 * time.Second,
	schema.StepTypeDataTransform: 3 * time.Second,
	schema.StepTypeExternalCall:  2 * time.Second,
	schema.StepTypeNotification:  1 * time.Second,
	schema.StepTypeConditional:   500 * time.Millisecond,
	schema.StepTypeUserApproval:  0,
}

// minStepTimeout is the threshold below which a configured timeout draws a warning.
const minStepTimeout = time.Second

// Validator checks a workflow template's step graph for structural soundness
// and estimates its complexity and duration. It must pass before a template
// is activated or executed.
type Validator struct {
	schemas *configSchemas
}

// New creates a Validator. Fails only if the built-in config schemas do not
// compile, which is a programming error.
func New() (*Validator, error) {
	schemas, err := compileConfigSchemas()
	if err != nil {
		return nil, err
	}
	return &Validator{schemas: schemas}, nil
}

// Validate runs all structural checks, collects warnings, and computes the
// complexity classification and duration estimate. Structural errors block
// activation; warnings do not.
func (v *Validator) Validate(template *schema.WorkflowTemplate) *schema.WorkflowValidationResult {
	result := &schema.WorkflowValidationResult{}

	if template == nil {
		result.AddError("", schema.ErrCodeValidation, "template is nil")
		result.Complexity = schema.ComplexitySimple
		return result
	}

	if len(template.Steps) == 0 {
		result.AddError("steps", schema.ErrCodeValidation, "template has no steps")
	}

	steps := make(map[string]*schema.WorkflowStep, len(template.Steps))
	orders := make(map[int]string, len(template.Steps))

	for i := range template.Steps {
		step := &template.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if step.ID == "" {
			result.AddError(path, schema.ErrCodeValidation, "step has empty ID")
			continue
		}
		if _, dup := steps[step.ID]; dup {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step ID: %s", step.ID))
			continue
		}
		steps[step.ID] = step

		if prev, dup := orders[step.Order]; dup {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("step %s has duplicate order %d (already used by %s)", step.ID, step.Order, prev))
		} else {
			orders[step.Order] = step.ID
		}

		if !validStepType(step.Type) {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("step %s has unknown type: %s", step.ID, step.Type))
			continue
		}

		v.checkConfig(step, path, result)

		if step.Timeout != "" {
			if d, err := time.ParseDuration(step.Timeout); err != nil {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %s has invalid timeout %q", step.ID, step.Timeout))
			} else if d < minStepTimeout {
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %s timeout %s is under 1s", step.ID, step.Timeout))
			}
		}
	}

	// Dependency references.
	for i := range template.Steps {
		step := &template.Steps[i]
		if step.ID == "" {
			continue
		}
		path := fmt.Sprintf("steps[%d]", i)
		for _, dep := range step.DependsOn {
			if _, ok := steps[dep]; !ok {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %s depends on non-existent step: %s", step.ID, dep))
			}
		}
	}

	// Cycle detection only makes sense on a structurally resolvable graph.
	if len(result.Errors) == 0 {
		if cycle := findCycle(steps); len(cycle) > 0 {
			result.AddError("steps", schema.ErrCodeCycleDetected,
				fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")))
		}
	}

	// Warnings.
	if len(template.Triggers) == 0 {
		result.AddWarning("triggers", schema.ErrCodeValidation, "template defines no triggers")
	}
	for i := range template.Steps {
		step := &template.Steps[i]
		if step.Type == schema.StepTypeUserApproval && len(approvers(step)) == 0 {
			result.AddWarning(fmt.Sprintf("steps[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("approval step %s has no approvers", step.ID))
		}
	}

	result.Complexity = classify(template.Steps)
	result.EstimatedDuration = estimateDuration(template.Steps)
	result.IsValid = len(result.Errors) == 0
	return result
}

// checkConfig validates the step's type-specific configuration payload.
func (v *Validator) checkConfig(step *schema.WorkflowStep, path string, result *schema.WorkflowValidationResult) {
	if step.Type == schema.StepTypeConditional {
		_, hasCondition := step.Config["condition"]
		_, hasBranches := step.Config["branches"]
		if !hasCondition && !hasBranches {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("conditional step %s has neither condition nor branches", step.ID))
		}
		return
	}

	for _, msg := range v.schemas.check(step.Type, step.Config) {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("step %s config: %s", step.ID, msg))
	}
}

// findCycle runs a DFS with an explicit recursion stack over the dependency
// graph and returns the first cycle path found, or nil.
func findCycle(steps map[string]*schema.WorkflowStep) []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)

	state := make(map[string]int, len(steps))
	stack := make([]string, 0, len(steps))

	// Deterministic iteration keeps error messages stable across runs.
	ids := make([]string, 0, len(steps))
	for id := range steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = inStack
		stack = append(stack, id)

		deps := steps[id].DependsOn
		for _, dep := range deps {
			switch state[dep] {
			case inStack:
				// Found a cycle: slice the stack from the first occurrence of dep.
				for i, s := range stack {
					if s == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range ids {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// classify buckets a template by step count, conditional count, and the
// maximum per-step dependency fan-in.
func classify(steps []schema.WorkflowStep) schema.Complexity {
	conditionals := 0
	maxDeps := 0
	for i := range steps {
		if steps[i].Type == schema.StepTypeConditional {
			conditionals++
		}
		if len(steps[i].DependsOn) > maxDeps {
			maxDeps = len(steps[i].DependsOn)
		}
	}

	switch {
	case len(steps) <= 3 && conditionals == 0 && maxDeps <= 1:
		return schema.ComplexitySimple
	case len(steps) <= 10 && conditionals <= 2 && maxDeps <= 3:
		return schema.ComplexityModerate
	default:
		return schema.ComplexityComplex
	}
}

// estimateDuration sums the per-type baselines, raising each step's estimate
// to its configured timeout when that is larger.
func estimateDuration(steps []schema.WorkflowStep) time.Duration {
	var total time.Duration
	for i := range steps {
		step := &steps[i]
		est := stepBaselines[step.Type]
		if step.Type == schema.StepTypeUserApproval {
			continue
		}
		if step.Timeout != "" {
			if d, err := time.ParseDuration(step.Timeout); err == nil && d > est {
				est = d
			}
		}
		total += est
	}
	return total
}

func approvers(step *schema.WorkflowStep) []any {
	v, ok := step.Config["approvers"]
	if !ok {
		return nil
	}
	list, _ := v.([]any)
	if list == nil {
		if strs, ok := v.([]string); ok {
			out := make([]any, len(strs))
			for i, s := range strs {
				out[i] = s
			}
			return out
		}
	}
	return list
}

func validStepType(t schema.StepType) bool {
	for _, known := range schema.StepTypes {
		if t == known {
			return true
		}
	}
	return false
}
