package processors

import (
	"context"
	"sort"
	"sync"

	"github.com/floworc/floworc/pkg/schema"
)

// StepProcessor executes one kind of step. Implementations are supplied per
// step type and invoked polymorphically by the engine; the execution context
// passed in is a read-only view of the accumulated step results.
type StepProcessor interface {
	Type() schema.StepType
	Execute(ctx context.Context, step *schema.WorkflowStep, execCtx map[string]any) (map[string]any, error)
}

// Registry is the capability-indexed set of step processors.
type Registry struct {
	mu    sync.RWMutex
	procs map[schema.StepType]StepProcessor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		procs: make(map[schema.StepType]StepProcessor),
	}
}

// Register adds a processor. Returns an error on duplicate step type.
func (r *Registry) Register(p StepProcessor) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeValidation, "processor is nil")
	}
	t := p.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "processor has empty step type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.procs[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "processor for %q already registered", t)
	}
	r.procs[t] = p
	return nil
}

// Get retrieves the processor for a step type.
func (r *Registry) Get(t schema.StepType) (StepProcessor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.procs[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeProcessorMissing, "no processor registered for step type %q", t)
	}
	return p, nil
}

// Has checks whether a processor is registered for the step type.
func (r *Registry) Has(t schema.StepType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.procs[t]
	return ok
}

// Types returns the registered step types, sorted.
func (r *Registry) Types() []schema.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.StepType, 0, len(r.procs))
	for t := range r.procs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
