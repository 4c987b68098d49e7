package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floworc/floworc/internal/events"
	"github.com/floworc/floworc/internal/processors"
	"github.com/floworc/floworc/internal/store"
	"github.com/floworc/floworc/pkg/schema"
)

// stubProcessor delegates to a per-test function, keyed by step ID.
type stubProcessor struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, step *schema.WorkflowStep, execCtx map[string]any) (map[string]any, error)
}

func newStubProcessor(fn func(ctx context.Context, step *schema.WorkflowStep, execCtx map[string]any) (map[string]any, error)) *stubProcessor {
	return &stubProcessor{calls: make(map[string]int), fn: fn}
}

func (s *stubProcessor) Type() schema.StepType { return schema.StepTypeNotification }

func (s *stubProcessor) Execute(ctx context.Context, step *schema.WorkflowStep, execCtx map[string]any) (map[string]any, error) {
	s.mu.Lock()
	s.calls[step.ID]++
	s.mu.Unlock()
	if s.fn == nil {
		return map[string]any{"ok": true, "step": step.ID}, nil
	}
	return s.fn(ctx, step, execCtx)
}

func (s *stubProcessor) callCount(stepID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stepID]
}

type fixture struct {
	engine    *Engine
	templates *store.MemoryTemplateStore
	tasks     *store.MemoryTaskStore
	hub       *events.MemoryHub
}

func newFixture(t *testing.T, stub *stubProcessor) *fixture {
	t.Helper()

	registry := processors.NewRegistry()
	require.NoError(t, registry.Register(stub))

	templates := store.NewMemoryTemplateStore()
	tasks := store.NewMemoryTaskStore()
	hub := events.NewMemoryHub()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		engine:    New(templates, tasks, registry, hub, logger),
		templates: templates,
		tasks:     tasks,
		hub:       hub,
	}
}

// seed stores a template with the given steps and a matching pending task.
func (f *fixture) seed(t *testing.T, steps ...schema.WorkflowStep) (templateID, taskID string) {
	t.Helper()
	ctx := context.Background()

	tpl := &schema.WorkflowTemplate{ID: "tpl-1", Name: "test", Steps: steps, Active: true}
	require.NoError(t, f.templates.Save(ctx, tpl))

	task := &schema.Task{ID: "task-1", TemplateID: tpl.ID, Priority: schema.PriorityMedium, Status: schema.TaskStatusPending}
	require.NoError(t, f.tasks.Create(ctx, task))
	return tpl.ID, task.ID
}

func step(id string, order int, depends ...string) schema.WorkflowStep {
	return schema.WorkflowStep{
		ID:        id,
		Name:      id,
		Type:      schema.StepTypeNotification,
		Config:    map[string]any{"channel": "test"},
		DependsOn: depends,
		Order:     order,
	}
}

func TestExecuteWorkflow_ThreeStepsComplete(t *testing.T) {
	stub := newStubProcessor(nil)
	f := newFixture(t, stub)
	templateID, taskID := f.seed(t, step("s1", 0), step("s2", 1, "s1"), step("s3", 2, "s2"))

	ctx := context.Background()
	execID, err := f.engine.ExecuteWorkflow(ctx, templateID, taskID, map[string]any{"input": "x"})
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	exec, err := f.engine.Wait(ctx, execID)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	// The cursor rests on the last executed step index, not one past it.
	assert.Equal(t, 2, exec.CurrentStep)
	require.NotNil(t, exec.CompletedAt)

	for _, id := range []string{"s1", "s2", "s3"} {
		assert.Contains(t, exec.Context, id)
		assert.Equal(t, 1, stub.callCount(id))
	}
	last, ok := exec.Context[schema.ContextKeyLastResult].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "s3", last["step"])

	task, err := f.tasks.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, task.Status)
	assert.NotNil(t, task.Output)
}

// A timed-out attempt is abandoned, not stopped: the leaked goroutine may
// keep reading its context while the step loop records results from a later
// attempt. Each attempt must therefore hold a private clone. The first
// attempt here keeps ranging over its context past the timeout (the race
// detector flags any sharing) and writes a scratch key that must never
// surface in the execution.
func TestExecuteWorkflow_AbandonedAttemptHoldsPrivateContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	var attempts atomic.Int32
	stub := newStubProcessor(func(ctx context.Context, step *schema.WorkflowStep, execCtx map[string]any) (map[string]any, error) {
		if attempts.Add(1) == 1 {
			execCtx["scratch"] = "abandoned"
			go func() {
				for {
					select {
					case <-release:
						return
					default:
						for range execCtx {
						}
					}
				}
			}()
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return map[string]any{"ok": true}, nil
	})
	f := newFixture(t, stub)

	slow := step("slow", 0)
	slow.Timeout = "50ms"
	slow.RetryCount = 2
	templateID, taskID := f.seed(t, slow)

	ctx := context.Background()
	execID, err := f.engine.ExecuteWorkflow(ctx, templateID, taskID, map[string]any{"input": "x"})
	require.NoError(t, err)

	exec, err := f.engine.Wait(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 2, stub.callCount("slow"))
	assert.NotContains(t, exec.Context, "scratch")
}

func TestExecuteWorkflow_UnknownTemplateOrTask(t *testing.T) {
	f := newFixture(t, newStubProcessor(nil))
	templateID, taskID := f.seed(t, step("s1", 0))

	ctx := context.Background()
	_, err := f.engine.ExecuteWorkflow(ctx, "ghost", taskID, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	_, err = f.engine.ExecuteWorkflow(ctx, templateID, "ghost", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestExecuteWorkflow_RetryableFailureRetries(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	stub := newStubProcessor(func(ctx context.Context, s *schema.WorkflowStep, _ map[string]any) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return nil, schema.NewError(schema.ErrCodeExecution, "transient")
		}
		return map[string]any{"ok": true}, nil
	})
	f := newFixture(t, stub)

	flaky := step("flaky", 0)
	flaky.RetryCount = 2
	templateID, taskID := f.seed(t, flaky)

	ctx := context.Background()
	execID, err := f.engine.ExecuteWorkflow(ctx, templateID, taskID, nil)
	require.NoError(t, err)

	start := time.Now()
	exec, err := f.engine.Wait(ctx, execID)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 2, stub.callCount("flaky"))
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second, "second attempt must wait 2^1 seconds")
}

func TestExecuteWorkflow_NonRetryableFailsImmediately(t *testing.T) {
	stub := newStubProcessor(func(ctx context.Context, s *schema.WorkflowStep, _ map[string]any) (map[string]any, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "bad config")
	})
	f := newFixture(t, stub)

	bad := step("bad", 0)
	bad.RetryCount = 3
	templateID, taskID := f.seed(t, bad)

	ctx := context.Background()
	execID, err := f.engine.ExecuteWorkflow(ctx, templateID, taskID, nil)
	require.NoError(t, err)

	exec, err := f.engine.Wait(ctx, execID)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, 1, stub.callCount("bad"), "non-retryable errors must not be retried")
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeValidation, exec.Error.Code)

	task, err := f.tasks.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, task.Status)
	assert.NotEmpty(t, task.Error)
}

func TestExecuteWorkflow_StepTimeout(t *testing.T) {
	stub := newStubProcessor(func(ctx context.Context, s *schema.WorkflowStep, _ map[string]any) (map[string]any, error) {
		select {
		case <-time.After(10 * time.Second):
			return map[string]any{"ok": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	f := newFixture(t, stub)

	slow := step("slow", 0)
	slow.Timeout = "100ms"
	slow.RetryCount = 1
	templateID, taskID := f.seed(t, slow)

	ctx := context.Background()
	execID, err := f.engine.ExecuteWorkflow(ctx, templateID, taskID, nil)
	require.NoError(t, err)

	exec, err := f.engine.Wait(ctx, execID)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeTimeout, exec.Error.Code)
}

func TestExecuteWorkflow_DependencyNotMet(t *testing.T) {
	stub := newStubProcessor(nil)
	f := newFixture(t, stub)

	// s1 runs first by order but depends on a step that runs later.
	templateID, taskID := f.seed(t, step("s1", 0, "s2"), step("s2", 1))

	ctx := context.Background()
	execID, err := f.engine.ExecuteWorkflow(ctx, templateID, taskID, nil)
	require.NoError(t, err)

	exec, err := f.engine.Wait(ctx, execID)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrCodeDependencyNotMet, exec.Error.Code)
	assert.Equal(t, 0, stub.callCount("s1"))
}

func TestPauseResume_RestartsAtCurrentStep(t *testing.T) {
	started := make(chan string, 3)
	release := make(chan struct{})
	var once sync.Once

	stub := newStubProcessor(func(ctx context.Context, s *schema.WorkflowStep, _ map[string]any) (map[string]any, error) {
		started <- s.ID
		if s.ID == "s1" {
			once.Do(func() { <-release })
		}
		return map[string]any{"step": s.ID}, nil
	})
	f := newFixture(t, stub)
	templateID, taskID := f.seed(t, step("s1", 0), step("s2", 1), step("s3", 2))

	ctx := context.Background()
	execID, err := f.engine.ExecuteWorkflow(ctx, templateID, taskID, nil)
	require.NoError(t, err)

	// Pause while s1 is still in flight; the in-flight step completes first.
	require.Equal(t, "s1", <-started)
	require.NoError(t, f.engine.PauseWorkflow(ctx, execID))
	close(release)

	// The loop observes the pause after finishing s1.
	assert.Eventually(t, func() bool {
		exec, err := f.engine.GetExecution(execID)
		return err == nil && exec.Status == schema.ExecutionStatusPaused
	}, 5*time.Second, 10*time.Millisecond)

	exec, err := f.engine.GetExecution(execID)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.CurrentStep)
	assert.Equal(t, 0, stub.callCount("s2"))

	require.NoError(t, f.engine.ResumeWorkflow(ctx, execID))
	exec, err = f.engine.Wait(ctx, execID)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 1, stub.callCount("s1"), "paused step must not re-run")
	assert.Equal(t, 1, stub.callCount("s2"))
	assert.Equal(t, 1, stub.callCount("s3"))
}

func TestPauseWorkflow_ConflictsOutsideRunning(t *testing.T) {
	stub := newStubProcessor(nil)
	f := newFixture(t, stub)
	templateID, taskID := f.seed(t, step("s1", 0))

	ctx := context.Background()
	execID, err := f.engine.ExecuteWorkflow(ctx, templateID, taskID, nil)
	require.NoError(t, err)
	_, err = f.engine.Wait(ctx, execID)
	require.NoError(t, err)

	err = f.engine.PauseWorkflow(ctx, execID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	err = f.engine.ResumeWorkflow(ctx, execID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestCancelExecution_StopsBeforeNextStep(t *testing.T) {
	started := make(chan string, 3)
	release := make(chan struct{})
	var once sync.Once

	stub := newStubProcessor(func(ctx context.Context, s *schema.WorkflowStep, _ map[string]any) (map[string]any, error) {
		started <- s.ID
		once.Do(func() { <-release })
		return map[string]any{"step": s.ID}, nil
	})
	f := newFixture(t, stub)
	templateID, taskID := f.seed(t, step("s1", 0), step("s2", 1))

	ctx := context.Background()
	execID, err := f.engine.ExecuteWorkflow(ctx, templateID, taskID, nil)
	require.NoError(t, err)

	require.Equal(t, "s1", <-started)
	require.NoError(t, f.engine.CancelExecution(ctx, execID))
	close(release)

	exec, err := f.engine.Wait(ctx, execID)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusCancelled, exec.Status)
	assert.Equal(t, 0, stub.callCount("s2"))

	task, err := f.tasks.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCancelled, task.Status)
}

func TestCancelExecution_WhilePaused(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})
	var once sync.Once

	stub := newStubProcessor(func(ctx context.Context, s *schema.WorkflowStep, _ map[string]any) (map[string]any, error) {
		started <- s.ID
		if s.ID == "s1" {
			once.Do(func() { <-release })
		}
		return map[string]any{"step": s.ID}, nil
	})
	f := newFixture(t, stub)
	templateID, taskID := f.seed(t, step("s1", 0), step("s2", 1))

	ctx := context.Background()
	execID, err := f.engine.ExecuteWorkflow(ctx, templateID, taskID, nil)
	require.NoError(t, err)

	require.Equal(t, "s1", <-started)
	require.NoError(t, f.engine.PauseWorkflow(ctx, execID))
	close(release)

	assert.Eventually(t, func() bool {
		exec, err := f.engine.GetExecution(execID)
		return err == nil && exec.Status == schema.ExecutionStatusPaused
	}, 5*time.Second, 10*time.Millisecond)

	// No loop is running for a paused execution, so cancel finishes it directly.
	require.NoError(t, f.engine.CancelExecution(ctx, execID))
	exec, err := f.engine.Wait(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, exec.Status)
}

func TestEngine_PublishesLifecycleEvents(t *testing.T) {
	stub := newStubProcessor(nil)
	f := newFixture(t, stub)
	templateID, taskID := f.seed(t, step("s1", 0))

	ctx := context.Background()
	ch, cancel, err := f.hub.Subscribe(ctx, events.Filter{
		Types: []string{schema.EventStepCompleted, schema.EventWorkflowCompleted},
	})
	require.NoError(t, err)
	defer cancel()

	execID, err := f.engine.ExecuteWorkflow(ctx, templateID, taskID, nil)
	require.NoError(t, err)
	_, err = f.engine.Wait(ctx, execID)
	require.NoError(t, err)

	got := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case e := <-ch:
			got[e.Type] = true
		case <-deadline:
			t.Fatalf("missing events, got %v", got)
		}
	}
	assert.True(t, got[schema.EventStepCompleted])
	assert.True(t, got[schema.EventWorkflowCompleted])
}

func TestGetAllExecutions(t *testing.T) {
	stub := newStubProcessor(nil)
	f := newFixture(t, stub)
	templateID, taskID := f.seed(t, step("s1", 0))

	ctx := context.Background()
	execID, err := f.engine.ExecuteWorkflow(ctx, templateID, taskID, nil)
	require.NoError(t, err)
	_, err = f.engine.Wait(ctx, execID)
	require.NoError(t, err)

	all := f.engine.GetAllExecutions()
	require.Len(t, all, 1)
	assert.Equal(t, execID, all[0].ID)

	_, err = f.engine.GetExecution("ghost")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}
