package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestContextCarriers(t *testing.T) {
	ctx := context.Background()
	if ExecutionID(ctx) != "" || TaskID(ctx) != "" || StepID(ctx) != "" {
		t.Fatal("empty context should yield empty IDs")
	}

	ctx = WithExecutionID(ctx, "exec-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithStepID(ctx, "step-1")

	if got := ExecutionID(ctx); got != "exec-1" {
		t.Errorf("ExecutionID = %q", got)
	}
	if got := TaskID(ctx); got != "task-1" {
		t.Errorf("TaskID = %q", got)
	}
	if got := StepID(ctx); got != "step-1" {
		t.Errorf("StepID = %q", got)
	}
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithTaskID(WithExecutionID(context.Background(), "exec-1"), "task-1")
	logger.InfoContext(ctx, "hello")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("invalid log JSON: %v", err)
	}
	if record["execution_id"] != "exec-1" {
		t.Errorf("execution_id missing, got %v", record)
	}
	if record["task_id"] != "task-1" {
		t.Errorf("task_id missing, got %v", record)
	}
	if _, present := record["step_id"]; present {
		t.Error("step_id should be omitted when not in context")
	}
}

func TestCorrelationHandler_PlainLogHasNoIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.Info("hello")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("invalid log JSON: %v", err)
	}
	for _, key := range []string{"execution_id", "task_id", "step_id"} {
		if _, present := record[key]; present {
			t.Errorf("unexpected %s on context-free record", key)
		}
	}
}
