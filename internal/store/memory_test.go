package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floworc/floworc/pkg/schema"
)

func TestMemoryTaskStore_CreateGet(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()

	task := &schema.Task{ID: "t1", TemplateID: "tpl", Priority: schema.PriorityHigh}
	require.NoError(t, s.Create(ctx, task))
	assert.False(t, task.CreatedAt.IsZero(), "create stamps CreatedAt")

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.PriorityHigh, got.Priority)

	// The store hands out copies, not aliases.
	got.Priority = schema.PriorityLow
	again, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.PriorityHigh, again.Priority)
}

func TestMemoryTaskStore_DuplicateCreate(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &schema.Task{ID: "t1"}))
	err := s.Create(ctx, &schema.Task{ID: "t1"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestMemoryTaskStore_UpdateStatus(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &schema.Task{ID: "t1", Status: schema.TaskStatusPending}))

	msg := "it broke"
	require.NoError(t, s.UpdateStatus(ctx, "t1", TaskUpdate{
		Status: schema.TaskStatusFailed,
		Error:  &msg,
	}))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, got.Status)
	assert.Equal(t, "it broke", got.Error)

	err = s.UpdateStatus(ctx, "ghost", TaskUpdate{Status: schema.TaskStatusCompleted})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestMemoryTaskStore_List(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &schema.Task{ID: "a"}))
	require.NoError(t, s.Create(ctx, &schema.Task{ID: "b"}))

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryTemplateStore_SaveBumpsVersionOnStructuralChange(t *testing.T) {
	s := NewMemoryTemplateStore()
	ctx := context.Background()

	tpl := &schema.WorkflowTemplate{
		ID: "tpl", Name: "v1", Active: true,
		Steps: []schema.WorkflowStep{
			{ID: "s1", Type: schema.StepTypeNotification, Order: 0},
		},
	}
	require.NoError(t, s.Save(ctx, tpl))
	assert.Equal(t, 1, tpl.Version)

	// Metadata edits keep the version.
	tpl.Name = "renamed"
	require.NoError(t, s.Save(ctx, tpl))
	assert.Equal(t, 1, tpl.Version)

	tpl.Steps = append(tpl.Steps, schema.WorkflowStep{ID: "s2", Type: schema.StepTypeNotification, Order: 1})
	require.NoError(t, s.Save(ctx, tpl))
	assert.Equal(t, 2, tpl.Version)

	tpl.Triggers = []schema.TriggerCondition{{Type: schema.TriggerManual}}
	require.NoError(t, s.Save(ctx, tpl))
	assert.Equal(t, 3, tpl.Version)

	got, err := s.FindByID(ctx, "tpl")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 3, got.Version)
}

func TestMemoryTemplateStore_FindActive(t *testing.T) {
	s := NewMemoryTemplateStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &schema.WorkflowTemplate{ID: "on", Active: true}))
	require.NoError(t, s.Save(ctx, &schema.WorkflowTemplate{ID: "off", Active: false}))

	active, err := s.FindActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "on", active[0].ID)
}

func TestMemoryTemplateStore_DeactivateRetains(t *testing.T) {
	s := NewMemoryTemplateStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &schema.WorkflowTemplate{ID: "tpl", Active: true}))
	require.NoError(t, s.Deactivate(ctx, "tpl"))

	// Deactivation clears the flag but never deletes.
	got, err := s.FindByID(ctx, "tpl")
	require.NoError(t, err)
	assert.False(t, got.Active)

	active, err := s.FindActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	err = s.Deactivate(ctx, "ghost")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}
