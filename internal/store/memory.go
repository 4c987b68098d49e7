package store

import (
	"context"
	"reflect"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/floworc/floworc/pkg/schema"
)

// MemoryTaskStore is the in-process TaskStore. Sufficient for the
// single-process orchestrator; a durable implementation can replace it
// behind the same interface.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*schema.Task
}

// NewMemoryTaskStore creates an empty MemoryTaskStore.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[string]*schema.Task),
	}
}

// Create stores a new task. Duplicate IDs are a conflict.
func (s *MemoryTaskStore) Create(ctx context.Context, task *schema.Task) error {
	if task == nil || task.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "task is nil or has no ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %s already exists", task.ID)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

// Get returns a copy of the task.
func (s *MemoryTaskStore) Get(ctx context.Context, taskID string) (*schema.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task not found: %s", taskID)
	}
	cp := *task
	return &cp, nil
}

// UpdateStatus applies a status transition and optional output/error.
func (s *MemoryTaskStore) UpdateStatus(ctx context.Context, taskID string, update TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "task not found: %s", taskID)
	}

	if update.Status != "" {
		task.Status = update.Status
	}
	if update.Output != nil {
		task.Output = update.Output
	}
	if update.Error != nil {
		task.Error = *update.Error
	}
	return nil
}

// List returns copies of all tasks.
func (s *MemoryTaskStore) List(ctx context.Context) ([]*schema.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*schema.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

var _ TaskStore = (*MemoryTaskStore)(nil)

// MemoryTemplateStore keeps templates in a go-cache instance with no
// expiration. Templates are read on every trigger match and execution start,
// so reads dominate writes.
type MemoryTemplateStore struct {
	cache *gocache.Cache
}

// NewMemoryTemplateStore creates an empty MemoryTemplateStore.
func NewMemoryTemplateStore() *MemoryTemplateStore {
	return &MemoryTemplateStore{
		cache: gocache.New(gocache.NoExpiration, 0),
	}
}

// FindByID returns the template, or NOT_FOUND.
func (s *MemoryTemplateStore) FindByID(ctx context.Context, templateID string) (*schema.WorkflowTemplate, error) {
	v, ok := s.cache.Get(templateID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template not found: %s", templateID)
	}
	tpl := v.(schema.WorkflowTemplate)
	return &tpl, nil
}

// FindActive returns all templates with the Active flag set.
func (s *MemoryTemplateStore) FindActive(ctx context.Context) ([]*schema.WorkflowTemplate, error) {
	items := s.cache.Items()
	out := make([]*schema.WorkflowTemplate, 0, len(items))
	for _, item := range items {
		tpl := item.Object.(schema.WorkflowTemplate)
		if tpl.Active {
			cp := tpl
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Save stores or replaces a template. Only structural updates — a change to
// the steps or triggers — bump the version; metadata edits keep it.
func (s *MemoryTemplateStore) Save(ctx context.Context, template *schema.WorkflowTemplate) error {
	if template == nil || template.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "template is nil or has no ID")
	}

	now := time.Now().UTC()
	cp := *template
	if prev, ok := s.cache.Get(template.ID); ok {
		old := prev.(schema.WorkflowTemplate)
		cp.Version = old.Version
		if !reflect.DeepEqual(old.Steps, cp.Steps) || !reflect.DeepEqual(old.Triggers, cp.Triggers) {
			cp.Version = old.Version + 1
		}
	} else if cp.Version == 0 {
		cp.Version = 1
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
	}
	cp.UpdatedAt = now
	template.Version = cp.Version

	s.cache.Set(template.ID, cp, gocache.NoExpiration)
	return nil
}

// Deactivate clears the Active flag. Templates are never hard-deleted.
func (s *MemoryTemplateStore) Deactivate(ctx context.Context, templateID string) error {
	v, ok := s.cache.Get(templateID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "template not found: %s", templateID)
	}
	tpl := v.(schema.WorkflowTemplate)
	tpl.Active = false
	tpl.UpdatedAt = time.Now().UTC()
	s.cache.Set(templateID, tpl, gocache.NoExpiration)
	return nil
}

var _ TemplateStore = (*MemoryTemplateStore)(nil)
