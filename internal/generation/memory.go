package generation

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/framecredit/backend/internal/models"
)

// MemoryTaskStore keeps tasks in process memory.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*models.GenerationTask
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[uuid.UUID]*models.GenerationTask)}
}

var _ TaskStore = (*MemoryTaskStore)(nil)

func (m *MemoryTaskStore) Create(_ context.Context, t *models.GenerationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		m.tasks[t.ID] = t.Clone()
	}
	return nil
}

func (m *MemoryTaskStore) Get(_ context.Context, id uuid.UUID) (*models.GenerationTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryTaskStore) Update(_ context.Context, t *models.GenerationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryTaskStore) ListByAccount(_ context.Context, accountID string, limit int) ([]*models.GenerationTask, error) {
	m.mu.RLock()
	var out []*models.GenerationTask
	for _, t := range m.tasks {
		if t.AccountID == accountID {
			out = append(out, t.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryTaskStore) ListUnsettled(_ context.Context) ([]*models.GenerationTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.GenerationTask
	for _, t := range m.tasks {
		if NeedsWork(t) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}
