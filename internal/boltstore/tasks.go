package boltstore

import (
	"context"
	"encoding/json"
	"sort"

	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"

	"github.com/framecredit/backend/internal/generation"
	"github.com/framecredit/backend/internal/models"
)

// Tasks adapts Store to generation.TaskStore.
type Tasks struct{ *Store }

var _ generation.TaskStore = Tasks{}

func (s *Store) Tasks() Tasks { return Tasks{s} }

// Create is a no-op for an id that already exists, matching the
// insert-once semantics of the SQL store.
func (t Tasks) Create(_ context.Context, task *models.GenerationTask) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get(task.ID[:]) != nil {
			return nil
		}
		return putJSON(b, task.ID[:], task)
	})
}

func (t Tasks) Get(_ context.Context, id uuid.UUID) (*models.GenerationTask, error) {
	var task models.GenerationTask
	err := t.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTasks).Get(id[:])
		if v == nil {
			return generation.ErrTaskNotFound
		}
		return json.Unmarshal(v, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (t Tasks) Update(_ context.Context, task *models.GenerationTask) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get(task.ID[:]) == nil {
			return generation.ErrTaskNotFound
		}
		return putJSON(b, task.ID[:], task)
	})
}

func (t Tasks) ListByAccount(_ context.Context, accountID string, limit int) ([]*models.GenerationTask, error) {
	list, err := t.scan(func(task *models.GenerationTask) bool { return task.AccountID == accountID })
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (t Tasks) ListUnsettled(_ context.Context) ([]*models.GenerationTask, error) {
	return t.scan(generation.NeedsWork)
}

func (t Tasks) scan(keep func(*models.GenerationTask) bool) ([]*models.GenerationTask, error) {
	var out []*models.GenerationTask
	err := t.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var task models.GenerationTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if keep(&task) {
				out = append(out, &task)
			}
			return nil
		})
	})
	return out, err
}
