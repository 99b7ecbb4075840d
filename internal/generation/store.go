package generation

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/framecredit/backend/internal/models"
)

// ErrTaskNotFound is returned by stores for unknown task ids.
var ErrTaskNotFound = errors.New("generation task not found")

// TaskStore persists generation tasks. Update replaces the stored row with t
// and fails with ErrTaskNotFound when t was never created.
type TaskStore interface {
	Create(ctx context.Context, t *models.GenerationTask) error
	Get(ctx context.Context, id uuid.UUID) (*models.GenerationTask, error)
	Update(ctx context.Context, t *models.GenerationTask) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.GenerationTask, error)
	// ListUnsettled returns tasks that are non-terminal or whose reservation
	// has not been settled yet.
	ListUnsettled(ctx context.Context) ([]*models.GenerationTask, error)
}

// NeedsWork reports whether the orchestrator still owes t a poll or a
// settlement.
func NeedsWork(t *models.GenerationTask) bool {
	return !t.State.IsTerminal() || t.Settlement == models.SettlementPending
}
