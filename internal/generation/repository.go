package generation

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/framecredit/backend/internal/models"
)

const Schema = `
CREATE TABLE IF NOT EXISTS generation_tasks (
	id                UUID PRIMARY KEY,
	provider_task_id  TEXT NOT NULL DEFAULT '',
	account_id        TEXT NOT NULL,
	provider          TEXT NOT NULL,
	mode              TEXT NOT NULL,
	prompt            TEXT NOT NULL,
	image_url         TEXT NOT NULL DEFAULT '',
	aspect_ratio      TEXT NOT NULL DEFAULT '',
	credits_reserved  BIGINT NOT NULL,
	reservation_id    UUID NOT NULL,
	state             TEXT NOT NULL,
	settlement        TEXT NOT NULL,
	failure_kind      TEXT NOT NULL DEFAULT '',
	result_url        TEXT,
	failure_reason    TEXT,
	poll_attempts     INT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	last_polled_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_generation_tasks_account ON generation_tasks (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_generation_tasks_unsettled ON generation_tasks (state)
	WHERE settlement = 'pending';
`

const taskColumns = `id, provider_task_id, account_id, provider, mode, prompt, image_url, aspect_ratio,
	credits_reserved, reservation_id, state, settlement, failure_kind, result_url, failure_reason,
	poll_attempts, created_at, updated_at, last_polled_at`

// Repository is the Postgres TaskStore.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ TaskStore = (*Repository)(nil)

func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, Schema)
	return err
}

func (r *Repository) Create(ctx context.Context, t *models.GenerationTask) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO generation_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.ProviderTaskID, t.AccountID, t.Provider, string(t.Mode), t.Prompt, t.ImageURL, t.AspectRatio,
		t.CreditsReserved, t.ReservationID, string(t.State), t.Settlement, t.FailureKind, t.ResultURL, t.FailureReason,
		t.PollAttempts, t.CreatedAt, t.UpdatedAt, t.LastPolledAt)
	return err
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.GenerationTask, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM generation_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func (r *Repository) Update(ctx context.Context, t *models.GenerationTask) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generation_tasks SET
			provider_task_id = $2, state = $3, settlement = $4, failure_kind = $5,
			result_url = $6, failure_reason = $7, poll_attempts = $8, updated_at = $9, last_polled_at = $10
		WHERE id = $1
	`, t.ID, t.ProviderTaskID, string(t.State), t.Settlement, t.FailureKind,
		t.ResultURL, t.FailureReason, t.PollAttempts, t.UpdatedAt, t.LastPolledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *Repository) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.GenerationTask, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM generation_tasks
		WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (r *Repository) ListUnsettled(ctx context.Context) ([]*models.GenerationTask, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM generation_tasks
		WHERE settlement = 'pending'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*models.GenerationTask, error) {
	defer rows.Close()
	var list []*models.GenerationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func scanTask(row pgx.Row) (*models.GenerationTask, error) {
	var t models.GenerationTask
	var mode, state string
	err := row.Scan(&t.ID, &t.ProviderTaskID, &t.AccountID, &t.Provider, &mode, &t.Prompt, &t.ImageURL, &t.AspectRatio,
		&t.CreditsReserved, &t.ReservationID, &state, &t.Settlement, &t.FailureKind, &t.ResultURL, &t.FailureReason,
		&t.PollAttempts, &t.CreatedAt, &t.UpdatedAt, &t.LastPolledAt)
	if err != nil {
		return nil, err
	}
	t.Mode = models.Mode(mode)
	t.State = models.TaskState(state)
	return &t, nil
}
