package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/framecredit/backend/internal/models"
)

// Schema creates the ledger tables. The CHECK on balance backs up the
// conditional UPDATE in Reserve.
const Schema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	account_id  TEXT PRIMARY KEY,
	balance     BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credit_reservations (
	id          UUID PRIMARY KEY,
	account_id  TEXT NOT NULL,
	task_id     UUID NOT NULL UNIQUE,
	amount      BIGINT NOT NULL CHECK (amount > 0),
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	settled_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS credit_grants (
	event_id       TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL,
	amount         BIGINT NOT NULL,
	balance_after  BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credit_ledger (
	id              UUID PRIMARY KEY,
	account_id      TEXT NOT NULL,
	entry_type      TEXT NOT NULL,
	amount          BIGINT NOT NULL,
	balance_after   BIGINT NOT NULL,
	reservation_id  UUID,
	event_id        TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_credit_ledger_account ON credit_ledger (account_id, created_at DESC);
`

// Repository is the Postgres Store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// Migrate applies Schema. Safe to run on every start.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, Schema)
	return err
}

func (r *Repository) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM credit_accounts WHERE account_id = $1`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// Reserve runs the check and the decrement as one conditional UPDATE, so two
// concurrent reservations for the same account cannot both pass the check.
func (r *Repository) Reserve(ctx context.Context, res *models.Reservation) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = balance - $1, updated_at = now()
		WHERE account_id = $2 AND balance >= $1
		RETURNING balance
	`, res.Amount, res.AccountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO credit_reservations (id, account_id, task_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, res.ID, res.AccountID, res.TaskID, res.Amount, string(res.Status), res.CreatedAt)
	if err != nil {
		return 0, err
	}
	if err := insertEntry(ctx, tx, res.AccountID, models.CreditEntryReserve, res.Amount, balance, &res.ID, ""); err != nil {
		return 0, err
	}
	return balance, tx.Commit(ctx)
}

// Settle locks the reservation row so a concurrent commit and refund resolve
// to exactly one disposition.
func (r *Repository) Settle(ctx context.Context, id uuid.UUID, to models.ReservationStatus) (*models.Reservation, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var res models.Reservation
	var status string
	err = tx.QueryRow(ctx, `
		SELECT id, account_id, task_id, amount, status, created_at, settled_at
		FROM credit_reservations WHERE id = $1 FOR UPDATE
	`, id).Scan(&res.ID, &res.AccountID, &res.TaskID, &res.Amount, &status, &res.CreatedAt, &res.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrReservationNotFound
	}
	if err != nil {
		return nil, false, err
	}
	res.Status = models.ReservationStatus(status)
	if res.Status != models.ReservationHeld {
		return &res, false, nil
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE credit_reservations SET status = $1, settled_at = $2 WHERE id = $3
	`, string(to), now, id); err != nil {
		return nil, false, err
	}

	var balance int64
	entryType := models.CreditEntryCommit
	if to == models.ReservationRefunded {
		entryType = models.CreditEntryRefund
		err = tx.QueryRow(ctx, `
			UPDATE credit_accounts SET balance = balance + $1, updated_at = now()
			WHERE account_id = $2
			RETURNING balance
		`, res.Amount, res.AccountID).Scan(&balance)
	} else {
		err = tx.QueryRow(ctx, `SELECT balance FROM credit_accounts WHERE account_id = $1`, res.AccountID).Scan(&balance)
	}
	if err != nil {
		return nil, false, err
	}
	if err := insertEntry(ctx, tx, res.AccountID, entryType, res.Amount, balance, &res.ID, ""); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	res.Status = to
	res.SettledAt = &now
	return &res, true, nil
}

// ApplyCredit inserts the grant first; the primary key on event_id makes a
// concurrent duplicate wait for the first transaction and then do nothing.
func (r *Repository) ApplyCredit(ctx context.Context, g *models.CreditGrant) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_grants (event_id, account_id, amount, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`, g.EventID, g.AccountID, g.Amount, g.CreatedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		err := tx.QueryRow(ctx, `
			SELECT event_id, account_id, amount, balance_after, created_at
			FROM credit_grants WHERE event_id = $1
		`, g.EventID).Scan(&g.EventID, &g.AccountID, &g.Amount, &g.BalanceAfter, &g.CreatedAt)
		return false, err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO credit_accounts (account_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE
		SET balance = credit_accounts.balance + EXCLUDED.balance, updated_at = now()
		RETURNING balance
	`, g.AccountID, g.Amount).Scan(&g.BalanceAfter)
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE credit_grants SET balance_after = $1 WHERE event_id = $2`, g.BalanceAfter, g.EventID); err != nil {
		return false, err
	}
	if err := insertEntry(ctx, tx, g.AccountID, models.CreditEntryCredit, g.Amount, g.BalanceAfter, nil, g.EventID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (r *Repository) Entries(ctx context.Context, accountID string, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, entry_type, amount, balance_after, reservation_id, COALESCE(event_id, ''), created_at
		FROM credit_ledger WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.EntryType, &e.Amount, &e.BalanceAfter, &e.ReservationID, &e.EventID, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

func insertEntry(ctx context.Context, tx pgx.Tx, accountID, entryType string, amount, balanceAfter int64, reservationID *uuid.UUID, eventID string) error {
	var ev *string
	if eventID != "" {
		ev = &eventID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger (id, account_id, entry_type, amount, balance_after, reservation_id, event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), accountID, entryType, amount, balanceAfter, reservationID, ev)
	return err
}
