package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/framecredit/backend/internal/models"
)

// MaxCreditAmount bounds a single grant.
const MaxCreditAmount int64 = 1_000_000_000_000

var (
	// ErrInsufficientCredits is returned by Reserve when the balance is lower
	// than the requested amount. The balance is left untouched.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrAmountTooLarge is returned by Credit for grants above MaxCreditAmount.
	ErrAmountTooLarge = errors.New("credit amount too large")
	// ErrBalanceOverflow is returned by stores when a grant would push a
	// balance past the int64 range. Nothing is written.
	ErrBalanceOverflow = errors.New("balance would overflow")
	// ErrInvalidArgument is returned when an account or event id is missing.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrReservationNotFound is returned by stores; the Service treats it as a
	// benign no-op.
	ErrReservationNotFound = errors.New("reservation not found")
)

// Store is the account store the ledger is built on. Every method that
// mutates a balance must be atomic with respect to other calls for the same
// account: implementations either serialize per account or push the check and
// the write into a single store-side operation.
type Store interface {
	// Balance returns the balance of accountID, 0 for unknown accounts.
	Balance(ctx context.Context, accountID string) (int64, error)

	// Reserve decrements the balance by r.Amount if and only if the balance
	// covers it, persists r as HELD and journals a reserve entry.
	// Returns ErrInsufficientCredits otherwise.
	Reserve(ctx context.Context, r *models.Reservation) (balanceAfter int64, err error)

	// Settle moves a HELD reservation to status `to` (COMMITTED or REFUNDED),
	// returning the amount to the balance on REFUNDED. If the reservation is
	// already settled it is returned unchanged with changed=false.
	Settle(ctx context.Context, id uuid.UUID, to models.ReservationStatus) (r *models.Reservation, changed bool, err error)

	// ApplyCredit adds g.Amount to the account once per g.EventID. When the
	// event was already applied, g is overwritten with the stored grant and
	// applied is false.
	ApplyCredit(ctx context.Context, g *models.CreditGrant) (applied bool, err error)

	// Entries returns the newest journal entries for accountID.
	Entries(ctx context.Context, accountID string, limit int) ([]*models.LedgerEntry, error)
}
