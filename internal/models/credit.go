package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit ledger entry types. Amount on an entry is always a magnitude; the
// direction follows from the type.
const (
	CreditEntryReserve = "reserve" // debits the balance
	CreditEntryCommit  = "commit"  // reservation spent, balance unchanged
	CreditEntryRefund  = "refund"  // reservation returned to the balance
	CreditEntryCredit  = "credit"  // payment grant
)

// ReservationStatus is the disposition of a credit hold.
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationRefunded  ReservationStatus = "REFUNDED"
)

// LedgerEntry records exactly one balance-affecting ledger operation.
type LedgerEntry struct {
	ID            uuid.UUID  `json:"id"`
	AccountID     string     `json:"account_id"`
	EntryType     string     `json:"entry_type"`
	Amount        int64      `json:"amount"`
	BalanceAfter  int64      `json:"balance_after"`
	ReservationID *uuid.UUID `json:"reservation_id,omitempty"`
	EventID       string     `json:"event_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Reservation is a provisional hold on credits tied to one generation task.
type Reservation struct {
	ID        uuid.UUID         `json:"id"`
	AccountID string            `json:"account_id"`
	TaskID    uuid.UUID         `json:"task_id"`
	Amount    int64             `json:"amount"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	SettledAt *time.Time        `json:"settled_at,omitempty"`
}

// CreditGrant is the idempotency record for a payment event that has been
// applied to an account.
type CreditGrant struct {
	EventID      string    `json:"event_id"`
	AccountID    string    `json:"account_id"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}
