package ledger

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moby/locker"

	"github.com/framecredit/backend/internal/models"
)

// MemoryStore is an in-process Store. Balance mutations are serialized per
// account with a keyed lock; grants additionally lock on the event id so two
// deliveries of the same event cannot both apply.
type MemoryStore struct {
	locks *locker.Locker

	mu           sync.RWMutex
	balances     map[string]int64
	reservations map[uuid.UUID]*models.Reservation
	grants       map[string]*models.CreditGrant
	entries      map[string][]*models.LedgerEntry

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:        locker.New(),
		balances:     make(map[string]int64),
		reservations: make(map[uuid.UUID]*models.Reservation),
		grants:       make(map[string]*models.CreditGrant),
		entries:      make(map[string][]*models.LedgerEntry),
		now:          time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) lock(key string) (unlock func()) {
	m.locks.Lock(key)
	return func() { _ = m.locks.Unlock(key) }
}

// SetBalance seeds an account balance. Intended for tests and local runs.
func (m *MemoryStore) SetBalance(accountID string, balance int64) {
	unlock := m.lock(accountKey(accountID))
	defer unlock()
	m.mu.Lock()
	m.balances[accountID] = balance
	m.mu.Unlock()
}

func (m *MemoryStore) Balance(_ context.Context, accountID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[accountID], nil
}

func (m *MemoryStore) Reserve(_ context.Context, r *models.Reservation) (int64, error) {
	unlock := m.lock(accountKey(r.AccountID))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	balance := m.balances[r.AccountID]
	if balance < r.Amount {
		return balance, ErrInsufficientCredits
	}
	balance -= r.Amount
	m.balances[r.AccountID] = balance
	cp := *r
	m.reservations[r.ID] = &cp
	m.journal(r.AccountID, models.CreditEntryReserve, r.Amount, balance, &r.ID, "")
	return balance, nil
}

func (m *MemoryStore) Settle(_ context.Context, id uuid.UUID, to models.ReservationStatus) (*models.Reservation, bool, error) {
	m.mu.RLock()
	r, ok := m.reservations[id]
	var accountID string
	if ok {
		accountID = r.AccountID
	}
	m.mu.RUnlock()
	if !ok {
		return nil, false, ErrReservationNotFound
	}

	unlock := m.lock(accountKey(accountID))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Status != models.ReservationHeld {
		cp := *r
		return &cp, false, nil
	}
	now := m.now().UTC()
	r.Status = to
	r.SettledAt = &now
	balance := m.balances[accountID]
	switch to {
	case models.ReservationRefunded:
		balance += r.Amount
		m.balances[accountID] = balance
		m.journal(accountID, models.CreditEntryRefund, r.Amount, balance, &r.ID, "")
	case models.ReservationCommitted:
		m.journal(accountID, models.CreditEntryCommit, r.Amount, balance, &r.ID, "")
	}
	cp := *r
	return &cp, true, nil
}

func (m *MemoryStore) ApplyCredit(_ context.Context, g *models.CreditGrant) (bool, error) {
	unlockEvent := m.lock("event:" + g.EventID)
	defer unlockEvent()

	m.mu.RLock()
	existing, ok := m.grants[g.EventID]
	m.mu.RUnlock()
	if ok {
		*g = *existing
		return false, nil
	}

	unlock := m.lock(accountKey(g.AccountID))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	balance := m.balances[g.AccountID]
	if balance > math.MaxInt64-g.Amount {
		return false, ErrBalanceOverflow
	}
	balance += g.Amount
	m.balances[g.AccountID] = balance
	g.BalanceAfter = balance
	cp := *g
	m.grants[g.EventID] = &cp
	m.journal(g.AccountID, models.CreditEntryCredit, g.Amount, balance, nil, g.EventID)
	return true, nil
}

func (m *MemoryStore) Entries(_ context.Context, accountID string, limit int) ([]*models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.entries[accountID]
	out := make([]*models.LedgerEntry, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

// journal appends an entry; caller holds m.mu.
func (m *MemoryStore) journal(accountID, entryType string, amount, balanceAfter int64, reservationID *uuid.UUID, eventID string) {
	e := &models.LedgerEntry{
		ID:           uuid.New(),
		AccountID:    accountID,
		EntryType:    entryType,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		EventID:      eventID,
		CreatedAt:    m.now().UTC(),
	}
	if reservationID != nil {
		id := *reservationID
		e.ReservationID = &id
	}
	m.entries[accountID] = append(m.entries[accountID], e)
}

func accountKey(accountID string) string { return "account:" + accountID }
