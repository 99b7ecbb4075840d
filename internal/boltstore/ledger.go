package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"

	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"

	"github.com/framecredit/backend/internal/ledger"
	"github.com/framecredit/backend/internal/models"
)

// Ledger adapts Store to ledger.Store.
type Ledger struct{ *Store }

var _ ledger.Store = Ledger{}

func (s *Store) Ledger() Ledger { return Ledger{s} }

func (l Ledger) Balance(_ context.Context, accountID string) (int64, error) {
	var bal int64
	err := l.db.View(func(tx *bolt.Tx) error {
		bal = getBalance(tx, accountID)
		return nil
	})
	return bal, err
}

func (l Ledger) Reserve(_ context.Context, r *models.Reservation) (int64, error) {
	var bal int64
	err := l.db.Update(func(tx *bolt.Tx) error {
		bal = getBalance(tx, r.AccountID)
		if bal < r.Amount {
			return ledger.ErrInsufficientCredits
		}
		bal -= r.Amount
		if err := putBalance(tx, r.AccountID, bal); err != nil {
			return err
		}
		if err := putJSON(tx.Bucket(bucketReservations), r.ID[:], r); err != nil {
			return err
		}
		return l.journal(tx, r.AccountID, models.CreditEntryReserve, r.Amount, bal, &r.ID, "")
	})
	if err != nil {
		return 0, err
	}
	return bal, nil
}

func (l Ledger) Settle(_ context.Context, id uuid.UUID, to models.ReservationStatus) (*models.Reservation, bool, error) {
	var res models.Reservation
	changed := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		v := b.Get(id[:])
		if v == nil {
			return ledger.ErrReservationNotFound
		}
		if err := json.Unmarshal(v, &res); err != nil {
			return err
		}
		if res.Status != models.ReservationHeld {
			return nil
		}
		now := l.now().UTC()
		res.Status = to
		res.SettledAt = &now

		bal := getBalance(tx, res.AccountID)
		entryType := models.CreditEntryCommit
		if to == models.ReservationRefunded {
			entryType = models.CreditEntryRefund
			bal += res.Amount
			if err := putBalance(tx, res.AccountID, bal); err != nil {
				return err
			}
		}
		if err := putJSON(b, id[:], &res); err != nil {
			return err
		}
		changed = true
		return l.journal(tx, res.AccountID, entryType, res.Amount, bal, &res.ID, "")
	})
	if err != nil {
		return nil, false, err
	}
	return &res, changed, nil
}

func (l Ledger) ApplyCredit(_ context.Context, g *models.CreditGrant) (bool, error) {
	applied := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGrants)
		if existing := b.Get([]byte(g.EventID)); existing != nil {
			return json.Unmarshal(existing, g)
		}
		bal := getBalance(tx, g.AccountID)
		if bal > math.MaxInt64-g.Amount {
			return ledger.ErrBalanceOverflow
		}
		bal += g.Amount
		if err := putBalance(tx, g.AccountID, bal); err != nil {
			return err
		}
		g.BalanceAfter = bal
		if err := putJSON(b, []byte(g.EventID), g); err != nil {
			return err
		}
		applied = true
		return l.journal(tx, g.AccountID, models.CreditEntryCredit, g.Amount, bal, nil, g.EventID)
	})
	return applied, err
}

func (l Ledger) Entries(_ context.Context, accountID string, limit int) ([]*models.LedgerEntry, error) {
	var out []*models.LedgerEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries).Bucket([]byte(accountID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e models.LedgerEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

// journal appends to the per-account entries bucket keyed by sequence so a
// cursor walks them in insertion order.
func (l Ledger) journal(tx *bolt.Tx, accountID, entryType string, amount, balanceAfter int64, reservationID *uuid.UUID, eventID string) error {
	b, err := tx.Bucket(bucketEntries).CreateBucketIfNotExists([]byte(accountID))
	if err != nil {
		return err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	e := &models.LedgerEntry{
		ID:            uuid.New(),
		AccountID:     accountID,
		EntryType:     entryType,
		Amount:        amount,
		BalanceAfter:  balanceAfter,
		ReservationID: reservationID,
		EventID:       eventID,
		CreatedAt:     l.now().UTC(),
	}
	return putJSON(b, itob(seq), e)
}

// SetBalance seeds an account balance outside the journal.
func (l Ledger) SetBalance(accountID string, balance int64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return putBalance(tx, accountID, balance)
	})
}

func getBalance(tx *bolt.Tx, accountID string) int64 {
	v := tx.Bucket(bucketAccounts).Get([]byte(accountID))
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func putBalance(tx *bolt.Tx, accountID string, balance int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(balance))
	return tx.Bucket(bucketAccounts).Put([]byte(accountID), buf)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
