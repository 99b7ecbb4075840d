// Package redisledger keeps the credit ledger in Redis. Every balance
// mutation is a single Lua script so the check and the write cannot
// interleave with another client.
package redisledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/framecredit/backend/internal/ledger"
	"github.com/framecredit/backend/internal/models"
)

var reserveScript = redis.NewScript(`
local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if bal < amount then
	return -1
end
bal = redis.call('DECRBY', KEYS[1], amount)
redis.call('HSET', KEYS[2], 'account_id', ARGV[2], 'task_id', ARGV[3], 'amount', ARGV[1], 'status', 'HELD', 'created_at', ARGV[4])
local e = cjson.decode(ARGV[5])
e['balance_after'] = bal
redis.call('LPUSH', KEYS[3], cjson.encode(e))
return bal
`)

var settleScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then
	return {'', 0}
end
if st ~= 'HELD' then
	return {st, 0}
end
local amount = tonumber(redis.call('HGET', KEYS[1], 'amount'))
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'settled_at', ARGV[2])
local bal
if ARGV[1] == 'REFUNDED' then
	bal = redis.call('INCRBY', KEYS[2], amount)
else
	bal = tonumber(redis.call('GET', KEYS[2]) or '0')
end
local e = cjson.decode(ARGV[3])
e['balance_after'] = bal
redis.call('LPUSH', KEYS[3], cjson.encode(e))
return {'HELD', bal}
`)

var grantScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return -1
end
local bal = redis.call('INCRBY', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'account_id', ARGV[2], 'amount', ARGV[1], 'balance_after', bal, 'created_at', ARGV[3])
local e = cjson.decode(ARGV[4])
e['balance_after'] = bal
redis.call('LPUSH', KEYS[3], cjson.encode(e))
return bal
`)

// Store implements ledger.Store on a Redis client.
type Store struct {
	rdb    *redis.Client
	prefix string

	now   func() time.Time
	newID func() uuid.UUID
}

// NewStore returns a Store whose keys all start with prefix ("credits" when empty).
func NewStore(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "credits"
	}
	return &Store{rdb: rdb, prefix: prefix, now: time.Now, newID: uuid.New}
}

var _ ledger.Store = (*Store)(nil)

func (s *Store) balanceKey(accountID string) string { return s.prefix + ":balance:" + accountID }
func (s *Store) journalKey(accountID string) string { return s.prefix + ":journal:" + accountID }
func (s *Store) reservationKey(id uuid.UUID) string  { return s.prefix + ":reservation:" + id.String() }
func (s *Store) grantKey(eventID string) string      { return s.prefix + ":grant:" + eventID }

func (s *Store) Balance(ctx context.Context, accountID string) (int64, error) {
	v, err := s.rdb.Get(ctx, s.balanceKey(accountID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (s *Store) Reserve(ctx context.Context, r *models.Reservation) (int64, error) {
	entry, err := s.entry(r.AccountID, models.CreditEntryReserve, r.Amount, &r.ID, "")
	if err != nil {
		return 0, err
	}
	keys := []string{s.balanceKey(r.AccountID), s.reservationKey(r.ID), s.journalKey(r.AccountID)}
	bal, err := reserveScript.Run(ctx, s.rdb, keys,
		r.Amount, r.AccountID, r.TaskID.String(), r.CreatedAt.Format(time.RFC3339Nano), entry).Int64()
	if err != nil {
		return 0, fmt.Errorf("reserve script: %w", err)
	}
	if bal < 0 {
		return 0, ledger.ErrInsufficientCredits
	}
	return bal, nil
}

func (s *Store) Settle(ctx context.Context, id uuid.UUID, to models.ReservationStatus) (*models.Reservation, bool, error) {
	key := s.reservationKey(id)
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, ledger.ErrReservationNotFound
	}
	res, err := parseReservation(id, fields)
	if err != nil {
		return nil, false, err
	}

	entryType := models.CreditEntryCommit
	if to == models.ReservationRefunded {
		entryType = models.CreditEntryRefund
	}
	entry, err := s.entry(res.AccountID, entryType, res.Amount, &id, "")
	if err != nil {
		return nil, false, err
	}
	settledAt := s.now().UTC()
	keys := []string{key, s.balanceKey(res.AccountID), s.journalKey(res.AccountID)}
	out, err := settleScript.Run(ctx, s.rdb, keys, string(to), settledAt.Format(time.RFC3339Nano), entry).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("settle script: %w", err)
	}
	if len(out) != 2 {
		return nil, false, fmt.Errorf("settle script: unexpected reply %v", out)
	}
	prior, _ := out[0].(string)
	switch prior {
	case "":
		return nil, false, ledger.ErrReservationNotFound
	case string(models.ReservationHeld):
		res.Status = to
		res.SettledAt = &settledAt
		return res, true, nil
	default:
		res.Status = models.ReservationStatus(prior)
		return res, false, nil
	}
}

func (s *Store) ApplyCredit(ctx context.Context, g *models.CreditGrant) (bool, error) {
	entry, err := s.entry(g.AccountID, models.CreditEntryCredit, g.Amount, nil, g.EventID)
	if err != nil {
		return false, err
	}
	keys := []string{s.grantKey(g.EventID), s.balanceKey(g.AccountID), s.journalKey(g.AccountID)}
	bal, err := grantScript.Run(ctx, s.rdb, keys,
		g.Amount, g.AccountID, g.CreatedAt.Format(time.RFC3339Nano), entry).Int64()
	if err != nil {
		return false, fmt.Errorf("grant script: %w", err)
	}
	if bal >= 0 {
		g.BalanceAfter = bal
		return true, nil
	}

	fields, err := s.rdb.HGetAll(ctx, s.grantKey(g.EventID)).Result()
	if err != nil {
		return false, err
	}
	g.AccountID = fields["account_id"]
	g.Amount, _ = strconv.ParseInt(fields["amount"], 10, 64)
	g.BalanceAfter, _ = strconv.ParseInt(fields["balance_after"], 10, 64)
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		g.CreatedAt = t
	}
	return false, nil
}

func (s *Store) Entries(ctx context.Context, accountID string, limit int) ([]*models.LedgerEntry, error) {
	raw, err := s.rdb.LRange(ctx, s.journalKey(accountID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*models.LedgerEntry, 0, len(raw))
	for _, item := range raw {
		var e models.LedgerEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode journal entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// entry renders a journal entry; the scripts fill in balance_after.
func (s *Store) entry(accountID, entryType string, amount int64, reservationID *uuid.UUID, eventID string) (string, error) {
	b, err := json.Marshal(models.LedgerEntry{
		ID:            s.newID(),
		AccountID:     accountID,
		EntryType:     entryType,
		Amount:        amount,
		ReservationID: reservationID,
		EventID:       eventID,
		CreatedAt:     s.now().UTC(),
	})
	return string(b), err
}

func parseReservation(id uuid.UUID, f map[string]string) (*models.Reservation, error) {
	taskID, err := uuid.Parse(f["task_id"])
	if err != nil {
		return nil, fmt.Errorf("reservation %s: task_id: %w", id, err)
	}
	amount, err := strconv.ParseInt(f["amount"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("reservation %s: amount: %w", id, err)
	}
	r := &models.Reservation{
		ID:        id,
		AccountID: f["account_id"],
		TaskID:    taskID,
		Amount:    amount,
		Status:    models.ReservationStatus(f["status"]),
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, f["created_at"])
	if v, ok := f["settled_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			r.SettledAt = &t
		}
	}
	return r, nil
}
