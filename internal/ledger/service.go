package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/framecredit/backend/internal/models"
)

// DefaultHistoryLimit caps History when the caller passes a non-positive limit.
const DefaultHistoryLimit = 50

// CreditResult describes the effect of a Credit call. Applied is false when
// the event had already been applied; the remaining fields then describe the
// original application.
type CreditResult struct {
	EventID      string `json:"event_id"`
	AccountID    string `json:"account_id"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	Applied      bool   `json:"applied"`
}

// Service is the credit ledger. Only Reserve surfaces a domain error;
// settling an unknown or already-settled reservation and replaying a payment
// event are no-ops because their callers (webhooks, retried polls) cannot
// guarantee exactly-once delivery.
type Service interface {
	GetBalance(ctx context.Context, accountID string) (int64, error)
	Reserve(ctx context.Context, accountID string, taskID uuid.UUID, amount int64) (*models.Reservation, error)
	Commit(ctx context.Context, reservationID uuid.UUID) error
	Refund(ctx context.Context, reservationID uuid.UUID) error
	Credit(ctx context.Context, eventID, accountID string, amount int64) (*CreditResult, error)
	History(ctx context.Context, accountID string, limit int) ([]*models.LedgerEntry, error)
}

type service struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewService(store Store, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, log: log, now: time.Now}
}

var _ Service = (*service)(nil)

func (s *service) GetBalance(ctx context.Context, accountID string) (int64, error) {
	if strings.TrimSpace(accountID) == "" {
		return 0, ErrInvalidArgument
	}
	return s.store.Balance(ctx, accountID)
}

func (s *service) Reserve(ctx context.Context, accountID string, taskID uuid.UUID, amount int64) (*models.Reservation, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrInvalidArgument
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	r := &models.Reservation{
		ID:        uuid.New(),
		AccountID: accountID,
		TaskID:    taskID,
		Amount:    amount,
		Status:    models.ReservationHeld,
		CreatedAt: s.now().UTC(),
	}
	balance, err := s.store.Reserve(ctx, r)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve credits: %w", err)
	}
	s.log.Info("credits reserved",
		"reservation_id", r.ID, "account_id", accountID, "task_id", taskID,
		"amount", amount, "balance_after", balance)
	return r, nil
}

func (s *service) Commit(ctx context.Context, reservationID uuid.UUID) error {
	return s.settle(ctx, reservationID, models.ReservationCommitted)
}

func (s *service) Refund(ctx context.Context, reservationID uuid.UUID) error {
	return s.settle(ctx, reservationID, models.ReservationRefunded)
}

func (s *service) settle(ctx context.Context, id uuid.UUID, to models.ReservationStatus) error {
	r, changed, err := s.store.Settle(ctx, id, to)
	if err != nil {
		if errors.Is(err, ErrReservationNotFound) {
			s.log.Warn("settle of unknown reservation ignored", "reservation_id", id, "target", to)
			return nil
		}
		return fmt.Errorf("settle reservation %s: %w", id, err)
	}
	if !changed {
		if r.Status == to {
			s.log.Debug("reservation already settled", "reservation_id", id, "status", r.Status)
		} else {
			s.log.Warn("reservation has a different final disposition, ignoring",
				"reservation_id", id, "status", r.Status, "requested", to)
		}
		return nil
	}
	s.log.Info("reservation settled",
		"reservation_id", id, "account_id", r.AccountID, "status", r.Status, "amount", r.Amount)
	return nil
}

func (s *service) Credit(ctx context.Context, eventID, accountID string, amount int64) (*CreditResult, error) {
	if strings.TrimSpace(eventID) == "" || strings.TrimSpace(accountID) == "" {
		return nil, ErrInvalidArgument
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount > MaxCreditAmount {
		return nil, ErrAmountTooLarge
	}
	g := &models.CreditGrant{
		EventID:   eventID,
		AccountID: accountID,
		Amount:    amount,
		CreatedAt: s.now().UTC(),
	}
	applied, err := s.store.ApplyCredit(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("apply credit: %w", err)
	}
	if applied {
		s.log.Info("credits granted",
			"event_id", eventID, "account_id", accountID, "amount", amount, "balance_after", g.BalanceAfter)
	} else {
		s.log.Info("duplicate credit event ignored", "event_id", eventID, "account_id", g.AccountID)
	}
	return &CreditResult{
		EventID:      g.EventID,
		AccountID:    g.AccountID,
		Amount:       g.Amount,
		BalanceAfter: g.BalanceAfter,
		Applied:      applied,
	}, nil
}

func (s *service) History(ctx context.Context, accountID string, limit int) ([]*models.LedgerEntry, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrInvalidArgument
	}
	if limit <= 0 || limit > 500 {
		limit = DefaultHistoryLimit
	}
	return s.store.Entries(ctx, accountID, limit)
}
