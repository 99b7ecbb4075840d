package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/framecredit/backend/internal/ledger"
	"github.com/framecredit/backend/internal/models"
)

// Outcome reports what Settle did with an event.
type Outcome string

const (
	OutcomeCredited  Outcome = "credited"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeDropped marks a succeeded payment that cannot be attributed.
	OutcomeDropped Outcome = "dropped"
	OutcomeIgnored Outcome = "ignored"
)

// Creditor is the ledger operation the settler needs.
type Creditor interface {
	Credit(ctx context.Context, eventID, accountID string, amount int64) (*ledger.CreditResult, error)
}

type Settler struct {
	ledger Creditor
	log    *slog.Logger
}

func NewSettler(l Creditor, log *slog.Logger) *Settler {
	if log == nil {
		log = slog.Default()
	}
	return &Settler{ledger: l, log: log}
}

// Settle applies a verified payment event. Delivery is at least once and in
// any order; only the event id deduplicates. An error means the event was
// not applied and the gateway should redeliver it.
func (s *Settler) Settle(ctx context.Context, ev *models.PaymentEvent) (Outcome, error) {
	if ev.Outcome != models.PaymentSucceeded {
		s.log.Info("payment event ignored", "event_id", ev.EventID, "type", ev.Type, "outcome", ev.Outcome)
		return OutcomeIgnored, nil
	}
	if ev.AccountID == "" || ev.CreditsGranted <= 0 {
		s.log.Error("payment event dropped: missing account or credits",
			"event_id", ev.EventID, "account_id", ev.AccountID, "credits", ev.CreditsGranted,
			"amount_minor_units", ev.AmountMinorUnits, "currency", ev.Currency)
		return OutcomeDropped, nil
	}
	res, err := s.ledger.Credit(ctx, ev.EventID, ev.AccountID, ev.CreditsGranted)
	if errors.Is(err, ledger.ErrAmountTooLarge) || errors.Is(err, ledger.ErrBalanceOverflow) {
		s.log.Error("payment event dropped: credits out of range",
			"event_id", ev.EventID, "account_id", ev.AccountID, "credits", ev.CreditsGranted, "error", err)
		return OutcomeDropped, nil
	}
	if err != nil {
		return "", fmt.Errorf("credit event %s: %w", ev.EventID, err)
	}
	if !res.Applied {
		if res.Amount != ev.CreditsGranted || res.AccountID != ev.AccountID {
			s.log.Warn("duplicate payment event differs from the applied one",
				"event_id", ev.EventID, "applied_amount", res.Amount, "received_amount", ev.CreditsGranted,
				"applied_account", res.AccountID, "received_account", ev.AccountID)
		}
		return OutcomeDuplicate, nil
	}
	s.log.Info("payment settled",
		"event_id", ev.EventID, "account_id", ev.AccountID, "credits", ev.CreditsGranted,
		"balance_after", res.BalanceAfter)
	return OutcomeCredited, nil
}
