// Package payments turns payment gateway webhooks into ledger credits.
package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v82"

	"github.com/framecredit/backend/internal/models"
)

// ErrMalformedEvent is returned for payloads that are not a gateway event.
var ErrMalformedEvent = errors.New("malformed payment event")

// Gateway event types we act on. Anything else is acknowledged and ignored.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventPaymentFailed         = "payment_intent.payment_failed"
)

// ParseEvent maps a verified Stripe event to a PaymentEvent. The account and
// credit amount travel in the checkout session metadata; the account falls
// back to client_reference_id. Missing account or credits are left zero for
// the Settler to drop.
func ParseEvent(ev stripe.Event) (*models.PaymentEvent, error) {
	if strings.TrimSpace(ev.ID) == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	out := &models.PaymentEvent{
		EventID: ev.ID,
		Type:    string(ev.Type),
		Outcome: models.PaymentFailed,
	}
	if !strings.HasPrefix(out.Type, "checkout.session.") {
		return out, nil
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing checkout session", ErrMalformedEvent)
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: checkout session: %w", ErrMalformedEvent, err)
	}

	account := sess.Metadata["account_id"]
	if account == "" {
		account = sess.ClientReferenceID
	}
	credits, _ := strconv.ParseInt(strings.TrimSpace(sess.Metadata["credits"]), 10, 64)

	out.AccountID = strings.TrimSpace(account)
	out.CreditsGranted = credits
	out.AmountMinorUnits = sess.AmountTotal
	out.Currency = strings.ToUpper(string(sess.Currency))
	out.Outcome = outcomeOf(out.Type, sess.PaymentStatus)
	return out, nil
}

func outcomeOf(typ string, status stripe.CheckoutSessionPaymentStatus) string {
	switch typ {
	case EventCheckoutCompleted:
		// Delayed payment methods complete the session before the money
		// arrives; those are credited by the async success event.
		if status == stripe.CheckoutSessionPaymentStatusPaid {
			return models.PaymentSucceeded
		}
		return models.PaymentFailed
	case EventAsyncPaymentSucceeded:
		return models.PaymentSucceeded
	default:
		return models.PaymentFailed
	}
}
