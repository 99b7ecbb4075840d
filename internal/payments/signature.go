package payments

import (
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac>". Several v1
// values may be present during secret rotation.
const SignatureHeader = "Stripe-Signature"

const DefaultTolerance = webhook.DefaultTolerance

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleSignature   = errors.New("webhook timestamp outside tolerance")
)

// Verifier authenticates Stripe webhook deliveries with the endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is empty")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}, nil
}

// Construct verifies header against body and decodes the event. The event's
// API version is not enforced; only the checkout fields we read matter.
func (v *Verifier) Construct(header string, body []byte) (stripe.Event, error) {
	ev, err := webhook.ConstructEventWithOptions(body, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	switch {
	case err == nil:
		return ev, nil
	case errors.Is(err, webhook.ErrNotSigned):
		return ev, ErrMissingSignature
	case errors.Is(err, webhook.ErrTooOld):
		return ev, ErrStaleSignature
	case errors.Is(err, webhook.ErrInvalidHeader), errors.Is(err, webhook.ErrNoValidSignature):
		return ev, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	default:
		// Signature passed; the payload itself did not decode.
		return ev, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
}

// Sign returns a header value for body at time t, as Stripe would send it.
func (v *Verifier) Sign(t time.Time, body []byte) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    v.secret,
		Timestamp: t,
	}).Header
}
