package models

// Payment outcomes reported by the gateway.
const (
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
)

// PaymentEvent is a verified payment-completion notification.
type PaymentEvent struct {
	EventID          string `json:"event_id"`
	Type             string `json:"type"`
	AccountID        string `json:"account_id"`
	CreditsGranted   int64  `json:"credits_granted"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Currency         string `json:"currency"`
	Outcome          string `json:"outcome"`
}
