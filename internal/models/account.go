package models

// Account is the credit balance held for one external identity. The ID is
// whatever the authentication provider hands us; it is never parsed.
type Account struct {
	ID            string `json:"account_id"`
	CreditBalance int64  `json:"balance"`
}
