package models

import "time"

// EmailVerification is a single-use proof-of-ownership record for an email.
type EmailVerification struct {
	ID        int64
	Email     string
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
	IsUsed    bool
}

// Consumable reports whether the record may still be redeemed at now.
func (v *EmailVerification) Consumable(now time.Time) bool {
	return !v.IsUsed && v.ExpiresAt.After(now)
}
