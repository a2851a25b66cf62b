// Package models defines server-side data models persisted in the database.
package models

import "time"

// User is an account record. ID is the storage key and never leaves the
// server; PublicID is the stable external handle carried in tokens.
type User struct {
	ID           int64
	PublicID     string
	Email        string
	UserName     string
	PasswordHash string
	IsActive     bool
	IsVerified   bool

	// Latest issued email verification token, mirrored from the
	// email_verifications table and cleared once consumed.
	VerificationToken        *string
	VerificationTokenExpires *time.Time

	ResetToken        *string
	ResetTokenExpires *time.Time

	FullName  *string
	AvatarURL *string

	CreatedAt time.Time
	UpdatedAt *time.Time
}

// ResetTokenValid reports whether token is the user's live reset token at now.
func (u *User) ResetTokenValid(token string, now time.Time) bool {
	return u.ResetToken != nil && *u.ResetToken == token &&
		u.ResetTokenExpires != nil && u.ResetTokenExpires.After(now)
}
