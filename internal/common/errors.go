// Package common defines shared sentinel errors used across the server
// layers of gophauth. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound   = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")

	// Validation errors, raised by the HTTP layer before the core is reached.
	ErrValidation = errors.New("validation error")

	// Registration errors.
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrDuplicateUsername = errors.New("username already taken")

	// Authentication errors. ErrInvalidCredentials never tells whether the
	// identity or the secret was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactiveAccount    = errors.New("inactive account")
	ErrEmailNotVerified   = errors.New("email not verified")
	ErrUserNotFound       = errors.New("user not found")

	// Auth errors (invalid, expired, wrong-type or malformed bearer token).
	ErrInvalidToken = errors.New("invalid token")

	// Verification / password-reset record errors.
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrAlreadyVerified       = errors.New("email already verified")

	// ErrVerificationOrphaned reports a verification record whose email does
	// not resolve to any user.
	ErrVerificationOrphaned = errors.New("verification record has no owning user")

	// ErrNotificationFailed wraps a delivery failure that happened after the
	// associated state change was committed.
	ErrNotificationFailed = errors.New("notification failed")
)
