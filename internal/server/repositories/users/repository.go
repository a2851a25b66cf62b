// Package users declares the user account repository contract and its
// PostgreSQL implementation.
package users

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// Repository persists user accounts. Lookups return common.ErrorNotFound when
// no row matches; updates of a missing row return common.ErrorNotFound too.
type Repository interface {
	// Create inserts user and fills in ID and CreatedAt. A clash
	// on email or username yields an error matching both
	// common.ErrDuplicateKey and common.ErrDuplicateEmail / ErrDuplicateUsername.
	Create(ctx context.Context, user *models.User) (*models.User, error)

	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByPublicID(ctx context.Context, publicID string) (*models.User, error)

	// GetByResetToken locks the row for the rest of the transaction.
	GetByResetToken(ctx context.Context, token string) (*models.User, error)

	// SetVerificationToken mirrors the latest issued verification token.
	SetVerificationToken(ctx context.Context, id int64, token string, expires time.Time) error

	// MarkVerified sets is_verified and clears the verification token.
	MarkVerified(ctx context.Context, id int64) error

	SetResetToken(ctx context.Context, id int64, token string, expires time.Time) error

	// UpdatePassword stores hash and clears the reset token.
	UpdatePassword(ctx context.Context, id int64, hash string) error

	UpdateProfile(ctx context.Context, id int64, fullName, avatarURL *string) error

	// SetActive is the administrative soft (de)activation switch.
	SetActive(ctx context.Context, id int64, active bool) error
}
