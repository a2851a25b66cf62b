// Package emailverifications declares the repository contract for
// single-use email verification records and its PostgreSQL implementation.
package emailverifications

import (
	"context"

	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// Repository defines operations on email verification records.
type Repository interface {
	// Create stores v and fills in ID and CreatedAt.
	Create(ctx context.Context, v *models.EmailVerification) (*models.EmailVerification, error)

	// DeleteByEmail removes every record for email. Deleting nothing is not an error.
	DeleteByEmail(ctx context.Context, email string) error

	// GetByToken returns the record for token, locked for the rest of the
	// transaction, or common.ErrorNotFound.
	GetByToken(ctx context.Context, token string) (*models.EmailVerification, error)

	// MarkUsed flags an unused record as used. It returns
	// common.ErrorNotFound when the record is missing or already used, so
	// two concurrent consumers cannot both succeed.
	MarkUsed(ctx context.Context, id int64) error
}
