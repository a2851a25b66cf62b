package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

const selectUser = `SELECT id, public_id, email, username, hashed_password, is_active, is_verified,
		verification_token, verification_token_expires, reset_token, reset_token_expires,
		full_name, avatar_url, created_at, updated_at
	 FROM users`

// PostgresRepository implements Repository over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	query :=
		`INSERT INTO users (public_id, email, username, hashed_password, is_active, is_verified)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`

	err := r.db.QueryRowContext(ctx, query,
		user.PublicID, user.Email, user.UserName, user.PasswordHash, user.IsActive, user.IsVerified,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		if constraint, ok := dbx.UniqueViolation(err); ok {
			return nil, duplicateError(constraint)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

func duplicateError(constraint string) error {
	switch constraint {
	case "users_email_key":
		return fmt.Errorf("%w: %w", common.ErrDuplicateKey, common.ErrDuplicateEmail)
	case "users_username_key":
		return fmt.Errorf("%w: %w", common.ErrDuplicateKey, common.ErrDuplicateUsername)
	default:
		return fmt.Errorf("%w: %s", common.ErrDuplicateKey, constraint)
	}
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getOne(ctx, selectUser+` WHERE email = $1`, email)
}

func (r *PostgresRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.getOne(ctx, selectUser+` WHERE username = $1`, username)
}

func (r *PostgresRepository) GetByPublicID(ctx context.Context, publicID string) (*models.User, error) {
	return r.getOne(ctx, selectUser+` WHERE public_id = $1`, publicID)
}

func (r *PostgresRepository) GetByResetToken(ctx context.Context, token string) (*models.User, error) {
	return r.getOne(ctx, selectUser+` WHERE reset_token = $1 FOR UPDATE`, token)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg any) (*models.User, error) {
	u := &models.User{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.PublicID, &u.Email, &u.UserName, &u.PasswordHash, &u.IsActive, &u.IsVerified,
		&u.VerificationToken, &u.VerificationTokenExpires, &u.ResetToken, &u.ResetTokenExpires,
		&u.FullName, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) SetVerificationToken(ctx context.Context, id int64, token string, expires time.Time) error {
	return r.exec(ctx,
		`UPDATE users SET verification_token = $2, verification_token_expires = $3, updated_at = now()
		 WHERE id = $1`,
		id, token, expires)
}

func (r *PostgresRepository) MarkVerified(ctx context.Context, id int64) error {
	return r.exec(ctx,
		`UPDATE users SET is_verified = TRUE, verification_token = NULL, verification_token_expires = NULL, updated_at = now()
		 WHERE id = $1`,
		id)
}

func (r *PostgresRepository) SetResetToken(ctx context.Context, id int64, token string, expires time.Time) error {
	return r.exec(ctx,
		`UPDATE users SET reset_token = $2, reset_token_expires = $3, updated_at = now()
		 WHERE id = $1`,
		id, token, expires)
}

func (r *PostgresRepository) UpdatePassword(ctx context.Context, id int64, hash string) error {
	return r.exec(ctx,
		`UPDATE users SET hashed_password = $2, reset_token = NULL, reset_token_expires = NULL, updated_at = now()
		 WHERE id = $1`,
		id, hash)
}

func (r *PostgresRepository) UpdateProfile(ctx context.Context, id int64, fullName, avatarURL *string) error {
	return r.exec(ctx,
		`UPDATE users SET full_name = $2, avatar_url = $3, updated_at = now()
		 WHERE id = $1`,
		id, fullName, avatarURL)
}

func (r *PostgresRepository) SetActive(ctx context.Context, id int64, active bool) error {
	return r.exec(ctx,
		`UPDATE users SET is_active = $2, updated_at = now()
		 WHERE id = $1`,
		id, active)
}

// exec runs a single-row update and reports a missing row as not found.
func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if constraint, ok := dbx.UniqueViolation(err); ok {
			return duplicateError(constraint)
		}
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
