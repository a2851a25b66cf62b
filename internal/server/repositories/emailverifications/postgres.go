package emailverifications

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// PostgresRepository implements Repository over dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, v *models.EmailVerification) (*models.EmailVerification, error) {
	query := `
		INSERT INTO email_verifications (email, token, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	if err := r.db.QueryRowContext(ctx, query, v.Email, v.Token, v.ExpiresAt).Scan(&v.ID, &v.CreatedAt); err != nil {
		if _, ok := dbx.UniqueViolation(err); ok {
			return nil, fmt.Errorf("%w: verification token", common.ErrDuplicateKey)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) DeleteByEmail(ctx context.Context, email string) error {
	query := `
		DELETE FROM email_verifications
		WHERE email = $1
	`
	if _, err := r.db.ExecContext(ctx, query, email); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByToken(ctx context.Context, token string) (*models.EmailVerification, error) {
	query := `
		SELECT id, email, token, created_at, expires_at, is_used
		FROM email_verifications
		WHERE token = $1
		FOR UPDATE
	`
	v := &models.EmailVerification{}
	err := r.db.QueryRowContext(ctx, query, token).Scan(&v.ID, &v.Email, &v.Token, &v.CreatedAt, &v.ExpiresAt, &v.IsUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) MarkUsed(ctx context.Context, id int64) error {
	query := `
		UPDATE email_verifications
		SET is_used = TRUE
		WHERE id = $1 AND is_used = FALSE
	`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
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
