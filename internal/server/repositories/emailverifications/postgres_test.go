package emailverifications

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock
}

func TestCreate_Success(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	expires := time.Now().Add(24 * time.Hour)
	created := time.Now()
	q := `(?s)INSERT\s+INTO\s+email_verifications\s*\(email,\s*token,\s*expires_at\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3\)\s*RETURNING\s+id,\s*created_at`
	mock.ExpectQuery(q).
		WithArgs("user@example.com", "tok", expires).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(3), created))

	got, err := repo.Create(context.Background(), &models.EmailVerification{Email: "user@example.com", Token: "tok", ExpiresAt: expires})
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.ID)
	assert.Equal(t, created, got.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_DuplicateToken(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`INSERT\s+INTO\s+email_verifications`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "email_verifications_token_key"})

	_, err := repo.Create(context.Background(), &models.EmailVerification{})
	assert.ErrorIs(t, err, common.ErrDuplicateKey)
}

func TestCreate_DBError(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`INSERT\s+INTO\s+email_verifications`).WillReturnError(errors.New("db down"))

	_, err := repo.Create(context.Background(), &models.EmailVerification{})
	require.Error(t, err)
	assert.Regexp(t, `db error: .*db down`, err.Error())
}

func TestDeleteByEmail(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	q := `(?s)DELETE\s+FROM\s+email_verifications\s+WHERE\s+email\s*=\s*\$1`

	mock.ExpectExec(q).WithArgs("user@example.com").WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, repo.DeleteByEmail(context.Background(), "user@example.com"))

	mock.ExpectExec(q).WithArgs("none@example.com").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, repo.DeleteByEmail(context.Background(), "none@example.com"))

	mock.ExpectExec(q).WillReturnError(errors.New("db err"))
	err := repo.DeleteByEmail(context.Background(), "x")
	require.Error(t, err)
	assert.Regexp(t, `db error: .*db err`, err.Error())
}

func TestGetByToken(t *testing.T) {
	q := `(?s)SELECT\s+id,\s*email,\s*token,\s*created_at,\s*expires_at,\s*is_used\s+FROM\s+email_verifications\s+WHERE\s+token\s*=\s*\$1\s+FOR\s+UPDATE`

	t.Run("found", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		now := time.Now()
		mock.ExpectQuery(q).WithArgs("tok").WillReturnRows(
			sqlmock.NewRows([]string{"id", "email", "token", "created_at", "expires_at", "is_used"}).
				AddRow(int64(3), "user@example.com", "tok", now, now.Add(time.Hour), false))

		got, err := repo.GetByToken(context.Background(), "tok")
		require.NoError(t, err)
		assert.Equal(t, "user@example.com", got.Email)
		assert.False(t, got.IsUsed)
	})

	t.Run("not found", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectQuery(q).WithArgs("missing").WillReturnError(sql.ErrNoRows)

		_, err := repo.GetByToken(context.Background(), "missing")
		assert.ErrorIs(t, err, common.ErrorNotFound)
	})
}

func TestMarkUsed(t *testing.T) {
	q := `(?s)UPDATE\s+email_verifications\s+SET\s+is_used\s*=\s*TRUE\s+WHERE\s+id\s*=\s*\$1\s+AND\s+is_used\s*=\s*FALSE`

	t.Run("consumed", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(q).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, repo.MarkUsed(context.Background(), 3))
	})

	t.Run("already used", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(q).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 0))
		assert.ErrorIs(t, repo.MarkUsed(context.Background(), 3), common.ErrorNotFound)
	})

	t.Run("db error", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(q).WillReturnError(errors.New("db err"))
		assert.Error(t, repo.MarkUsed(context.Background(), 3))
	})
}
