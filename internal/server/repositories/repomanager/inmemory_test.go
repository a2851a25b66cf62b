package repomanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUser(email, username, publicID string) *models.User {
	return &models.User{Email: email, UserName: username, PublicID: publicID, PasswordHash: "h", IsActive: true}
}

func TestInMemory_CreateAndLookup(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryRepositoryManager()

	u, err := m.Users().Create(ctx, newUser("a@example.com", "alice", "p1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)
	assert.False(t, u.CreatedAt.IsZero())

	byEmail, err := m.Users().GetByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", byEmail.UserName)

	byName, err := m.Users().GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byName.ID)

	byPublic, err := m.Users().GetByPublicID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byPublic.ID)

	_, err = m.Users().GetByEmail(ctx, "A@example.com")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestInMemory_CreateDuplicates(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryRepositoryManager()
	_, err := m.Users().Create(ctx, newUser("a@example.com", "alice", "p1"))
	require.NoError(t, err)

	_, err = m.Users().Create(ctx, newUser("a@example.com", "bob", "p2"))
	assert.ErrorIs(t, err, common.ErrDuplicateKey)
	assert.ErrorIs(t, err, common.ErrDuplicateEmail)

	_, err = m.Users().Create(ctx, newUser("b@example.com", "alice", "p2"))
	assert.ErrorIs(t, err, common.ErrDuplicateUsername)

	_, err = m.Users().Create(ctx, newUser("b@example.com", "bob", "p1"))
	assert.ErrorIs(t, err, common.ErrDuplicateKey)
}

func TestInMemory_ReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryRepositoryManager()
	u, err := m.Users().Create(ctx, newUser("a@example.com", "alice", "p1"))
	require.NoError(t, err)

	name := "Alice"
	require.NoError(t, m.Users().UpdateProfile(ctx, u.ID, &name, nil))
	name = "Mallory"

	got, err := m.Users().GetByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.NotNil(t, got.FullName)
	assert.Equal(t, "Alice", *got.FullName)
	assert.NotNil(t, got.UpdatedAt)

	*got.FullName = "Eve"
	again, _ := m.Users().GetByEmail(ctx, "a@example.com")
	assert.Equal(t, "Alice", *again.FullName)
}

func TestInMemory_TokenColumns(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryRepositoryManager()
	u, _ := m.Users().Create(ctx, newUser("a@example.com", "alice", "p1"))
	other, _ := m.Users().Create(ctx, newUser("b@example.com", "bob", "p2"))
	exp := time.Now().Add(time.Hour)

	require.NoError(t, m.Users().SetResetToken(ctx, u.ID, "r1", exp))
	assert.ErrorIs(t, m.Users().SetResetToken(ctx, other.ID, "r1", exp), common.ErrDuplicateKey)

	got, err := m.Users().GetByResetToken(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	require.NoError(t, m.Users().UpdatePassword(ctx, u.ID, "h2"))
	_, err = m.Users().GetByResetToken(ctx, "r1")
	assert.ErrorIs(t, err, common.ErrorNotFound)

	require.NoError(t, m.Users().SetVerificationToken(ctx, u.ID, "v1", exp))
	require.NoError(t, m.Users().MarkVerified(ctx, u.ID))
	got, _ = m.Users().GetByPublicID(ctx, "p1")
	assert.True(t, got.IsVerified)
	assert.Nil(t, got.VerificationToken)
	assert.Equal(t, "h2", got.PasswordHash)

	assert.ErrorIs(t, m.Users().MarkVerified(ctx, 999), common.ErrorNotFound)
}

func TestInMemory_Verifications(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryRepositoryManager()
	exp := time.Now().Add(time.Hour)
	r := m.EmailVerifications()

	v, err := r.Create(ctx, &models.EmailVerification{Email: "a@example.com", Token: "t1", ExpiresAt: exp})
	require.NoError(t, err)
	_, err = r.Create(ctx, &models.EmailVerification{Email: "b@example.com", Token: "t1", ExpiresAt: exp})
	assert.ErrorIs(t, err, common.ErrDuplicateKey)

	require.NoError(t, r.MarkUsed(ctx, v.ID))
	assert.ErrorIs(t, r.MarkUsed(ctx, v.ID), common.ErrorNotFound)

	got, err := r.GetByToken(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got.IsUsed)

	require.NoError(t, r.DeleteByEmail(ctx, "a@example.com"))
	_, err = r.GetByToken(ctx, "t1")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestInMemory_InTxRollsBack(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryRepositoryManager()
	boom := errors.New("boom")

	err := m.InTx(ctx, func(ctx context.Context, r Repositories) error {
		if _, err := r.Users().Create(ctx, newUser("a@example.com", "alice", "p1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = m.Users().GetByEmail(ctx, "a@example.com")
	assert.ErrorIs(t, err, common.ErrorNotFound)

	err = m.InTx(ctx, func(ctx context.Context, r Repositories) error {
		_, err := r.Users().Create(ctx, newUser("a@example.com", "alice", "p1"))
		return err
	})
	require.NoError(t, err)
	_, err = m.Users().GetByEmail(ctx, "a@example.com")
	assert.NoError(t, err)
}

func TestInMemory_InTxRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryRepositoryManager()

	assert.Panics(t, func() {
		_ = m.InTx(ctx, func(ctx context.Context, r Repositories) error {
			_, _ = r.Users().Create(ctx, newUser("a@example.com", "alice", "p1"))
			panic("boom")
		})
	})

	_, err := m.Users().GetByEmail(ctx, "a@example.com")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestInMemory_InTxCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewInMemoryRepositoryManager().InTx(ctx, func(ctx context.Context, r Repositories) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInMemory_ConcurrentMarkUsedSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryRepositoryManager()
	v, err := m.EmailVerifications().Create(ctx, &models.EmailVerification{
		Email: "a@example.com", Token: "t1", ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.InTx(ctx, func(ctx context.Context, r Repositories) error {
				return r.EmailVerifications().MarkUsed(ctx, v.ID)
			})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}
