package repomanager

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/emailverifications"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/users"
)

// memState is the data held by InMemoryRepositoryManager.
type memState struct {
	lastUserID         int64
	lastVerificationID int64
	users              map[int64]models.User
	verifications      map[int64]models.EmailVerification
}

func (s *memState) clone() *memState {
	return &memState{
		lastUserID:         s.lastUserID,
		lastVerificationID: s.lastVerificationID,
		users:              maps.Clone(s.users),
		verifications:      maps.Clone(s.verifications),
	}
}

// InMemoryRepositoryManager is a RepositoryManager kept in process memory.
// Transactions are serialized; a failed transaction restores the state it
// started from. Uniqueness rules match the PostgreSQL schema.
type InMemoryRepositoryManager struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

func NewInMemoryRepositoryManager() *InMemoryRepositoryManager {
	return &InMemoryRepositoryManager{
		state: &memState{
			users:         map[int64]models.User{},
			verifications: map[int64]models.EmailVerification{},
		},
		now: time.Now,
	}
}

func (m *InMemoryRepositoryManager) RunMigrations(ctx context.Context) error {
	return nil
}

func (m *InMemoryRepositoryManager) Users() users.Repository {
	return &memUsers{m: m, lock: true}
}

func (m *InMemoryRepositoryManager) EmailVerifications() emailverifications.Repository {
	return &memVerifications{m: m, lock: true}
}

func (m *InMemoryRepositoryManager) InTx(ctx context.Context, fn func(ctx context.Context, r Repositories) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	defer func() {
		if p := recover(); p != nil {
			m.state = snapshot
			panic(p)
		}
		if err != nil {
			m.state = snapshot
		}
	}()

	return fn(ctx, memTx{m: m})
}

// memTx hands out repositories that run under the lock InTx already holds.
type memTx struct {
	m *InMemoryRepositoryManager
}

func (t memTx) Users() users.Repository {
	return &memUsers{m: t.m}
}

func (t memTx) EmailVerifications() emailverifications.Repository {
	return &memVerifications{m: t.m}
}

func (m *InMemoryRepositoryManager) guard(lock bool) func() {
	if !lock {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func cloneUser(u models.User) *models.User {
	c := u
	c.VerificationToken = clonePtr(u.VerificationToken)
	c.VerificationTokenExpires = clonePtr(u.VerificationTokenExpires)
	c.ResetToken = clonePtr(u.ResetToken)
	c.ResetTokenExpires = clonePtr(u.ResetTokenExpires)
	c.FullName = clonePtr(u.FullName)
	c.AvatarURL = clonePtr(u.AvatarURL)
	c.UpdatedAt = clonePtr(u.UpdatedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

type memUsers struct {
	m    *InMemoryRepositoryManager
	lock bool
}

func (r *memUsers) Create(ctx context.Context, user *models.User) (*models.User, error) {
	defer r.m.guard(r.lock)()
	st := r.m.state

	for _, u := range st.users {
		switch {
		case u.Email == user.Email:
			return nil, fmt.Errorf("%w: %w", common.ErrDuplicateKey, common.ErrDuplicateEmail)
		case u.UserName == user.UserName:
			return nil, fmt.Errorf("%w: %w", common.ErrDuplicateKey, common.ErrDuplicateUsername)
		case u.PublicID == user.PublicID:
			return nil, fmt.Errorf("%w: public id", common.ErrDuplicateKey)
		}
	}

	st.lastUserID++
	stored := *cloneUser(*user)
	stored.ID = st.lastUserID
	stored.CreatedAt = r.m.now()
	st.users[stored.ID] = stored

	user.ID = stored.ID
	user.CreatedAt = stored.CreatedAt
	return user, nil
}

func (r *memUsers) find(match func(u *models.User) bool) (*models.User, error) {
	for _, u := range r.m.state.users {
		if match(&u) {
			return cloneUser(u), nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *memUsers) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	defer r.m.guard(r.lock)()
	return r.find(func(u *models.User) bool { return u.Email == email })
}

func (r *memUsers) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	defer r.m.guard(r.lock)()
	return r.find(func(u *models.User) bool { return u.UserName == username })
}

func (r *memUsers) GetByPublicID(ctx context.Context, publicID string) (*models.User, error) {
	defer r.m.guard(r.lock)()
	return r.find(func(u *models.User) bool { return u.PublicID == publicID })
}

func (r *memUsers) GetByResetToken(ctx context.Context, token string) (*models.User, error) {
	defer r.m.guard(r.lock)()
	return r.find(func(u *models.User) bool { return u.ResetToken != nil && *u.ResetToken == token })
}

// update applies fn to the stored user id and stamps UpdatedAt.
func (r *memUsers) update(id int64, fn func(u *models.User) error) error {
	u, ok := r.m.state.users[id]
	if !ok {
		return common.ErrorNotFound
	}
	if err := fn(&u); err != nil {
		return err
	}
	now := r.m.now()
	u.UpdatedAt = &now
	r.m.state.users[id] = u
	return nil
}

// tokenTaken reports whether another user already holds token in the
// column selected by get.
func (r *memUsers) tokenTaken(id int64, token string, get func(u *models.User) *string) bool {
	for _, u := range r.m.state.users {
		if t := get(&u); u.ID != id && t != nil && *t == token {
			return true
		}
	}
	return false
}

func (r *memUsers) SetVerificationToken(ctx context.Context, id int64, token string, expires time.Time) error {
	defer r.m.guard(r.lock)()
	if r.tokenTaken(id, token, func(u *models.User) *string { return u.VerificationToken }) {
		return fmt.Errorf("%w: verification token", common.ErrDuplicateKey)
	}
	return r.update(id, func(u *models.User) error {
		u.VerificationToken = &token
		u.VerificationTokenExpires = &expires
		return nil
	})
}

func (r *memUsers) MarkVerified(ctx context.Context, id int64) error {
	defer r.m.guard(r.lock)()
	return r.update(id, func(u *models.User) error {
		u.IsVerified = true
		u.VerificationToken = nil
		u.VerificationTokenExpires = nil
		return nil
	})
}

func (r *memUsers) SetResetToken(ctx context.Context, id int64, token string, expires time.Time) error {
	defer r.m.guard(r.lock)()
	if r.tokenTaken(id, token, func(u *models.User) *string { return u.ResetToken }) {
		return fmt.Errorf("%w: reset token", common.ErrDuplicateKey)
	}
	return r.update(id, func(u *models.User) error {
		u.ResetToken = &token
		u.ResetTokenExpires = &expires
		return nil
	})
}

func (r *memUsers) UpdatePassword(ctx context.Context, id int64, hash string) error {
	defer r.m.guard(r.lock)()
	return r.update(id, func(u *models.User) error {
		u.PasswordHash = hash
		u.ResetToken = nil
		u.ResetTokenExpires = nil
		return nil
	})
}

func (r *memUsers) UpdateProfile(ctx context.Context, id int64, fullName, avatarURL *string) error {
	defer r.m.guard(r.lock)()
	return r.update(id, func(u *models.User) error {
		u.FullName = clonePtr(fullName)
		u.AvatarURL = clonePtr(avatarURL)
		return nil
	})
}

func (r *memUsers) SetActive(ctx context.Context, id int64, active bool) error {
	defer r.m.guard(r.lock)()
	return r.update(id, func(u *models.User) error {
		u.IsActive = active
		return nil
	})
}

type memVerifications struct {
	m    *InMemoryRepositoryManager
	lock bool
}

func (r *memVerifications) Create(ctx context.Context, v *models.EmailVerification) (*models.EmailVerification, error) {
	defer r.m.guard(r.lock)()
	st := r.m.state

	for _, existing := range st.verifications {
		if existing.Token == v.Token {
			return nil, fmt.Errorf("%w: verification token", common.ErrDuplicateKey)
		}
	}

	st.lastVerificationID++
	v.ID = st.lastVerificationID
	v.CreatedAt = r.m.now()
	st.verifications[v.ID] = *v
	return v, nil
}

func (r *memVerifications) DeleteByEmail(ctx context.Context, email string) error {
	defer r.m.guard(r.lock)()
	maps.DeleteFunc(r.m.state.verifications, func(_ int64, v models.EmailVerification) bool {
		return v.Email == email
	})
	return nil
}

func (r *memVerifications) GetByToken(ctx context.Context, token string) (*models.EmailVerification, error) {
	defer r.m.guard(r.lock)()
	for _, v := range r.m.state.verifications {
		if v.Token == token {
			c := v
			return &c, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *memVerifications) MarkUsed(ctx context.Context, id int64) error {
	defer r.m.guard(r.lock)()
	v, ok := r.m.state.verifications[id]
	if !ok || v.IsUsed {
		return common.ErrorNotFound
	}
	v.IsUsed = true
	r.m.state.verifications[id] = v
	return nil
}
