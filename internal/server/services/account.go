// Package services implements the account lifecycle: registration, email
// verification, login, token refresh and password reset.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/config"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/notify"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/repomanager"
)

// PasswordHasher hashes and checks passwords. auth.BcryptHasher is the
// production implementation.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

// TokenPair is the access and refresh token issued on login.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// ProfileUpdate carries the user-editable profile fields. Nil clears a field.
type ProfileUpdate struct {
	FullName  *string
	AvatarURL *string
}

// AccountService runs the account lifecycle against a RepositoryManager.
//
// Operations that emit a notification return their result together with an
// error wrapping common.ErrNotificationFailed when delivery fails; the state
// change has been committed by then and the returned value is valid.
type AccountService struct {
	repos    repomanager.RepositoryManager
	hasher   PasswordHasher
	tokens   *auth.TokenCodec
	notifier notify.Notifier
	log      logging.Logger
	metrics  *metrics.Metrics

	frontendURL string
	accessTTL   time.Duration
	refreshTTL  time.Duration

	now      func() time.Time
	newToken func() (string, error)

	dummyHash string

	notifyTimeout time.Duration
	background    sync.WaitGroup
}

// NewAccountService builds the service. It fails when the hasher cannot
// produce the hash unknown-email logins are checked against.
func NewAccountService(
	cfg *config.Config,
	repos repomanager.RepositoryManager,
	hasher PasswordHasher,
	tokens *auth.TokenCodec,
	notifier notify.Notifier,
	log logging.Logger,
	m *metrics.Metrics,
) (*AccountService, error) {
	dummy, err := hasher.Hash("not-a-real-password")
	if err != nil {
		return nil, fmt.Errorf("hash login decoy: %w", err)
	}

	return &AccountService{
		repos:         repos,
		hasher:        hasher,
		tokens:        tokens,
		notifier:      notifier,
		log:           log.With("module", "account"),
		metrics:       m,
		frontendURL:   cfg.FrontendURL,
		accessTTL:     cfg.AccessTokenValidityDuration,
		refreshTTL:    cfg.RefreshTokenValidityDuration,
		now:           time.Now,
		newToken:      common.NewOpaqueToken,
		dummyHash:     dummy,
		notifyTimeout: config.NotificationTimeout,
	}, nil
}

// Register creates an unverified user, issues its first verification token
// and mails the verification link.
func (s *AccountService) Register(ctx context.Context, email, username, password string) (user *models.User, err error) {
	defer func() { s.metrics.ObserveOperation("register", err) }()

	if err := s.ensureAvailable(ctx, email, username); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	var token string
	err = s.repos.InTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		user, err = r.Users().Create(ctx, &models.User{
			PublicID:     common.NewPublicID(),
			Email:        email,
			UserName:     username,
			PasswordHash: hash,
			IsActive:     true,
		})
		if err != nil {
			return err
		}
		token, err = s.issueVerification(ctx, r, user)
		return err
	})
	if err != nil {
		if errors.Is(err, common.ErrDuplicateEmail) || errors.Is(err, common.ErrDuplicateUsername) {
			return nil, err
		}
		return nil, fmt.Errorf("register: %w", err)
	}

	s.log.Info(ctx, "user registered", "public_id", user.PublicID, "email", user.Email)

	return user, s.notify(ctx, notify.KindVerification, user.Email, s.link("verify-email", token))
}

// ensureAvailable rejects taken emails and usernames early. The unique
// constraints behind Users().Create remain the real guard.
func (s *AccountService) ensureAvailable(ctx context.Context, email, username string) error {
	users := s.repos.Users()

	if _, err := users.GetByEmail(ctx, email); err == nil {
		return common.ErrDuplicateEmail
	} else if !errors.Is(err, common.ErrorNotFound) {
		return fmt.Errorf("lookup email: %w", err)
	}

	if _, err := users.GetByUsername(ctx, username); err == nil {
		return common.ErrDuplicateUsername
	} else if !errors.Is(err, common.ErrorNotFound) {
		return fmt.Errorf("lookup username: %w", err)
	}

	return nil
}

// issueVerification replaces every verification record for the user's email
// with a fresh one and mirrors its token on the user row.
func (s *AccountService) issueVerification(ctx context.Context, r repomanager.Repositories, user *models.User) (string, error) {
	token, err := s.newToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	expires := s.now().Add(config.VerificationTokenTTL)

	if err := r.EmailVerifications().DeleteByEmail(ctx, user.Email); err != nil {
		return "", err
	}
	if _, err := r.EmailVerifications().Create(ctx, &models.EmailVerification{
		Email:     user.Email,
		Token:     token,
		ExpiresAt: expires,
	}); err != nil {
		return "", err
	}
	if err := r.Users().SetVerificationToken(ctx, user.ID, token, expires); err != nil {
		return "", err
	}

	user.VerificationToken = &token
	user.VerificationTokenExpires = &expires
	return token, nil
}

// VerifyEmail consumes a verification token and marks its owner verified.
// It returns false with a nil error when the token is unknown, expired or
// already used. A token whose email no longer resolves to a user yields
// common.ErrVerificationOrphaned and leaves the record untouched.
func (s *AccountService) VerifyEmail(ctx context.Context, token string) (ok bool, err error) {
	defer func() { s.metrics.ObserveOperation("verify_email", err) }()

	err = s.repos.InTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		v, err := r.EmailVerifications().GetByToken(ctx, token)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return nil
			}
			return err
		}
		if !v.Consumable(s.now()) {
			return nil
		}

		if err := r.EmailVerifications().MarkUsed(ctx, v.ID); err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return nil
			}
			return err
		}

		user, err := r.Users().GetByEmail(ctx, v.Email)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return common.ErrVerificationOrphaned
			}
			return err
		}
		if err := r.Users().MarkVerified(ctx, user.ID); err != nil {
			return err
		}

		ok = true
		return nil
	})

	switch {
	case errors.Is(err, common.ErrVerificationOrphaned):
		s.log.Error(ctx, "verification record has no user")
		return false, err
	case err != nil:
		return false, fmt.Errorf("verify email: %w", err)
	}

	if !ok {
		s.log.Info(ctx, "verification token rejected")
	}
	return ok, nil
}

// Login checks credentials and issues an access and a refresh token bound to
// the user's public id. Unknown email and wrong password are both reported as
// common.ErrInvalidCredentials.
func (s *AccountService) Login(ctx context.Context, email, password string) (pair *TokenPair, err error) {
	defer func() { s.metrics.ObserveOperation("login", err) }()

	user, err := s.repos.Users().GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.hasher.Verify(password, s.dummyHash)
			return nil, common.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("login: %w", err)
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		return nil, common.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, common.ErrInactiveAccount
	}

	access, err := s.tokens.Issue(user.PublicID, auth.AccessToken, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.tokens.Issue(user.PublicID, auth.RefreshToken, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}

	s.log.Info(ctx, "user logged in", "public_id", user.PublicID)
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh exchanges a refresh token for a new access token. The refresh
// token itself stays valid until it expires.
func (s *AccountService) Refresh(ctx context.Context, refreshToken string) (access string, err error) {
	defer func() { s.metrics.ObserveOperation("refresh", err) }()

	subject, err := s.tokens.Verify(refreshToken, auth.RefreshToken)
	if err != nil {
		return "", common.ErrInvalidToken
	}

	user, err := s.repos.Users().GetByPublicID(ctx, subject)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return "", common.ErrUserNotFound
		}
		return "", fmt.Errorf("refresh: %w", err)
	}

	access, err = s.tokens.Issue(user.PublicID, auth.AccessToken, s.accessTTL)
	if err != nil {
		return "", fmt.Errorf("issue access token: %w", err)
	}
	return access, nil
}

// RequestPasswordReset stores a fresh one-hour reset token for the user with
// email and mails the reset link in the background. An unknown email is not
// an error; callers must answer both cases identically, so the mail is never
// awaited and delivery failures are only logged.
func (s *AccountService) RequestPasswordReset(ctx context.Context, email string) (err error) {
	defer func() { s.metrics.ObserveOperation("request_password_reset", err) }()

	var token string
	err = s.repos.InTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		user, err := r.Users().GetByEmail(ctx, email)
		if err != nil {
			return err
		}
		if token, err = s.newToken(); err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		return r.Users().SetResetToken(ctx, user.ID, token, s.now().Add(config.PasswordResetTokenTTL))
	})
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.log.Info(ctx, "password reset requested for unknown email")
			return nil
		}
		return fmt.Errorf("request password reset: %w", err)
	}

	s.notifyDetached(ctx, notify.KindPasswordReset, email, s.link("reset-password", token))
	return nil
}

// ConfirmPasswordReset sets a new password for the owner of a live reset
// token and consumes the token.
func (s *AccountService) ConfirmPasswordReset(ctx context.Context, token, newPassword string) (err error) {
	defer func() { s.metrics.ObserveOperation("confirm_password_reset", err) }()

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	err = s.repos.InTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		user, err := r.Users().GetByResetToken(ctx, token)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return common.ErrInvalidOrExpiredToken
			}
			return err
		}
		if !user.ResetTokenValid(token, s.now()) {
			return common.ErrInvalidOrExpiredToken
		}
		if err := r.Users().UpdatePassword(ctx, user.ID, hash); err != nil {
			return err
		}
		s.log.Info(ctx, "password reset", "public_id", user.PublicID)
		return nil
	})
	if err != nil && !errors.Is(err, common.ErrInvalidOrExpiredToken) {
		return fmt.Errorf("confirm password reset: %w", err)
	}
	return err
}

// ResendVerification issues a new verification token for an unverified user
// and mails it, invalidating earlier tokens.
func (s *AccountService) ResendVerification(ctx context.Context, email string) (err error) {
	defer func() { s.metrics.ObserveOperation("resend_verification", err) }()

	var token string
	err = s.repos.InTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		user, err := r.Users().GetByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return common.ErrUserNotFound
			}
			return err
		}
		if user.IsVerified {
			return common.ErrAlreadyVerified
		}
		token, err = s.issueVerification(ctx, r, user)
		return err
	})
	switch {
	case errors.Is(err, common.ErrUserNotFound), errors.Is(err, common.ErrAlreadyVerified):
		return err
	case err != nil:
		return fmt.Errorf("resend verification: %w", err)
	}

	return s.notify(ctx, notify.KindVerification, email, s.link("verify-email", token))
}

// Authenticate resolves the active, verified user an access token belongs to.
func (s *AccountService) Authenticate(ctx context.Context, accessToken string) (*models.User, error) {
	subject, err := s.tokens.Verify(accessToken, auth.AccessToken)
	if err != nil {
		return nil, common.ErrInvalidToken
	}

	user, err := s.repos.Users().GetByPublicID(ctx, subject)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrUserNotFound
		}
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	if !user.IsActive {
		return nil, common.ErrInactiveAccount
	}
	if !user.IsVerified {
		return nil, common.ErrEmailNotVerified
	}
	return user, nil
}

// UpdateProfile replaces the profile fields of the user with publicID.
func (s *AccountService) UpdateProfile(ctx context.Context, publicID string, upd ProfileUpdate) (user *models.User, err error) {
	defer func() { s.metrics.ObserveOperation("update_profile", err) }()

	err = s.repos.InTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		u, err := r.Users().GetByPublicID(ctx, publicID)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return common.ErrUserNotFound
			}
			return err
		}
		if err := r.Users().UpdateProfile(ctx, u.ID, upd.FullName, upd.AvatarURL); err != nil {
			return err
		}
		user, err = r.Users().GetByPublicID(ctx, publicID)
		return err
	})
	if err != nil && !errors.Is(err, common.ErrUserNotFound) {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return user, err
}

// Wait blocks until notifications handed to the background have finished.
func (s *AccountService) Wait() {
	s.background.Wait()
}

func (s *AccountService) link(path, token string) string {
	return s.frontendURL + "/" + path + "/" + token
}

// notify delivers n after its state change was committed. Failures are
// logged and returned wrapped in common.ErrNotificationFailed.
func (s *AccountService) notify(ctx context.Context, kind notify.Kind, to, link string) error {
	err := s.notifier.Notify(ctx, notify.Notification{Kind: kind, To: to, Link: link})
	s.metrics.ObserveNotification(string(kind), err)
	if err != nil {
		s.log.Warn(ctx, "notification failed", "kind", kind, "to", to, "error", err)
		return fmt.Errorf("%w: %w", common.ErrNotificationFailed, err)
	}
	return nil
}

// notifyDetached delivers a notification outside the caller's request. The
// delivery keeps the request's values but not its cancellation and is bounded
// by notifyTimeout.
func (s *AccountService) notifyDetached(ctx context.Context, kind notify.Kind, to, link string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer cancel()
		_ = s.notify(ctx, kind, to, link)
	}()
}
