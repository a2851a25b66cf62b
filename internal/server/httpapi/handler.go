// Package httpapi is the HTTP dispatcher of the account service: it decodes
// and validates requests, calls the account core and maps its errors to
// status codes.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Accounts is the account core as seen by the dispatcher.
type Accounts interface {
	Register(ctx context.Context, email, username, password string) (*models.User, error)
	VerifyEmail(ctx context.Context, token string) (bool, error)
	Login(ctx context.Context, email, password string) (*services.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (string, error)
	RequestPasswordReset(ctx context.Context, email string) error
	ConfirmPasswordReset(ctx context.Context, token, newPassword string) error
	ResendVerification(ctx context.Context, email string) error
	Authenticate(ctx context.Context, accessToken string) (*models.User, error)
	UpdateProfile(ctx context.Context, publicID string, upd services.ProfileUpdate) (*models.User, error)
}

type Handler struct {
	accounts Accounts
	log      logging.Logger
	validate *validator.Validate
}

func NewHandler(accounts Accounts, log logging.Logger) *Handler {
	return &Handler{accounts: accounts, log: log.With("module", "httpapi"), validate: newValidator()}
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required,min=3,max=50,username"`
	Password string `json:"password" validate:"required,min=8,bcryptlen,strongpassword"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,bcryptlen"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetConfirmRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,bcryptlen"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type profileRequest struct {
	FullName  *string `json:"full_name" validate:"omitempty,max=200"`
	AvatarURL *string `json:"avatar_url" validate:"omitempty,url,max=500"`
}

type userResponse struct {
	PublicID   string    `json:"public_id"`
	Email      string    `json:"email"`
	Username   string    `json:"username"`
	IsActive   bool      `json:"is_active"`
	IsVerified bool      `json:"is_verified"`
	FullName   *string   `json:"full_name,omitempty"`
	AvatarURL  *string   `json:"avatar_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func toUserResponse(u *models.User) userResponse {
	return userResponse{
		PublicID:   u.PublicID,
		Email:      u.Email,
		Username:   u.UserName,
		IsActive:   u.IsActive,
		IsVerified: u.IsVerified,
		FullName:   u.FullName,
		AvatarURL:  u.AvatarURL,
		CreatedAt:  u.CreatedAt,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
}

// bind decodes and validates the body into req, writing the problem response
// itself on failure.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := decodeJSON(w, r, req); err != nil {
		writeProblem(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		validationProblem(w, err)
		return false
	}
	return true
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.bind(w, r, &req) {
		return
	}

	user, err := h.accounts.Register(r.Context(), req.Email, req.Username, req.Password)
	if err != nil && !h.notificationOnly(r.Context(), err) {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.bind(w, r, &req) {
		return
	}

	pair, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, common.ErrInvalidCredentials) {
			w.Header().Set("WWW-Authenticate", "Bearer")
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken, TokenType: "bearer"})
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	ok, err := h.accounts.VerifyEmail(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		writeProblem(w, http.StatusBadRequest, common.ErrInvalidOrExpiredToken.Error())
		return
	}
	writeJSON(w, http.StatusOK, message{Message: "Email verified successfully"})
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.bind(w, r, &req) {
		return
	}

	if err := h.accounts.ResendVerification(r.Context(), req.Email); err != nil && !h.notificationOnly(r.Context(), err) {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, message{Message: "Verification email sent"})
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !h.bind(w, r, &req) {
		return
	}

	// Every outcome gets the same answer.
	if err := h.accounts.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.log.Error(r.Context(), "password reset request failed", "error", err)
	}
	writeJSON(w, http.StatusAccepted, message{Message: "If email exists, reset instructions sent"})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if !h.bind(w, r, &req) {
		return
	}

	if err := h.accounts.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{Message: "Password updated successfully"})
}

// Refresh takes the token from the JSON body or, failing that, from the
// refresh_token query parameter.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeProblem(w, http.StatusBadRequest, "malformed JSON body")
			return
		}
	}
	if req.RefreshToken == "" {
		req.RefreshToken = r.URL.Query().Get("refresh_token")
	}
	if req.RefreshToken == "" {
		validationProblem(w, errors.New("refresh_token is required"))
		return
	}

	access, err := h.accounts.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: access, TokenType: "bearer"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toUserResponse(userFromContext(r.Context())))
}

func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !h.bind(w, r, &req) {
		return
	}

	current := userFromContext(r.Context())
	user, err := h.accounts.UpdateProfile(r.Context(), current.PublicID, services.ProfileUpdate{
		FullName:  req.FullName,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// notificationOnly reports whether err is a delivery failure that left the
// committed result usable; such failures are logged and otherwise ignored.
func (h *Handler) notificationOnly(ctx context.Context, err error) bool {
	if !errors.Is(err, common.ErrNotificationFailed) {
		return false
	}
	h.log.Warn(ctx, "notification not delivered", "error", err)
	return true
}

// fail maps an account error to its status code.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeProblem(w, status, detail)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrDuplicateEmail), errors.Is(err, common.ErrDuplicateUsername):
		return http.StatusConflict, rootMessage(err)
	case errors.Is(err, common.ErrValidation):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, common.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Incorrect email or password"
	case errors.Is(err, common.ErrInvalidToken):
		return http.StatusUnauthorized, common.ErrInvalidToken.Error()
	case errors.Is(err, common.ErrInactiveAccount), errors.Is(err, common.ErrEmailNotVerified):
		return http.StatusForbidden, rootMessage(err)
	case errors.Is(err, common.ErrUserNotFound):
		return http.StatusNotFound, common.ErrUserNotFound.Error()
	case errors.Is(err, common.ErrInvalidOrExpiredToken), errors.Is(err, common.ErrAlreadyVerified):
		return http.StatusBadRequest, rootMessage(err)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// rootMessage returns the message of the first sentinel err matches, so
// storage details never reach the client.
func rootMessage(err error) string {
	for _, s := range []error{
		common.ErrDuplicateEmail, common.ErrDuplicateUsername,
		common.ErrInactiveAccount, common.ErrEmailNotVerified,
		common.ErrInvalidOrExpiredToken, common.ErrAlreadyVerified,
	} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return err.Error()
}
