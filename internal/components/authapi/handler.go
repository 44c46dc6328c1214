// Package authapi implements the auth surface: login, refresh, logout,
// change-password, and the current-user profile endpoint (spec §4.3, §6).
package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/encryptor-sim/controlplane/internal/components/api"
	"github.com/encryptor-sim/controlplane/internal/identity"
	"github.com/encryptor-sim/controlplane/internal/tokens"
)

// genericLoginFailure is returned for both an unknown username and a wrong
// password, so a failed login never discloses which one occurred (spec §7).
const genericLoginFailure = "invalid username or password"

// Handler serves every /api/v1/auth/* endpoint.
type Handler struct {
	auth   *identity.Authenticator
	tokens *tokens.Service
	users  identity.UserRepo
	log    *slog.Logger
}

// NewHandler builds a Handler over the given authenticator, token service,
// and user repository.
func NewHandler(auth *identity.Authenticator, tokenSvc *tokens.Service, users identity.UserRepo, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{auth: auth, tokens: tokenSvc, users: users, log: log}
}

type userView struct {
	ID                     int64  `json:"id"`
	Username               string `json:"username"`
	RequirePasswordChange  bool   `json:"requirePasswordChange"`
}

func newUserView(u *identity.User) userView {
	return userView{ID: u.ID, Username: u.Username, RequirePasswordChange: u.RequirePasswordChange}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenPairResponse struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	User         userView `json:"user"`
}

// HandleLogin handles POST /api/v1/auth/login.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		api.WriteValidationError(w, "username and password are required", r.URL.Path)
		return
	}

	user, err := h.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, identity.ErrUserNotFound) && !errors.Is(err, identity.ErrInvalidPassword) {
			h.log.Error("login authenticate failed", "username", req.Username, "error", err)
		}
		api.WriteUnauthorized(w, genericLoginFailure, r.URL.Path)
		return
	}

	access, refresh, err := h.issuePair(user.ID)
	if err != nil {
		h.log.Error("issuing tokens failed", "user_id", user.ID, "error", err)
		api.WriteInternalError(w, "failed to issue tokens", r.URL.Path)
		return
	}

	now := time.Now().UTC()
	user.LastLogin = &now
	if err := h.users.Update(r.Context(), user); err != nil {
		h.log.Warn("updating last login failed", "user_id", user.ID, "error", err)
	}

	api.WriteData(w, http.StatusOK, tokenPairResponse{AccessToken: access, RefreshToken: refresh, User: newUserView(user)})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type accessTokenResponse struct {
	AccessToken string `json:"accessToken"`
}

// HandleRefresh handles POST /api/v1/auth/refresh.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		api.WriteValidationError(w, "refreshToken is required", r.URL.Path)
		return
	}

	userID, err := h.tokens.Verify(req.RefreshToken, tokens.KindRefresh)
	if err != nil {
		api.WriteUnauthorized(w, "invalid or expired refresh token", r.URL.Path)
		return
	}

	if _, err := h.users.Get(r.Context(), userID); err != nil {
		api.WriteUnauthorized(w, "invalid or expired refresh token", r.URL.Path)
		return
	}

	access, err := h.tokens.IssueAccess(userID)
	if err != nil {
		h.log.Error("issuing access token failed", "user_id", userID, "error", err)
		api.WriteInternalError(w, "failed to issue access token", r.URL.Path)
		return
	}

	api.WriteData(w, http.StatusOK, accessTokenResponse{AccessToken: access})
}

// HandleLogout handles POST /api/v1/auth/logout. Tokens are stateless, so
// logout is ceremonial: the client is expected to discard them; nothing is
// revoked server-side.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	api.WriteData(w, http.StatusOK, map[string]bool{"ok": true})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// HandleChangePassword handles POST /api/v1/auth/change-password. Requires
// the caller's user id already attached to the request context by the auth
// middleware.
func (h *Handler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		api.WriteUnauthorized(w, "authentication required", r.URL.Path)
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CurrentPassword == "" || req.NewPassword == "" {
		api.WriteValidationError(w, "currentPassword and newPassword are required", r.URL.Path)
		return
	}

	user, err := h.users.Get(r.Context(), userID)
	if err != nil {
		api.WriteUnauthorized(w, "authentication required", r.URL.Path)
		return
	}

	if _, err := h.auth.Authenticate(r.Context(), user.Username, req.CurrentPassword); err != nil {
		api.WriteUnauthorized(w, "current password is incorrect", r.URL.Path)
		return
	}

	if err := h.auth.ChangePassword(r.Context(), user, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, identity.ErrPasswordTooShort), errors.Is(err, identity.ErrPasswordTooLong), errors.Is(err, identity.ErrPasswordReused):
			api.WriteValidationError(w, err.Error(), r.URL.Path)
		default:
			h.log.Error("change password failed", "user_id", userID, "error", err)
			api.WriteInternalError(w, "failed to change password", r.URL.Path)
		}
		return
	}

	api.WriteData(w, http.StatusOK, newUserView(user))
}

// HandleMe handles GET /api/v1/auth/me.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		api.WriteUnauthorized(w, "authentication required", r.URL.Path)
		return
	}

	user, err := h.users.Get(r.Context(), userID)
	if err != nil {
		api.WriteUnauthorized(w, "authentication required", r.URL.Path)
		return
	}

	api.WriteData(w, http.StatusOK, newUserView(user))
}

func (h *Handler) issuePair(userID int64) (access, refresh string, err error) {
	access, err = h.tokens.IssueAccess(userID)
	if err != nil {
		return "", "", err
	}
	refresh, err = h.tokens.IssueRefresh(userID)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// contextKey is an unexported type so values set here never collide with
// keys set by other packages (standard context-key idiom).
type contextKey int

const userIDContextKey contextKey = iota

// WithUserID returns a context carrying the authenticated user's id, for use
// by the auth middleware.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// UserIDFromContext retrieves the user id set by WithUserID.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDContextKey).(int64)
	return id, ok
}
