// Package auth provides bearer access-token authentication middleware for
// the REST API (spec §6: "every mutating and read endpoint except
// /auth/login and /auth/refresh requires a bearer access token").
package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/encryptor-sim/controlplane/internal/appctx"
	"github.com/encryptor-sim/controlplane/internal/components/api"
	"github.com/encryptor-sim/controlplane/internal/components/authapi"
	"github.com/encryptor-sim/controlplane/internal/platform/logutil"
	"github.com/encryptor-sim/controlplane/internal/tokens"
)

// AuthGateConfig configures the bearer-token auth gate middleware.
type AuthGateConfig struct {
	// RequireAuth returns true if the given path requires a bearer access
	// token. Constructed by the server at router setup time.
	RequireAuth func(path string) bool

	// Log is the base logger for auth-related warnings.
	Log *slog.Logger

	// Tokens verifies access tokens. Must be non-nil whenever RequireAuth
	// can return true.
	Tokens *tokens.Service
}

// NewAuthGate returns a middleware enforcing bearer-token authentication.
// When RequireAuth returns false for the request path, the request passes
// through untouched. Otherwise a missing, malformed, expired, or
// wrong-kind token yields 401 with no distinguishing detail (spec §7).
func NewAuthGate(cfg AuthGateConfig) func(http.Handler) http.Handler {
	cfg.Log = logutil.NoopIfNil(cfg.Log)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.RequireAuth(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token := extractBearerToken(r)
			if token == "" {
				api.WriteUnauthorized(w, "authentication required", r.URL.Path)
				return
			}

			userID, err := cfg.Tokens.Verify(token, tokens.KindAccess)
			if err != nil {
				api.WriteUnauthorized(w, "invalid or expired access token", r.URL.Path)
				return
			}

			ctx := authapi.WithUserID(r.Context(), userID)
			reqLogger := appctx.GetLogger(ctx).With("user_id", userID)
			ctx = appctx.WithLogger(ctx, reqLogger)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractBearerToken reads the access token from the Authorization header.
// Unlike the teacher's session gate, there is no cookie fallback and no
// UI-login redirect branch: this is a pure JSON API.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
