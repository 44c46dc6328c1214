package server

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/encryptor-sim/controlplane/internal/components/authapi"
	"github.com/encryptor-sim/controlplane/internal/components/configapi"
	"github.com/encryptor-sim/controlplane/internal/components/health"
	"github.com/encryptor-sim/controlplane/internal/components/telemetry"
	"github.com/encryptor-sim/controlplane/internal/platform/http/auth"
	httpmw "github.com/encryptor-sim/controlplane/internal/platform/http/middleware"
	"github.com/encryptor-sim/controlplane/internal/platform/http/realip"
	"github.com/encryptor-sim/controlplane/internal/tokens"
)

// basePath is the fixed API prefix spec §6 puts every REST path under.
const basePath = "/api/v1"

// unauthenticatedPaths is the exhaustive exception list to the "every
// endpoint requires a bearer access token" rule (spec §6).
var unauthenticatedPaths = map[string]bool{
	basePath + "/auth/login":   true,
	basePath + "/auth/refresh": true,
}

// Dependencies collects every handler BuildRouter mounts. Fields may be left
// nil in tests that only exercise a subset of the surface; a nil handler's
// routes are simply not mounted.
type Dependencies struct {
	Auth       *authapi.Handler
	Interfaces *configapi.InterfaceHandler
	Peers      *configapi.PeerHandler
	Routes     *configapi.RouteHandler
	Health     *health.Handler
	Telemetry  *telemetry.Handler
	Tokens     *tokens.Service

	// RealIP is optional; nil disables trusted-proxy header parsing in the
	// access log and request-scoped logger.
	RealIP *realip.TrustedProxies
}

// BuildRouter assembles the chi router for the API process: the teacher's
// always-on middleware chain (request id -> request-scoped logger -> access
// log -> recoverer -> auth gate), followed by every REST/WebSocket route of
// spec §6 mounted directly — no services registry, no per-service
// Unprotected() declarations, since this surface has exactly two
// unauthenticated paths and they're named above.
func BuildRouter(log *slog.Logger, deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(httpmw.RequestLoggerMiddleware(log, deps.RealIP))
	r.Use(httpmw.AccessLogMiddleware(log, deps.RealIP))
	r.Use(chimw.Recoverer)

	r.Use(auth.NewAuthGate(auth.AuthGateConfig{
		RequireAuth: func(path string) bool { return !unauthenticatedPaths[path] },
		Log:         log,
		Tokens:      deps.Tokens,
	}))

	r.Route(basePath, func(r chi.Router) {
		if deps.Auth != nil {
			r.Post("/auth/login", deps.Auth.HandleLogin)
			r.Post("/auth/refresh", deps.Auth.HandleRefresh)
			r.Post("/auth/logout", deps.Auth.HandleLogout)
			r.Post("/auth/change-password", deps.Auth.HandleChangePassword)
			r.Get("/auth/me", deps.Auth.HandleMe)
		}

		if deps.Health != nil {
			r.Get("/system/health", deps.Health.HandleHealth)
			r.Get("/system/isolation-status", deps.Health.HandleIsolationStatus)
		}

		if deps.Interfaces != nil || deps.Peers != nil || deps.Routes != nil {
			configapi.Mount(r, deps.Interfaces, deps.Peers, deps.Routes)
		}

		if deps.Telemetry != nil {
			r.Get("/monitoring/tunnels", deps.Telemetry.HandleMonitoringTunnels)
			r.Get("/monitoring/interfaces", deps.Telemetry.HandleMonitoringInterfaces)
			r.Get("/ws", deps.Telemetry.HandleWS)
		}
	})

	return r
}
