// Package server provides HTTP server wiring and lifecycle management.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/encryptor-sim/controlplane/internal/platform/config"
	"github.com/encryptor-sim/controlplane/internal/platform/logutil"

	tlspkg "github.com/encryptor-sim/controlplane/internal/platform/http/tls"
)

// Server wraps the REST/WebSocket HTTP listener and its lifecycle.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server. router is the fully-mounted chi router built by
// BuildRouter; kept as a parameter rather than built internally so main.go
// owns the dependency wiring and this package stays a pure transport layer.
func New(cfg *config.Config, logger *slog.Logger, router chi.Router) *Server {
	logger = logutil.NoopIfNil(logger)

	s := &Server{cfg: cfg, logger: logger}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server. It blocks until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		"addr", s.cfg.ListenAddr,
		"tls_mode", s.cfg.TLS.Mode,
	)

	switch s.cfg.TLS.Mode {
	case "off":
		return s.httpServer.ListenAndServe()

	case "static", "selfsigned":
		tlsManager := tlspkg.NewTLSManager(&s.cfg.TLS, s.logger)
		hostname, err := listenHostname(s.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to derive TLS hostname: %w", err)
		}
		tlsConfig, err := tlsManager.GetTLSConfig(hostname)
		if err != nil {
			return fmt.Errorf("failed to configure TLS: %w", err)
		}
		if tlsConfig == nil {
			return fmt.Errorf("TLS config is nil for mode %s", s.cfg.TLS.Mode)
		}

		s.httpServer.TLSConfig = tlsConfig
		s.logger.Info("starting server with TLS", "mode", s.cfg.TLS.Mode)

		// ListenAndServeTLS with empty strings uses TLSConfig.Certificates.
		return s.httpServer.ListenAndServeTLS("", "")

	default:
		return fmt.Errorf("%w: %s", tlspkg.ErrInvalidTLSMode, s.cfg.TLS.Mode)
	}
}

// listenHostname derives the hostname a generated self-signed certificate's
// CommonName should use from the configured listen address. Unlike the OCM
// original there is no public origin URL to consult: the appliance is
// reached on a closed management network by its bare address.
func listenHostname(listenAddr string) (string, error) {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr, nil
	}
	if host == "" {
		return "localhost", nil
	}
	return host, nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
