// Package main is the entrypoint for encryptor-apid, the REST/WebSocket
// control-plane API process (spec §1, §5: the unprivileged process, talking
// to encryptor-daemon over a UNIX socket for every privileged operation).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/encryptor-sim/controlplane/internal/components/authapi"
	"github.com/encryptor-sim/controlplane/internal/components/configapi"
	"github.com/encryptor-sim/controlplane/internal/components/health"
	"github.com/encryptor-sim/controlplane/internal/components/telemetry"
	"github.com/encryptor-sim/controlplane/internal/identity"
	"github.com/encryptor-sim/controlplane/internal/ipc"
	"github.com/encryptor-sim/controlplane/internal/platform/config"
	"github.com/encryptor-sim/controlplane/internal/platform/http/realip"
	"github.com/encryptor-sim/controlplane/internal/platform/http/server"
	"github.com/encryptor-sim/controlplane/internal/pskvault"
	"github.com/encryptor-sim/controlplane/internal/store"
	"github.com/encryptor-sim/controlplane/internal/tokens"

	// Register store drivers.
	_ "github.com/encryptor-sim/controlplane/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	flag.Parse()

	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(config.LoaderOptions{ConfigPath: *configPath, Logger: bootstrapLogger})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("effective configuration", "config", cfg.Redacted())

	driver, err := store.New(&store.DriverConfig{Driver: "sqlite", DataDir: cfg.DataDir})
	if err != nil {
		logger.Error("failed to create store driver", "error", err)
		os.Exit(1)
	}
	defer driver.Close()

	ctx := context.Background()
	if err := driver.Init(ctx); err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}

	vault, err := pskvault.New(cfg.PSKEncryptionKey)
	if err != nil {
		logger.Error("failed to initialize PSK vault", "error", err)
		os.Exit(1)
	}

	tokenSvc, err := tokens.New(cfg.TokenSigningKey)
	if err != nil {
		logger.Error("failed to initialize token service", "error", err)
		os.Exit(1)
	}

	userRepo := identity.NewStoreUserRepo(driver)
	hasher := identity.NewPasswordHasher()
	authenticator := identity.NewAuthenticator(userRepo, hasher)

	bootstrap := identity.NewBootstrap(userRepo, hasher, logger)
	if err := bootstrap.EnsureAdmin(ctx, cfg.BootstrapAdmin.Password); err != nil {
		logger.Error("failed to bootstrap admin account", "error", err)
		os.Exit(1)
	}

	ipcClient := ipc.NewClient(cfg.SocketPath)

	broadcastManager := telemetry.NewManager(logger)

	authHandler := authapi.NewHandler(authenticator, tokenSvc, userRepo, logger)
	interfaceHandler := configapi.NewInterfaceHandler(driver, ipcClient, broadcastManager, logger)
	peerHandler := configapi.NewPeerHandler(driver, vault, ipcClient, broadcastManager, logger)
	routeHandler := configapi.NewRouteHandler(driver, ipcClient, broadcastManager, logger)
	healthHandler := health.NewHandler(driver, cfg.SocketPath, nil, logger)
	telemetryHandler := telemetry.NewHandler(driver, ipcClient, broadcastManager, tokenSvc, logger)

	if err := health.SyncIsolationResult(ctx, ipcClient, driver, logger); err != nil {
		logger.Warn("failed to sync daemon isolation self-test result at startup", "error", err)
	}

	tunnelPoller := telemetry.NewTunnelPoller(driver, ipcClient, broadcastManager, logger)
	interfacePoller := telemetry.NewInterfacePoller(driver, ipcClient, broadcastManager, logger)

	pollerCtx, stopPollers := context.WithCancel(context.Background())
	defer stopPollers()
	go tunnelPoller.Run(pollerCtx)
	go interfacePoller.Run(pollerCtx)

	router := server.BuildRouter(logger, server.Dependencies{
		Auth:       authHandler,
		Interfaces: interfaceHandler,
		Peers:      peerHandler,
		Routes:     routeHandler,
		Health:     healthHandler,
		Telemetry:  telemetryHandler,
		Tokens:     tokenSvc,
		RealIP:     realip.NewTrustedProxies(nil),
	})

	srv := server.New(cfg, logger, router)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("encryptor-apid started", "addr", cfg.ListenAddr)

	<-sigCtx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopPollers()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("encryptor-apid stopped")
}
