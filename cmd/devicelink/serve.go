package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/auth"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/config"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/directory"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/relay"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/turnrest"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [flags]",
		Short: "Run the signaling relay",
		// Flags are owned by config.Load so env defaults and --help stay in
		// one place.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args)
			if err != nil {
				return usageError{err}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return usageError{err}
	}
	slog.SetDefault(logger)

	logger.Info("starting devicelink relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"db_path", cfg.DBPath,
		"max_resident_actors", cfg.MaxResidentActors,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	logStartupSecurityWarnings(logger, cfg)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration; /webrtc/ice and /readyz will fail", "err", err)
	}

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return usageError{err}
	}

	var (
		store directory.Store
		ready func(context.Context) error
	)
	if cfg.DBPath == "" || cfg.DBPath == ":memory:" {
		store = directory.NewMemoryStore()
	} else {
		sq, err := directory.OpenSQLite(cfg.DBPath, logger)
		if err != nil {
			return err
		}
		defer sq.Close()
		store = sq
		ready = sq.Ping
	}

	m := metrics.New()
	hub, err := relay.NewHub(store, relay.HubOptions{
		MaxResidentActors: cfg.MaxResidentActors,
		Logger:            logger,
		Metrics:           m,
	})
	if err != nil {
		return err
	}

	origins := httpserver.NewOriginPolicy(cfg.AllowedOrigins)
	sig, err := signaling.NewServer(signaling.Config{
		Hub:               hub,
		Verifier:          verifier,
		ClaimsHeader:      cfg.ClaimsHeader,
		CheckOrigin:       origins.CheckOrigin,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
		Logger:            logger,
		Metrics:           m,
	})
	if err != nil {
		return err
	}

	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return usageError{err}
		}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, httpserver.Deps{
		Relay:    sig,
		Agents:   hub,
		Verifier: verifier,
		Metrics:  m,
		TURN:     turn,
		Ready:    ready,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSockets are not tracked by http.Server; close them so
	// devices reconnect elsewhere.
	hub.Shutdown(websocket.CloseGoingAway, "server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		return err
	}
	return nil
}
