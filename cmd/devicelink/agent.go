package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/config"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/orchestrator"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/relayclient"
)

func agentCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "agent [flags]",
		Short:              "Run the device agent: register with the relay and accept peer sessions",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgent(args)
			if err != nil {
				return usageError{err}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg)
		},
	}
}

func runAgent(ctx context.Context, cfg config.AgentConfig) error {
	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return usageError{err}
	}
	slog.SetDefault(logger)

	logger.Info("starting devicelink agent",
		"relay_url", cfg.RelayURL,
		"agent_id", cfg.AgentID,
		"machine_id", cfg.MachineID,
		"agent_type", cfg.AgentType,
		"metrics_addr", cfg.MetricsAddr,
	)

	// Built first so a bad network setting fails before dialing the relay.
	api, err := orchestrator.NewAPI(cfg, logger)
	if err != nil {
		return usageError{err}
	}

	client, err := relayclient.New(relayclient.Options{
		URL:          cfg.RelayURL,
		ClaimsHeader: cfg.ClaimsHeader,
		ClaimsToken:  cfg.ClaimsToken,
		Registration: protocol.RegisterAgent{
			AgentID:      cfg.AgentID,
			MachineID:    cfg.MachineID,
			MachineName:  cfg.MachineName,
			AgentType:    cfg.AgentType,
			Capabilities: cfg.Capabilities,
		},
		MinBackoff: cfg.ReconnectMinBackoff,
		MaxBackoff: cfg.ReconnectMaxBackoff,
		Logger:     logger,
	})
	if err != nil {
		return usageError{err}
	}

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
		_, stopMetrics, err := startMetricsServer(cfg.MetricsAddr, m, logger)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	channels := newChannelLog(logger)
	orch, err := orchestrator.New(orchestrator.Options{
		LocalID:          cfg.MachineID,
		API:              api,
		ICEServers:       cfg.ICEServers,
		Signaler:         client,
		Consumer:         channels,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger,
		Metrics:          m,
	})
	if err != nil {
		return err
	}
	defer orch.CloseAll()

	err = client.Run(ctx, orch)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutdown signal received")
		return nil
	}
	return err
}

// startMetricsServer serves GET /metrics on addr. stop shuts the listener
// down and waits briefly for in-flight scrapes.
func startMetricsServer(addr string, m *metrics.Metrics, logger *slog.Logger) (net.Addr, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler(m))
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()
	logger.Info("metrics server serving", "addr", ln.Addr().String())

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown failed", "err", err)
		}
		<-done
	}
	return ln.Addr(), stop, nil
}

// channelLog is the agent's data channel consumer. The agent only
// establishes channels; the application layer that reads them is separate.
type channelLog struct {
	log *slog.Logger

	mu   sync.Mutex
	open map[string]*webrtc.DataChannel
}

func newChannelLog(log *slog.Logger) *channelLog {
	return &channelLog{log: log, open: make(map[string]*webrtc.DataChannel)}
}

func (c *channelLog) Attach(remoteID string, dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.open[remoteID] = dc
	n := len(c.open)
	c.mu.Unlock()
	c.log.Info("peer channel open", "remote_id", remoteID, "label", dc.Label(), "open_channels", n)
}

func (c *channelLog) Detach(remoteID string) {
	c.mu.Lock()
	delete(c.open, remoteID)
	n := len(c.open)
	c.mu.Unlock()
	c.log.Info("peer channel closed", "remote_id", remoteID, "open_channels", n)
}
