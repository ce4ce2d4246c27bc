package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pion/webrtc/v4"
	"github.com/rs/cors"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/auth"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/config"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// AgentLister is the read side of the relay used by GET /agents.
type AgentLister interface {
	Agents(ctx context.Context, userID string) ([]protocol.AgentInfo, error)
}

// Deps are the relay components mounted on the router. Nil fields disable
// the routes that need them.
type Deps struct {
	Relay    http.Handler
	Agents   AgentLister
	Verifier auth.Verifier
	Metrics  *metrics.Metrics
	TURN     *turnrest.Generator
	// Ready reports whether backing storage is usable.
	Ready func(ctx context.Context) error
}

type Server struct {
	log    *slog.Logger
	cfg    config.Config
	build  BuildInfo
	deps   Deps
	origin *OriginPolicy

	ready atomic.Bool

	router chi.Router
	srv    *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:    logger,
		cfg:    cfg,
		build:  build,
		deps:   deps,
		origin: NewOriginPolicy(cfg.AllowedOrigins),
		router: chi.NewRouter(),
	}

	s.router.Use(
		recoverMiddleware(s.log),
		middleware.RequestID,
		requestIDHeader,
		requestLoggerMiddleware(s.log),
		cors.New(cors.Options{
			AllowOriginVaryRequestFunc: func(r *http.Request, _ string) (bool, []string) {
				return s.origin.Allowed(r), nil
			},
			AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", cfg.ClaimsHeader},
			ExposedHeaders:   []string{middleware.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           600,
		}).Handler,
	)
	s.registerRoutes()

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: /relay connections are long lived.
	}
	return s
}

// Handler returns the root handler. Routes must not be added after Serve.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	r := s.router

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/readyz", s.handleReadyz)
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.deps.Metrics))
	}
	if s.deps.Relay != nil {
		// Origin checks for the upgrade live in the WebSocket upgrader.
		r.Method(http.MethodGet, "/relay", s.deps.Relay)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.origin.Middleware)
		r.Get("/webrtc/ice", s.handleICE)
		if s.deps.Agents != nil && s.deps.Verifier != nil {
			r.Get("/agents", s.handleAgents)
		}
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
		return
	}
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.deps.TURN != nil {
		creds, err := s.deps.TURN.GenerateRandom()
		if err != nil {
			s.log.Error("turn rest credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to mint TURN credentials"})
			return
		}
		servers = turnrest.Apply(servers, creds)
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromRequest(s.deps.Verifier, r, s.cfg.ClaimsHeader)
	if err != nil {
		WriteJSON(w, http.StatusUnauthorized, protocol.Error{Code: protocol.CodeUnauthorized, Message: "missing or invalid identity claims"})
		return
	}
	agents, err := s.deps.Agents.Agents(r.Context(), claims.UserID)
	if err != nil {
		s.log.Error("list agents", "user_id", claims.UserID, "err", err)
		WriteJSON(w, http.StatusInternalServerError, protocol.Error{Code: protocol.CodeInternalError, Message: "directory unavailable"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func recoverMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestIDHeader echoes the request id chosen by middleware.RequestID.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

func requestLoggerMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				// Hijacked (WebSocket) or nothing written.
				status = http.StatusSwitchingProtocols
				if r.Header.Get("Upgrade") == "" {
					status = http.StatusOK
				}
			}
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
