package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/auth"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/config"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/relay"
)

// disconnectTimeout bounds the directory write that follows a socket close.
const disconnectTimeout = 5 * time.Second

type Config struct {
	Hub      *relay.Hub
	Verifier auth.Verifier
	// ClaimsHeader names the request header holding the identity claims.
	ClaimsHeader string
	// CheckOrigin gates browser upgrades. Nil allows every origin.
	CheckOrigin func(r *http.Request) bool

	MaxMessageBytes   int64
	MessagesPerSecond int
	IdleTimeout       time.Duration
	PingInterval      time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Hub == nil {
		return nil, errors.New("signaling: hub is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("signaling: verifier is required")
	}
	if cfg.ClaimsHeader == "" {
		cfg.ClaimsHeader = config.DefaultClaimsHeader
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}, nil
}

// ServeHTTP handles GET /relay. Requests without upgrade intent get 426 and
// requests without valid claims get 401; neither reaches the hub.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		s.cfg.Metrics.Inc(metrics.UpgradeRejected)
		w.Header().Set("Connection", "Upgrade")
		w.Header().Set("Upgrade", "websocket")
		writeJSONError(w, http.StatusUpgradeRequired, "upgrade_required", "expected a WebSocket upgrade")
		return
	}
	claims, err := auth.FromRequest(s.cfg.Verifier, r, s.cfg.ClaimsHeader)
	if err != nil {
		s.cfg.Metrics.Inc(metrics.UpgradeRejected)
		s.cfg.Logger.Debug("relay upgrade rejected", "err", err)
		writeJSONError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "missing or invalid identity claims")
		return
	}
	role := relay.ParseRole(r.URL.Query().Get("role"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.cfg.Metrics.Inc(metrics.UpgradeRejected)
		return
	}
	s.serve(context.WithoutCancel(r.Context()), conn, claims, role)
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn, claims auth.Claims, role relay.Role) {
	sock := newSocket(conn)
	defer sock.Close(websocket.CloseNormalClosure, "")

	log := s.cfg.Logger.With("user_id", claims.UserID, "role", role)
	hub := s.cfg.Hub
	userID := claims.UserID

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	identity := relay.Identity{UserID: userID, Username: claims.Username, SessionID: claims.SessionID}
	if err := hub.Accept(ctx, sock, identity, role); err != nil {
		log.Error("relay accept failed", "err", err)
		sock.Close(websocket.CloseInternalServerErr, "relay unavailable")
		return
	}

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(sock, done)

	disconnect := func(reason string) {
		dctx, cancel := context.WithTimeout(ctx, disconnectTimeout)
		defer cancel()
		hub.Disconnect(dctx, userID, sock, reason)
	}

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessagesPerSecond)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case sock.isClosed():
				disconnect("closed by relay")
			case isTimeout(err):
				sock.Close(websocket.CloseNormalClosure, "idle timeout")
				disconnect("idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				sock.Close(websocket.CloseMessageTooBig, "message too large")
				disconnect("message too large")
			case isCloseFrame(err):
				disconnect("closed by peer")
			default:
				dctx, cancel := context.WithTimeout(ctx, disconnectTimeout)
				hub.Error(dctx, userID, sock, err)
				cancel()
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		// The limit is applied after reading so the close frame is not lost
		// behind unread bytes.
		if !limiter.Allow() {
			s.cfg.Metrics.Inc(metrics.MessageRateLimited)
			s.sendError(sock, protocol.CodeRateLimited, "rate limit exceeded", protocol.RequestID(data))
			sock.Close(websocket.ClosePolicyViolation, "rate limit exceeded")
			disconnect("rate limited")
			return
		}
		if msgType != websocket.TextMessage {
			s.cfg.Metrics.Inc(metrics.MessageInvalid)
			s.sendError(sock, protocol.CodeInvalidMessage, "expected text message", "")
			continue
		}
		hub.Receive(ctx, userID, sock, data)
	}
}

func (s *Server) keepalive(sock *wsSocket, done <-chan struct{}) {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := sock.ping(); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendError(sock *wsSocket, code, message, requestID string) {
	b, err := protocol.Encode(protocol.Error{Code: code, Message: message, RequestID: requestID})
	if err != nil {
		return
	}
	_ = sock.Send(b)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isCloseFrame(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}
