// Package relayclient is the device side of the relay link. It keeps one
// WebSocket open to the relay, registers the local agent on every connect,
// mirrors the user's agent directory and feeds handshake messages to the
// connection orchestrator.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/config"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/orchestrator"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/protocol"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// Handler receives the relay traffic addressed to this device.
// *orchestrator.Orchestrator implements it.
type Handler interface {
	HandleOffer(ctx context.Context, remoteID, requestID string, offer webrtc.SessionDescription) error
	HandleAnswer(remoteID string, answer webrtc.SessionDescription)
	HandleICE(remoteID string, candidate webrtc.ICECandidateInit)
	HandleRelayError(e protocol.Error)
	Close(remoteID string)
}

type Options struct {
	// URL is the relay endpoint, e.g. wss://relay.example.com/relay.
	URL          string
	ClaimsHeader string
	ClaimsToken  string
	Registration protocol.RegisterAgent

	MinBackoff time.Duration
	MaxBackoff time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

type Client struct {
	url        string
	header     http.Header
	reg        protocol.RegisterAgent
	minBackoff time.Duration
	maxBackoff time.Duration
	dialer     *websocket.Dialer
	log        *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	dirMu  sync.Mutex
	userID string
	agents map[string]protocol.AgentInfo
}

func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("relayclient: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relayclient: url scheme must be ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("role", "agent")
	u.RawQuery = q.Encode()

	if opts.Registration.AgentID == "" || opts.Registration.MachineID == "" {
		return nil, errors.New("relayclient: registration needs agentId and machineId")
	}
	if opts.ClaimsHeader == "" {
		opts.ClaimsHeader = config.DefaultClaimsHeader
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = config.DefaultReconnectMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(config.DefaultReconnectMaxBackoff, opts.MinBackoff)
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	header := http.Header{}
	if opts.ClaimsToken != "" {
		header.Set(opts.ClaimsHeader, opts.ClaimsToken)
	}
	return &Client{
		url:        u.String(),
		header:     header,
		reg:        opts.Registration,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
		dialer:     opts.Dialer,
		log:        opts.Logger.With("agent_id", opts.Registration.AgentID, "machine_id", opts.Registration.MachineID),
		agents:     make(map[string]protocol.AgentInfo),
	}, nil
}

// Run keeps the relay link up until ctx is cancelled, dispatching incoming
// messages to h. Dial failures and dropped connections are retried with
// exponential backoff.
func (c *Client) Run(ctx context.Context, h Handler) error {
	backoff := c.minBackoff
	for {
		connected, err := c.session(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.minBackoff
		}
		c.log.Warn("relay link down", "err", err, "retry_in", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = nextBackoff(backoff, c.maxBackoff)
	}
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit || next <= 0 {
		return limit
	}
	return next
}

// session runs one connection. connected reports whether registration was
// sent, which resets the backoff.
func (c *Client) session(ctx context.Context, h Handler) (connected bool, err error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, resp, err := c.dialer.DialContext(dctx, c.url, c.header)
	cancel()
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	})
	defer func() {
		stop()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	if err := c.Send(ctx, c.reg); err != nil {
		return false, fmt.Errorf("register agent: %w", err)
	}
	c.log.Info("relay link up")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug("undecodable relay message", "err", err)
			continue
		}
		c.dispatch(ctx, h, msg)
	}
}

// Send writes msg to the relay. It returns orchestrator.ErrRelayUnavailable
// while the link is down.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return orchestrator.ErrRelayUnavailable
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", orchestrator.ErrRelayUnavailable, err)
	}
	return nil
}

// Connected reports whether the relay link is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Agents returns the local view of the user's agent directory, ordered by
// agentId.
func (c *Client) Agents() []protocol.AgentInfo {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()
	out := make([]protocol.AgentInfo, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (c *Client) dispatch(ctx context.Context, h Handler, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Authenticated:
		c.dirMu.Lock()
		c.userID = m.UserID
		c.dirMu.Unlock()
		c.log.Debug("authenticated", "user_id", m.UserID)

	case protocol.AgentsList:
		c.dirMu.Lock()
		c.agents = make(map[string]protocol.AgentInfo, len(m.Agents))
		for _, a := range m.Agents {
			c.agents[a.AgentID] = a
		}
		c.dirMu.Unlock()

	case protocol.AgentJoined:
		c.dirMu.Lock()
		c.agents[m.Agent.AgentID] = m.Agent
		c.dirMu.Unlock()

	case protocol.AgentLeft:
		c.dirMu.Lock()
		gone, ok := c.agents[m.AgentID]
		delete(c.agents, m.AgentID)
		c.dirMu.Unlock()
		if ok && gone.MachineID != "" && gone.MachineID != c.reg.MachineID {
			h.Close(gone.MachineID)
		}

	case protocol.AgentStatusChanged:
		c.dirMu.Lock()
		if a, ok := c.agents[m.AgentID]; ok {
			a.Status = m.Status
			a.ActiveTaskID = m.ActiveTaskID
			c.agents[m.AgentID] = a
		}
		c.dirMu.Unlock()

	case protocol.AgentCapabilitiesChanged:
		c.dirMu.Lock()
		if a, ok := c.agents[m.AgentID]; ok {
			a.Capabilities = m.Capabilities
			c.agents[m.AgentID] = a
		}
		c.dirMu.Unlock()

	case protocol.WebRTCOffer:
		desc, err := m.Description()
		if err != nil {
			c.log.Debug("bad offer payload", "remote_id", m.FromMachineID, "err", err)
			return
		}
		if err := h.HandleOffer(ctx, m.FromMachineID, m.RequestID, desc); err != nil {
			c.log.Debug("offer not answered", "remote_id", m.FromMachineID, "err", err)
		}

	case protocol.WebRTCAnswer:
		desc, err := m.Description()
		if err != nil {
			c.log.Debug("bad answer payload", "remote_id", m.FromMachineID, "err", err)
			return
		}
		h.HandleAnswer(m.FromMachineID, desc)

	case protocol.WebRTCICE:
		cand, err := m.Candidate()
		if err != nil {
			c.log.Debug("bad candidate payload", "remote_id", m.FromMachineID, "err", err)
			return
		}
		h.HandleICE(m.FromMachineID, cand)

	case protocol.Error:
		c.log.Warn("relay error", "code", m.Code, "message", m.Message, "request_id", m.RequestID)
		h.HandleRelayError(m)

	case protocol.NotifyTask, protocol.TaskAck:
		c.log.Debug("task message ignored", "type", msg.MessageType())

	default:
		c.log.Debug("unexpected relay message", "type", msg.MessageType())
	}
}
