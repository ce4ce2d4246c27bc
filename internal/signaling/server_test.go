package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/auth"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/directory"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/relay"
)

const claimsHeader = "X-Test-Claims"

type testEnv struct {
	hub *relay.Hub
	url string
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	hub, err := relay.NewHub(directory.NewMemoryStore(), relay.HubOptions{})
	require.NoError(t, err)

	cfg := Config{
		Hub:               hub,
		Verifier:          auth.TrustedVerifier{},
		ClaimsHeader:      claimsHeader,
		MaxMessageBytes:   4096,
		MessagesPerSecond: 100,
		IdleTimeout:       5 * time.Second,
		PingInterval:      time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/relay", srv)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &testEnv{hub: hub, url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/relay"}
}

func (e *testEnv) dial(t *testing.T, userID, role string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	h.Set(claimsHeader, `{"sub":"`+userID+`"}`)
	c, resp, err := websocket.DefaultDialer.Dial(e.url+"?role="+role, h)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = c.Close() })

	_, ok := readMsg(t, c).(protocol.Authenticated)
	require.True(t, ok)
	_, ok = readMsg(t, c).(protocol.AgentsList)
	require.True(t, ok)
	return c
}

func readMsg(t *testing.T, c *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	m, err := protocol.Decode(data)
	require.NoError(t, err, "decode %s", data)
	return m
}

func TestRelay_RejectsPlainHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get("http" + strings.TrimPrefix(env.url, "ws"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestRelay_RejectsMissingOrInvalidClaims(t *testing.T) {
	env := newTestEnv(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(env.url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	h := http.Header{}
	h.Set(claimsHeader, `{"username":"no-subject"}`)
	_, resp, err = websocket.DefaultDialer.Dial(env.url, h)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	agents, err := env.hub.Agents(t.Context(), "no-subject")
	require.NoError(t, err)
	require.Empty(t, agents)
}

func TestRelay_RejectsDisallowedOrigin(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.CheckOrigin = func(r *http.Request) bool { return r.Header.Get("Origin") == "https://app.example.com" }
	})
	h := http.Header{}
	h.Set(claimsHeader, `{"sub":"u1"}`)
	h.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(env.url, h)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRelay_OfferAnswerOverWebSocket(t *testing.T) {
	env := newTestEnv(t, nil)

	agent := env.dial(t, "u1", "agent")
	require.NoError(t, agent.WriteMessage(websocket.TextMessage, []byte(
		`{"type":"register-agent","agentId":"a1","machineId":"m1","machineName":"box","agentType":"daemon"}`)))

	require.Eventually(t, func() bool {
		agents, err := env.hub.Agents(t.Context(), "u1")
		return err == nil && len(agents) == 1
	}, 2*time.Second, 10*time.Millisecond)
	browser := env.dial(t, "u1", "")

	require.NoError(t, browser.WriteMessage(websocket.TextMessage, []byte(
		`{"type":"webrtc-offer","targetMachineId":"m1","payload":{"type":"offer","sdp":"v=0"},"requestId":"r1"}`)))

	offer, ok := readMsg(t, agent).(protocol.WebRTCOffer)
	require.True(t, ok)
	require.Equal(t, "r1", offer.RequestID)
	require.NotEmpty(t, offer.FromMachineID)

	require.NoError(t, agent.WriteMessage(websocket.TextMessage, []byte(
		`{"type":"webrtc-answer","targetMachineId":"`+offer.FromMachineID+`","payload":{"type":"answer","sdp":"v=0"},"requestId":"r1"}`)))
	answer, ok := readMsg(t, browser).(protocol.WebRTCAnswer)
	require.True(t, ok)
	require.Equal(t, "m1", answer.FromMachineID)

	// An unclean agent drop removes its directory entry.
	require.NoError(t, agent.UnderlyingConn().Close())
	left, ok := readMsg(t, browser).(protocol.AgentLeft)
	require.True(t, ok)
	require.Equal(t, "a1", left.AgentID)
}

func TestRelay_InvalidMessageKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t, "u1", "")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)))
	e, ok := readMsg(t, c).(protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.CodeInvalidMessage, e.Code)

	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	e, ok = readMsg(t, c).(protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.CodeInvalidMessage, e.Code)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(
		`{"type":"webrtc-ice","targetMachineId":"ghost","payload":{"candidate":"x"},"requestId":"q"}`)))
	e, ok = readMsg(t, c).(protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.CodeTargetNotFound, e.Code)
	require.Equal(t, "q", e.RequestID)
}

func TestRelay_RateLimitClosesConnection(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MessagesPerSecond = 1 })
	c := env.dial(t, "u1", "")

	for i := 0; i < 3; i++ {
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"task-ack","requestId":"r","taskId":"t","accepted":true}`))
	}

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var sawRateLimited bool
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
			break
		}
		if m, derr := protocol.Decode(data); derr == nil {
			if e, ok := m.(protocol.Error); ok && e.Code == protocol.CodeRateLimited {
				sawRateLimited = true
			}
		}
	}
	require.True(t, sawRateLimited)
}

func TestRelay_IdleTimeoutClosesWithoutPong(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.IdleTimeout = 300 * time.Millisecond
		c.PingInterval = 50 * time.Millisecond
	})
	c := env.dial(t, "u1", "")

	pingSeen := make(chan struct{}, 1)
	c.SetPingHandler(func(string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err := c.ReadMessage()
		errCh <- err
	}()

	select {
	case <-pingSeen:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server ping")
	}
	select {
	case err := <-errCh:
		require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for idle close")
	}
}
