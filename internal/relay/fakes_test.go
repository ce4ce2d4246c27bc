package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/directory"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/protocol"
)

type fakeSocket struct {
	userID string

	mu         sync.Mutex
	attachment []byte
	sent       [][]byte
	closed     bool
	closeCode  int
}

func (f *fakeSocket) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

func (f *fakeSocket) Close(code int, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
	}
}

func (f *fakeSocket) Attachment() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachment
}

func (f *fakeSocket) SetAttachment(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachment = b
}

func (f *fakeSocket) state(t *testing.T) *ConnectionState {
	t.Helper()
	st, err := decodeState(f.Attachment())
	require.NoError(t, err)
	return st
}

// drain returns and forgets everything sent to f so far.
func (f *fakeSocket) drain(t *testing.T) []protocol.Message {
	t.Helper()
	f.mu.Lock()
	raw := f.sent
	f.sent = nil
	f.mu.Unlock()

	out := make([]protocol.Message, 0, len(raw))
	for _, b := range raw {
		m, err := protocol.Decode(b)
		require.NoError(t, err, "decode %s", b)
		out = append(out, m)
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type harness struct {
	t       *testing.T
	hub     *Hub
	store   *directory.MemoryStore
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, opts HubOptions) *harness {
	t.Helper()
	return newHarnessWithStore(t, directory.NewMemoryStore(), opts)
}

func newHarnessWithStore(t *testing.T, store *directory.MemoryStore, opts HubOptions) *harness {
	t.Helper()
	m := metrics.New()
	opts.Metrics = m
	if opts.Now == nil {
		clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		opts.Now = clock.Now
	}
	hub, err := NewHub(store, opts)
	require.NoError(t, err)
	return &harness{t: t, hub: hub, store: store, metrics: m}
}

// connect accepts a new socket and checks the greeting.
func (h *harness) connect(userID string, role Role) *fakeSocket {
	h.t.Helper()
	sock := &fakeSocket{userID: userID}
	require.NoError(h.t, h.hub.Accept(context.Background(), sock, Identity{UserID: userID, Username: "name-" + userID}, role))
	msgs := sock.drain(h.t)
	require.Len(h.t, msgs, 2)
	auth, ok := msgs[0].(protocol.Authenticated)
	require.True(h.t, ok, "first message is %T", msgs[0])
	require.Equal(h.t, userID, auth.UserID)
	_, ok = msgs[1].(protocol.AgentsList)
	require.True(h.t, ok, "second message is %T", msgs[1])
	return sock
}

func (h *harness) send(sock *fakeSocket, raw string) {
	h.t.Helper()
	h.hub.Receive(context.Background(), sock.userID, sock, []byte(raw))
}

func (h *harness) close(sock *fakeSocket) {
	h.t.Helper()
	sock.Close(CloseNormal, "")
	h.hub.Disconnect(context.Background(), sock.userID, sock, "closed")
}

func (h *harness) agents(userID string) []protocol.AgentInfo {
	h.t.Helper()
	agents, err := h.hub.Agents(context.Background(), userID)
	require.NoError(h.t, err)
	return agents
}

func registerJSON(agentID, machineID string) string {
	return `{"type":"register-agent","agentId":"` + agentID + `","machineId":"` + machineID + `","machineName":"box","agentType":"daemon"}`
}

func requireError(t *testing.T, msgs []protocol.Message, code, requestID string) {
	t.Helper()
	require.Len(t, msgs, 1)
	e, ok := msgs[0].(protocol.Error)
	require.True(t, ok, "got %T", msgs[0])
	require.Equal(t, code, e.Code)
	require.Equal(t, requestID, e.RequestID)
}
