package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

// wsSocket adapts a gorilla connection to relay.Socket. gorilla allows one
// concurrent writer, so every write goes through writeMu.
type wsSocket struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	attachMu   sync.Mutex
	attachment []byte
}

func newSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{conn: conn, closed: make(chan struct{})}
}

func (s *wsSocket) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// Close sends a close frame and tears down the connection, which ends the
// read loop. Later calls are no-ops.
func (s *wsSocket) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		s.writeMu.Unlock()
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *wsSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *wsSocket) Attachment() []byte {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	return s.attachment
}

func (s *wsSocket) SetAttachment(b []byte) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()
	s.attachment = b
}
