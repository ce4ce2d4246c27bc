package relay

// Socket is a live device connection as the hosting layer sees it. The
// attachment is opaque to the host and outlives any particular actor.
type Socket interface {
	Send(data []byte) error
	Close(code int, reason string)
	Attachment() []byte
	SetAttachment(b []byte)
}

// WebSocket close codes used by the relay.
const (
	CloseNormal        = 1000
	CloseInternalError = 1011
)
