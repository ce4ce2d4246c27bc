// Package signaling is the HTTP/WebSocket face of the relay: it checks the
// upgrade preconditions, owns each socket's read loop and keepalive, and hands
// frames to the relay hub.
package signaling
