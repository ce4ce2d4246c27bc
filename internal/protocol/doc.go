// Package protocol defines the signaling messages exchanged between a device
// and its user's relay over the /relay WebSocket.
//
// The message set is closed. Every message is a JSON object whose "type"
// field selects one of the Type constants; the remaining fields are flat.
// Client-originated messages are validated against an embedded JSON schema
// before they are decoded, so handlers only ever see well-formed values.
//
// Handshake payloads (session descriptions and ICE candidates) travel inside
// the opaque "payload" field and are forwarded by the relay verbatim.
package protocol
