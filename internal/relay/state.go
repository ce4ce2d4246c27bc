package relay

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type Role string

const (
	RoleAgent   Role = "agent"
	RoleBrowser Role = "browser"
)

// ParseRole maps the ?role= query value onto a Role. Anything other than
// "agent" is a browser.
func ParseRole(s string) Role {
	if s == string(RoleAgent) {
		return RoleAgent
	}
	return RoleBrowser
}

// Identity is what the upstream claims say about a connecting device.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
}

// ConnectionState is the relay's view of one live socket. It is serialized
// into the socket attachment after every change.
type ConnectionState struct {
	ID        string `cbor:"1,keyasint"`
	Role      Role   `cbor:"2,keyasint"`
	UserID    string `cbor:"3,keyasint"`
	Username  string `cbor:"4,keyasint,omitempty"`
	MachineID string `cbor:"5,keyasint,omitempty"`
	AgentID   string `cbor:"6,keyasint,omitempty"`
	SessionID string `cbor:"7,keyasint,omitempty"`
	// Seq orders connections by accept time within one user; the newest
	// connection wins when several claim the same machineId.
	Seq uint64 `cbor:"8,keyasint,omitempty"`
}

// RemoteID is the id other devices see in fromMachineId.
func (s *ConnectionState) RemoteID() string {
	if s.MachineID != "" {
		return s.MachineID
	}
	return s.ID
}

var errNoAttachment = errors.New("socket has no attachment")

var attachEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("relay: cbor encoder: " + err.Error())
	}
	return em
}()

func encodeState(s *ConnectionState) ([]byte, error) {
	b, err := attachEnc.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode connection state: %w", err)
	}
	return b, nil
}

func decodeState(b []byte) (*ConnectionState, error) {
	if len(b) == 0 {
		return nil, errNoAttachment
	}
	var s ConnectionState
	if err := cbor.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode connection state: %w", err)
	}
	if s.ID == "" || s.UserID == "" {
		return nil, fmt.Errorf("decode connection state: missing id")
	}
	return &s, nil
}
