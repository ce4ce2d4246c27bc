package protocol

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrMalformed is returned for input that is not a JSON object with a
	// string "type" field.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned when "type" names no known message.
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalid is returned when a client message fails schema validation.
	ErrInvalid = errors.New("invalid message")
)

//go:embed schema/*.json
var schemaFS embed.FS

// clientTypes are the messages a device may send to the relay. Each has a
// schema under schema/<type>.json.
var clientTypes = []Type{
	TypeRegisterAgent,
	TypeUnregisterAgent,
	TypeAgentStatus,
	TypeUpdateCapabilities,
	TypeWebRTCOffer,
	TypeWebRTCAnswer,
	TypeWebRTCICE,
	TypeNotifyTask,
	TypeTaskAck,
}

var schemas = mustLoadSchemas()

func mustLoadSchemas() map[Type]*gojsonschema.Schema {
	out := make(map[Type]*gojsonschema.Schema, len(clientTypes))
	for _, t := range clientTypes {
		raw, err := schemaFS.ReadFile("schema/" + string(t) + ".json")
		if err != nil {
			panic(fmt.Sprintf("protocol: missing schema for %s: %v", t, err))
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("protocol: compile schema for %s: %v", t, err))
		}
		out[t] = s
	}
	return out
}

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var decoders = map[Type]func([]byte) (Message, error){
	TypeRegisterAgent:            decodeAs[RegisterAgent],
	TypeUnregisterAgent:          decodeAs[UnregisterAgent],
	TypeAgentStatus:              decodeAs[AgentStatus],
	TypeUpdateCapabilities:       decodeAs[UpdateCapabilities],
	TypeWebRTCOffer:              decodeAs[WebRTCOffer],
	TypeWebRTCAnswer:             decodeAs[WebRTCAnswer],
	TypeWebRTCICE:                decodeAs[WebRTCICE],
	TypeNotifyTask:               decodeAs[NotifyTask],
	TypeTaskAck:                  decodeAs[TaskAck],
	TypeAuthenticated:            decodeAs[Authenticated],
	TypeAgentsList:               decodeAs[AgentsList],
	TypeAgentJoined:              decodeAs[AgentJoined],
	TypeAgentLeft:                decodeAs[AgentLeft],
	TypeAgentStatusChanged:       decodeAs[AgentStatusChanged],
	TypeAgentCapabilitiesChanged: decodeAs[AgentCapabilitiesChanged],
	TypeError:                    decodeAs[Error],
}

type envelope struct {
	Type      Type   `json:"type"`
	RequestID string `json:"requestId"`
}

func peek(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// RequestID extracts a best-effort requestId from a raw message so error
// replies to messages that fail to parse can still be correlated.
func RequestID(data []byte) string {
	var env envelope
	if json.Unmarshal(data, &env) != nil {
		return ""
	}
	return env.RequestID
}

// Parse decodes a message received from a device. Only client message types
// are accepted, and the document must satisfy that type's schema.
func Parse(data []byte) (Message, error) {
	env, err := peek(data)
	if err != nil {
		return nil, err
	}
	schema, ok := schemas[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(details, "; "))
	}
	return decoders[env.Type](data)
}

// Decode decodes any message in the set without schema validation. Devices use
// it for messages that arrive from the relay.
func Decode(data []byte) (Message, error) {
	env, err := peek(data)
	if err != nil {
		return nil, err
	}
	dec, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	m, err := dec(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// Encode marshals m with its "type" field first.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("protocol: %s does not encode to an object", m.MessageType())
	}
	t, err := json.Marshal(m.MessageType())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(t)+10)
	out = append(out, `{"type":`...)
	out = append(out, t...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}
