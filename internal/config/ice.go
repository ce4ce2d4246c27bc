package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
)

const (
	envICEServersJSON = "DEVICELINK_ICE_SERVERS_JSON"

	envStunURLs       = "DEVICELINK_STUN_URLS"
	envTurnURLs       = "DEVICELINK_TURN_URLS"
	envTurnUsername   = "DEVICELINK_TURN_USERNAME"
	envTurnCredential = "DEVICELINK_TURN_CREDENTIAL"
)

// DefaultSTUNURLs is used when no ICE servers are configured at all.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun.cloudflare.com:3478",
}

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: append([]string(nil), DefaultSTUNURLs...)}}
}

// iceValues is the raw ICE configuration shared by the relay and the agent.
type iceValues struct {
	serversJSON    string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

func iceValuesFromEnv(lookup func(string) (string, bool)) *iceValues {
	return &iceValues{
		serversJSON:    envOrDefault(lookup, envICEServersJSON, ""),
		stunURLs:       envOrDefault(lookup, envStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}
}

func (v *iceValues) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&v.serversJSON, "ice-servers-json", v.serversJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&v.stunURLs, "stun-urls", v.stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&v.turnURLs, "turn-urls", v.turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&v.turnUsername, "turn-username", v.turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&v.turnCredential, "turn-credential", v.turnCredential, "TURN credential (env "+envTurnCredential+")")
}

func (v *iceValues) empty() bool {
	return strings.TrimSpace(v.serversJSON) == "" && strings.TrimSpace(v.stunURLs) == "" && strings.TrimSpace(v.turnURLs) == ""
}

// parse builds the ICE server list. With allowTURNWithoutCreds set, TURN URLs
// may omit credentials because they are minted per request (TURN REST).
func (v *iceValues) parse(allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(v.serversJSON); raw != "" {
		iceServers, err := ParseICEServersJSON(raw, allowTURNWithoutCreds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return iceServers, nil
	}
	if v.empty() {
		return DefaultICEServers(), nil
	}
	return ParseICEServersFromConvenienceEnv(v.stunURLs, v.turnURLs, v.turnUsername, v.turnCredential, allowTURNWithoutCreds)
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls" yaml:"urls"`
	Username   string              `json:"username,omitempty" yaml:"username"`
	Credential string              `json:"credential,omitempty" yaml:"credential"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses and validates a JSON array of RTCIceServer-style
// objects. "urls" may be a string or a list.
func ParseICEServersJSON(raw string, allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}
	return convertICEServers(servers, allowTURNWithoutCreds)
}

func convertICEServers(servers []iceServerJSON, allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		pcServer := webrtc.ICEServer{
			URLs:     splitCommaSeparated(strings.Join(server.URLs, ",")),
			Username: strings.TrimSpace(server.Username),
		}
		if strings.TrimSpace(server.Credential) != "" {
			pcServer.Credential = server.Credential
		}
		if err := validateICEServer(pcServer, allowTURNWithoutCreds); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, pcServer)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from the
// comma-separated STUN/TURN URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	stunList := splitCommaSeparated(stunURLs)
	turnList := splitCommaSeparated(turnURLs)

	var servers []webrtc.ICEServer
	if len(stunList) > 0 {
		server := webrtc.ICEServer{URLs: stunList}
		if err := validateICEServer(server, allowTURNWithoutCreds); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if !allowTURNWithoutCreds && (turnUsername == "" || turnCredential == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}

		server := webrtc.ICEServer{
			URLs:     turnList,
			Username: turnUsername,
		}
		if turnCredential != "" {
			server.Credential = turnCredential
		}
		if err := validateICEServer(server, allowTURNWithoutCreds); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, allowTURNWithoutCreds bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, raw := range server.URLs {
		url := strings.TrimSpace(raw)
		if !isAllowedICEScheme(url) {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
		if isTURNURL(url) {
			requiresTurnCreds = true
		}
	}

	if requiresTurnCreds && !allowTURNWithoutCreds {
		if strings.TrimSpace(server.Username) == "" {
			return errors.New("turn urls require username")
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			return errors.New("turn urls require credential")
		}
	}

	return nil
}

func isTURNURL(url string) bool {
	url = strings.ToLower(url)
	return strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:")
}

func isAllowedICEScheme(url string) bool {
	url = strings.ToLower(url)
	switch {
	case strings.HasPrefix(url, "stun:"),
		strings.HasPrefix(url, "stuns:"),
		strings.HasPrefix(url, "turn:"),
		strings.HasPrefix(url, "turns:"):
		return true
	default:
		return false
	}
}
