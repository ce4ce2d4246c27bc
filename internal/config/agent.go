package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	envVarRelayURL         = "DEVICELINK_RELAY_URL"
	envVarClaimsToken      = "DEVICELINK_CLAIMS_TOKEN"
	envVarAgentID          = "DEVICELINK_AGENT_ID"
	envVarMachineID        = "DEVICELINK_MACHINE_ID"
	envVarMachineName      = "DEVICELINK_MACHINE_NAME"
	envVarAgentType        = "DEVICELINK_AGENT_TYPE"
	envVarCapabilities     = "DEVICELINK_CAPABILITIES"
	envVarHandshakeTimeout = "DEVICELINK_HANDSHAKE_TIMEOUT"
	envVarReconnectMax     = "DEVICELINK_RECONNECT_MAX_BACKOFF"
	envVarAgentMetricsAddr = "DEVICELINK_AGENT_METRICS_ADDR"

	envVarWebRTCUDPPortMin             = "DEVICELINK_WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "DEVICELINK_WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "DEVICELINK_WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "DEVICELINK_WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "DEVICELINK_WEBRTC_UDP_LISTEN_IP"

	DefaultAgentType           = "daemon"
	DefaultHandshakeTimeout    = 30 * time.Second
	DefaultReconnectMinBackoff = 500 * time.Millisecond
	DefaultReconnectMaxBackoff = 30 * time.Second
	DefaultWebRTCUDPListenIP   = "0.0.0.0"

	maxIdentifierLength = 256
)

// AgentConfig is the device daemon (`devicelink agent`) configuration.
type AgentConfig struct {
	RelayURL     string
	ClaimsHeader string
	ClaimsToken  string

	AgentID      string
	MachineID    string
	MachineName  string
	AgentType    string
	Capabilities []string

	LogFormat LogFormat
	LogLevel  slog.Level

	// MetricsAddr is where /metrics is served. Empty disables it.
	MetricsAddr string

	ICEServers          []webrtc.ICEServer
	HandshakeTimeout    time.Duration
	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses OS ephemeral port selection.
	WebRTCUDPPortRange           *UDPPortRange
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType
	// WebRTCUDPListenIP restricts which local address ICE binds to. 0.0.0.0
	// means all interfaces.
	WebRTCUDPListenIP net.IP
}

// agentFile is the YAML form of --config. Empty fields leave the value from
// the environment or defaults in place; command-line flags win over the file.
type agentFile struct {
	RelayURL     string          `yaml:"relay_url"`
	ClaimsHeader string          `yaml:"claims_header"`
	ClaimsToken  string          `yaml:"claims_token"`
	AgentID      string          `yaml:"agent_id"`
	MachineID    string          `yaml:"machine_id"`
	MachineName  string          `yaml:"machine_name"`
	AgentType    string          `yaml:"agent_type"`
	Capabilities []string        `yaml:"capabilities"`
	ICEServers   []iceServerJSON `yaml:"ice_servers"`
	LogFormat    string          `yaml:"log_format"`
	LogLevel     string          `yaml:"log_level"`
	MetricsAddr  string          `yaml:"metrics_addr"`

	HandshakeTimeout string `yaml:"handshake_timeout"`
}

func (s *stringOrStringSlice) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = []string{node.Value}
		return nil
	}
	var many []string
	if err := node.Decode(&many); err != nil {
		return err
	}
	*s = many
	return nil
}

func readAgentFile(path string) (agentFile, error) {
	var f agentFile
	b, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read agent config: %w", err)
	}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("parse agent config %s: %w", path, err)
	}
	return f, nil
}

func LoadAgent(args []string) (AgentConfig, error) {
	return loadAgent(os.LookupEnv, args)
}

func loadAgent(lookup func(string) (string, bool), args []string) (AgentConfig, error) {
	var (
		configPath   string
		relayURL     = envOrDefault(lookup, envVarRelayURL, "")
		claimsHeader = envOrDefault(lookup, envVarClaimsHeader, DefaultClaimsHeader)
		claimsToken  = envOrDefault(lookup, envVarClaimsToken, "")
		agentID      = envOrDefault(lookup, envVarAgentID, "")
		machineID    = envOrDefault(lookup, envVarMachineID, "")
		machineName  = envOrDefault(lookup, envVarMachineName, "")
		agentType    = envOrDefault(lookup, envVarAgentType, DefaultAgentType)
		capabilities = splitCommaSeparated(envOrDefault(lookup, envVarCapabilities, ""))
		logFormatStr = envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
		logLevelStr  = envOrDefault(lookup, envVarLogLevel, "info")
		metricsAddr  = envOrDefault(lookup, envVarAgentMetricsAddr, "")
		listenIPStr  = envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
		nat1To1IPs   = splitCommaSeparated(envOrDefault(lookup, envVarWebRTCNAT1To1IPs, ""))
		candTypeStr  = envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))
		portMin      uint
		portMax      uint
	)
	ice := iceValuesFromEnv(lookup)

	handshakeTimeout, err := envDurationOrDefault(lookup, envVarHandshakeTimeout, DefaultHandshakeTimeout)
	if err != nil {
		return AgentConfig{}, err
	}
	reconnectMax, err := envDurationOrDefault(lookup, envVarReconnectMax, DefaultReconnectMaxBackoff)
	if err != nil {
		return AgentConfig{}, err
	}
	envPortMin, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMin, 0)
	if err != nil {
		return AgentConfig{}, err
	}
	envPortMax, err := envIntOrDefault(lookup, envVarWebRTCUDPPortMax, 0)
	if err != nil {
		return AgentConfig{}, err
	}
	if envPortMin < 0 || envPortMax < 0 {
		return AgentConfig{}, fmt.Errorf("%s/%s must not be negative", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	portMin, portMax = uint(envPortMin), uint(envPortMax)

	fs := pflag.NewFlagSet("devicelink agent", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&configPath, "config", "", "YAML agent config file; flags override its values")
	fs.StringVar(&relayURL, "relay-url", relayURL, "Relay WebSocket URL, e.g. wss://relay.example.com/relay (env "+envVarRelayURL+")")
	fs.StringVar(&claimsHeader, "claims-header", claimsHeader, "Header carrying the identity claims (env "+envVarClaimsHeader+")")
	fs.StringVar(&claimsToken, "claims-token", claimsToken, "Identity claims sent in --claims-header (env "+envVarClaimsToken+")")
	fs.StringVar(&agentID, "agent-id", agentID, "Agent id; defaults to --machine-id (env "+envVarAgentID+")")
	fs.StringVar(&machineID, "machine-id", machineID, "Stable id of this device (env "+envVarMachineID+")")
	fs.StringVar(&machineName, "machine-name", machineName, "Display name; defaults to the hostname (env "+envVarMachineName+")")
	fs.StringVar(&agentType, "agent-type", agentType, "Agent type reported in the directory (env "+envVarAgentType+")")
	fs.StringSliceVar(&capabilities, "capabilities", capabilities, "Comma-separated capabilities (env "+envVarCapabilities+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.StringVar(&metricsAddr, "metrics-addr", metricsAddr, "Serve Prometheus /metrics on this address; empty disables (env "+envVarAgentMetricsAddr+")")
	fs.DurationVar(&handshakeTimeout, "handshake-timeout", handshakeTimeout, "Abandon a peer session that has not exchanged descriptions in this time (env "+envVarHandshakeTimeout+")")
	fs.DurationVar(&reconnectMax, "reconnect-max-backoff", reconnectMax, "Upper bound for the relay reconnect backoff (env "+envVarReconnectMax+")")
	fs.UintVar(&portMin, "webrtc-udp-port-min", portMin, "Min UDP port for ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&portMax, "webrtc-udp-port-max", portMax, "Max UDP port for ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&listenIPStr, "webrtc-udp-listen-ip", listenIPStr, "Local listen IP for ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringSliceVar(&nat1To1IPs, "webrtc-nat-1to1-ips", nat1To1IPs, "Public IPs to advertise for ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&candTypeStr, "webrtc-nat-1to1-ip-candidate-type", candTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	ice.addFlags(fs)

	if err := fs.Parse(args); err != nil {
		return AgentConfig{}, err
	}

	var fileICE []iceServerJSON
	if configPath != "" {
		f, err := readAgentFile(configPath)
		if err != nil {
			return AgentConfig{}, err
		}
		fromFile := func(flag string, dst *string, v string) {
			if v != "" && !fs.Changed(flag) {
				*dst = v
			}
		}
		fromFile("relay-url", &relayURL, f.RelayURL)
		fromFile("claims-header", &claimsHeader, f.ClaimsHeader)
		fromFile("claims-token", &claimsToken, f.ClaimsToken)
		fromFile("agent-id", &agentID, f.AgentID)
		fromFile("machine-id", &machineID, f.MachineID)
		fromFile("machine-name", &machineName, f.MachineName)
		fromFile("agent-type", &agentType, f.AgentType)
		fromFile("log-format", &logFormatStr, f.LogFormat)
		fromFile("log-level", &logLevelStr, f.LogLevel)
		fromFile("metrics-addr", &metricsAddr, f.MetricsAddr)
		if len(f.Capabilities) > 0 && !fs.Changed("capabilities") {
			capabilities = f.Capabilities
		}
		if f.HandshakeTimeout != "" && !fs.Changed("handshake-timeout") {
			d, err := time.ParseDuration(f.HandshakeTimeout)
			if err != nil {
				return AgentConfig{}, fmt.Errorf("parse agent config %s: handshake_timeout: %w", configPath, err)
			}
			handshakeTimeout = d
		}
		if !fs.Changed("ice-servers-json") && !fs.Changed("stun-urls") && !fs.Changed("turn-urls") {
			fileICE = f.ICEServers
		}
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return AgentConfig{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return AgentConfig{}, err
	}

	relayURL, err = normalizeRelayURL(relayURL)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("%s/--relay-url: %w", envVarRelayURL, err)
	}
	if strings.TrimSpace(claimsHeader) == "" {
		return AgentConfig{}, fmt.Errorf("%s/--claims-header must not be empty", envVarClaimsHeader)
	}
	if strings.TrimSpace(claimsToken) == "" {
		return AgentConfig{}, fmt.Errorf("%s/--claims-token must be set", envVarClaimsToken)
	}
	machineID = strings.TrimSpace(machineID)
	if machineID == "" {
		return AgentConfig{}, fmt.Errorf("%s/--machine-id must be set", envVarMachineID)
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		agentID = machineID
	}
	if strings.TrimSpace(machineName) == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			machineName = host
		} else {
			machineName = machineID
		}
	}
	for name, v := range map[string]string{"agent id": agentID, "machine id": machineID, "machine name": machineName, "agent type": agentType} {
		if v == "" || len(v) > maxIdentifierLength {
			return AgentConfig{}, fmt.Errorf("%s must be 1-%d bytes", name, maxIdentifierLength)
		}
	}
	metricsAddr = strings.TrimSpace(metricsAddr)
	if metricsAddr != "" {
		if _, _, err := net.SplitHostPort(metricsAddr); err != nil {
			return AgentConfig{}, fmt.Errorf("invalid %s/--metrics-addr %q: %w", envVarAgentMetricsAddr, metricsAddr, err)
		}
	}
	if handshakeTimeout <= 0 {
		return AgentConfig{}, fmt.Errorf("%s/--handshake-timeout must be > 0", envVarHandshakeTimeout)
	}
	if reconnectMax < DefaultReconnectMinBackoff {
		return AgentConfig{}, fmt.Errorf("%s/--reconnect-max-backoff must be >= %s", envVarReconnectMax, DefaultReconnectMinBackoff)
	}

	var portRange *UDPPortRange
	if portMin != 0 || portMax != 0 {
		min, err := parsePortUint(portMin)
		if err != nil {
			return AgentConfig{}, fmt.Errorf("%s/--webrtc-udp-port-min: %w", envVarWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(portMax)
		if err != nil {
			return AgentConfig{}, fmt.Errorf("%s/--webrtc-udp-port-max: %w", envVarWebRTCUDPPortMax, err)
		}
		if min > max {
			return AgentConfig{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		portRange = &UDPPortRange{Min: min, Max: max}
	}

	listenIP := net.ParseIP(strings.TrimSpace(listenIPStr))
	if listenIP == nil {
		return AgentConfig{}, fmt.Errorf("invalid %s/--webrtc-udp-listen-ip %q", envVarWebRTCUDPListenIP, listenIPStr)
	}
	natIPs, err := parseIPList(nat1To1IPs)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ips: %w", envVarWebRTCNAT1To1IPs, err)
	}
	candType, err := parseCandidateType(candTypeStr)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("invalid %s/--webrtc-nat-1to1-ip-candidate-type: %w", envVarWebRTCNAT1To1IPCandidateType, err)
	}

	var iceServers []webrtc.ICEServer
	if len(fileICE) > 0 {
		iceServers, err = convertICEServers(fileICE, false)
		if err != nil {
			return AgentConfig{}, fmt.Errorf("parse agent config %s: %w", configPath, err)
		}
	} else {
		iceServers, err = ice.parse(false)
		if err != nil {
			return AgentConfig{}, err
		}
	}

	return AgentConfig{
		RelayURL:     relayURL,
		ClaimsHeader: strings.TrimSpace(claimsHeader),
		ClaimsToken:  strings.TrimSpace(claimsToken),

		AgentID:      agentID,
		MachineID:    machineID,
		MachineName:  machineName,
		AgentType:    agentType,
		Capabilities: capabilities,

		LogFormat: logFormat,
		LogLevel:  level,

		MetricsAddr: metricsAddr,

		ICEServers:          iceServers,
		HandshakeTimeout:    handshakeTimeout,
		ReconnectMinBackoff: DefaultReconnectMinBackoff,
		ReconnectMaxBackoff: reconnectMax,

		WebRTCUDPPortRange:           portRange,
		WebRTCNAT1To1IPs:             natIPs,
		WebRTCNAT1To1IPCandidateType: candType,
		WebRTCUDPListenIP:            listenIP,
	}, nil
}

// normalizeRelayURL accepts http(s) or ws(s) URLs and returns the WebSocket
// form. A bare host gets the /relay path.
func normalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("must be set")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "ws"
	case "wss", "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%q: expected ws:// or wss://", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%q: missing host", raw)
	}
	if u.User != nil {
		return "", fmt.Errorf("%q: must not include credentials", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/relay"
	}
	return u.String(), nil
}
