package orchestrator

import (
	"bytes"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/config"
)

func TestNewAPI_Defaults(t *testing.T) {
	api, err := NewAPI(config.AgentConfig{}, nil)
	require.NoError(t, err)
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	require.NoError(t, pc.Close())
}

func TestApplyNetworkSettings(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.AgentConfig
		wantErr string
	}{
		{
			name: "port range",
			cfg:  config.AgentConfig{WebRTCUDPPortRange: &config.UDPPortRange{Min: 50000, Max: 50100}},
		},
		{
			name:    "inverted port range",
			cfg:     config.AgentConfig{WebRTCUDPPortRange: &config.UDPPortRange{Min: 50100, Max: 50000}},
			wantErr: "port range",
		},
		{
			name: "nat 1:1 default type",
			cfg:  config.AgentConfig{WebRTCNAT1To1IPs: []string{"203.0.113.7"}},
		},
		{
			name: "nat 1:1 srflx",
			cfg: config.AgentConfig{
				WebRTCNAT1To1IPs:             []string{"203.0.113.7"},
				WebRTCNAT1To1IPCandidateType: config.NAT1To1CandidateTypeSrflx,
			},
		},
		{
			name: "nat 1:1 bad type",
			cfg: config.AgentConfig{
				WebRTCNAT1To1IPs:             []string{"203.0.113.7"},
				WebRTCNAT1To1IPCandidateType: "relay",
			},
			wantErr: "candidate type",
		},
		{
			name: "listen ip",
			cfg:  config.AgentConfig{WebRTCUDPListenIP: net.ParseIP("127.0.0.1")},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			se := webrtc.SettingEngine{}
			err := ApplyNetworkSettings(&se, tc.cfg)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNewAPI_RejectsBadCandidateType(t *testing.T) {
	_, err := NewAPI(config.AgentConfig{
		WebRTCNAT1To1IPs:             []string{"203.0.113.7"},
		WebRTCNAT1To1IPCandidateType: "bogus",
	}, nil)
	require.Error(t, err)
}

func TestLoggerFactory_RoutesToSlog(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := newLoggerFactory(log).NewLogger("ice")
	l.Infof("gathered %d candidates", 3)
	l.Trace("below debug")
	l.Warn("checking")

	out := buf.String()
	require.Contains(t, out, "pion=ice")
	require.Contains(t, out, "gathered 3 candidates")
	require.Contains(t, out, "level=WARN")
	require.False(t, strings.Contains(out, "below debug"))
}
