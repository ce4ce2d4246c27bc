package orchestrator

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/config"
)

// NewAPI builds the pion API used for every session of the agent.
func NewAPI(cfg config.AgentConfig, logger *slog.Logger) (*webrtc.API, error) {
	if logger == nil {
		logger = slog.Default()
	}
	se := webrtc.SettingEngine{}
	se.LoggerFactory = newLoggerFactory(logger)
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.AgentConfig) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.WebRTCNAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.WebRTCNAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, candidateType)
	}

	// There is no bind-address setting; IPFilter limits both gathering and
	// socket binding to the one address.
	if !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	} else {
		// Two agents on one host (and tests) can only reach each other over
		// loopback.
		se.SetIncludeLoopbackCandidate(true)
	}

	return nil
}
