package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SessionDescription is the payload of webrtc-offer and webrtc-answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func DescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("empty sdp")
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// ICECandidate is the payload of webrtc-ice: a single trickled candidate.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) ICECandidate {
	return ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c ICECandidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// NewOffer builds a webrtc-offer addressed to target.
func NewOffer(target, requestID string, desc webrtc.SessionDescription) (WebRTCOffer, error) {
	sig, err := newSignal(target, requestID, DescriptionFromPion(desc))
	return WebRTCOffer{sig}, err
}

func NewAnswer(target, requestID string, desc webrtc.SessionDescription) (WebRTCAnswer, error) {
	sig, err := newSignal(target, requestID, DescriptionFromPion(desc))
	return WebRTCAnswer{sig}, err
}

func NewICE(target string, init webrtc.ICECandidateInit) (WebRTCICE, error) {
	sig, err := newSignal(target, "", CandidateFromPion(init))
	return WebRTCICE{sig}, err
}

func newSignal(target, requestID string, payload any) (Signal, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Signal{}, err
	}
	return Signal{TargetMachineID: target, Payload: raw, RequestID: requestID}, nil
}

// Description decodes the payload as a session description.
func (s Signal) Description() (webrtc.SessionDescription, error) {
	var d SessionDescription
	if err := json.Unmarshal(s.Payload, &d); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description: %w", err)
	}
	return d.ToPion()
}

// Candidate decodes the payload as an ICE candidate.
func (s Signal) Candidate() (webrtc.ICECandidateInit, error) {
	var c ICECandidate
	if err := json.Unmarshal(s.Payload, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode ice candidate: %w", err)
	}
	if c.Candidate == "" {
		return webrtc.ICECandidateInit{}, fmt.Errorf("empty candidate")
	}
	return c.ToPion(), nil
}
