package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/protocol"
)

// Phase is a session's position in its lifecycle:
//
//	New -> Negotiating -> Connected -> Closed | Failed
//
// Closed and Failed are terminal and are only entered through teardown.
type Phase int

const (
	PhaseNew Phase = iota + 1
	PhaseNegotiating
	PhaseConnected
	PhaseClosed
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	case PhaseClosed:
		return "closed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p Phase) terminal() bool { return p == PhaseClosed || p == PhaseFailed }

type session struct {
	o         *Orchestrator
	remoteID  string
	initiator bool
	// requestID tags the offer so a target_not_found reply can be matched.
	requestID string
	pc        *webrtc.PeerConnection
	log       *slog.Logger

	// sigMu is held while a message is sent on the session's behalf and
	// while the session is being replaced, so nothing is signaled for a
	// session that is no longer current. Acquired before o.mu and s.mu.
	sigMu sync.Mutex

	mu        sync.Mutex
	phase     Phase
	localSet  bool
	remoteSet bool
	// pending holds remote candidates that arrived before the remote
	// description.
	pending []webrtc.ICECandidateInit
	// outbound holds local candidates gathered before our description was
	// sent; the remote side would drop them.
	outbound []webrtc.ICECandidateInit
	signaled bool
	attached *webrtc.DataChannel
	timer    *time.Timer

	once sync.Once
}

// bind registers the PeerConnection callbacks.
func (s *session) bind() {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.mu.Lock()
		if s.phase.terminal() {
			s.mu.Unlock()
			return
		}
		if !s.signaled {
			s.outbound = append(s.outbound, c.ToJSON())
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.sendCandidate(c.ToJSON())
	})

	s.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			s.log.Debug("unexpected data channel closed", "label", dc.Label())
			_ = dc.Close()
			return
		}
		s.watchDataChannel(dc)
	})

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.connected()
		case webrtc.PeerConnectionStateFailed:
			s.teardown(PhaseFailed, "transport failed")
		case webrtc.PeerConnectionStateClosed:
			// Also reported for our own Close; teardown has already marked
			// the phase by then.
			if !s.currentPhase().terminal() {
				s.teardown(PhaseClosed, "transport closed")
			}
		}
	})
}

// signaledDescription marks the local description as delivered to the relay
// and flushes the candidates gathered before it.
func (s *session) signaledDescription() {
	s.mu.Lock()
	s.signaled = true
	queued := s.outbound
	s.outbound = nil
	s.mu.Unlock()
	for _, c := range queued {
		s.sendCandidate(c)
	}
}

func (s *session) sendCandidate(c webrtc.ICECandidateInit) {
	msg, err := protocol.NewICE(s.remoteID, c)
	if err != nil {
		s.log.Warn("encode candidate", "err", err)
		return
	}
	_, _ = s.signal(context.Background(), msg)
}

// signal sends msg while s is the live session for its remote id. It
// reports false without sending once s has been replaced or has ended.
func (s *session) signal(ctx context.Context, msg protocol.Message) (bool, error) {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	if s.currentPhase().terminal() || !s.o.current(s) {
		s.log.Debug("signal for stale session dropped", "type", msg.MessageType())
		return false, nil
	}
	return true, s.o.send(ctx, msg)
}

// watchDataChannel attaches dc to the consumer once it opens. Whichever
// channel opens first wins; later ones are ignored.
func (s *session) watchDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.phase.terminal() || s.attached != nil {
			return
		}
		s.attached = dc
		s.o.consumer.Attach(s.remoteID, dc)
		s.log.Debug("data channel attached", "label", dc.Label())
	})
}

func (s *session) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.markDescription(false)
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) addCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.phase.terminal() {
		s.mu.Unlock()
		return nil
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(c)
}

func (s *session) localDescriptionSet() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markDescription(true)
}

// markDescription records one side of the exchange. Once both are set the
// session is negotiating and the handshake timer stops. Called with s.mu
// held.
func (s *session) markDescription(local bool) {
	if local {
		s.localSet = true
	} else {
		s.remoteSet = true
	}
	if s.localSet && s.remoteSet && s.phase == PhaseNew {
		s.phase = PhaseNegotiating
		s.timer.Stop()
	}
}

func (s *session) connected() {
	s.mu.Lock()
	if s.phase.terminal() || s.phase == PhaseConnected {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseConnected
	s.timer.Stop()
	s.mu.Unlock()
	s.o.metrics.Inc(metrics.SessionConnected)
	s.log.Info("session connected")
}

func (s *session) handshakeExpired() {
	s.mu.Lock()
	expired := s.phase == PhaseNew
	s.mu.Unlock()
	if !expired {
		return
	}
	s.o.metrics.Inc(metrics.SessionTimeout)
	s.teardown(PhaseFailed, "handshake timeout")
}

func (s *session) currentPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *session) fail(err error) {
	s.log.Warn("negotiation failed", "err", err)
	s.teardown(PhaseFailed, err.Error())
}

// abort ends s after a negotiation step failed. A session that was already
// replaced fails because its PeerConnection was closed under it; that is
// not reported to the caller.
func (s *session) abort(err error) error {
	if !s.o.current(s) {
		s.log.Debug("superseded session stopped", "err", err)
		s.teardown(PhaseClosed, "superseded")
		return nil
	}
	s.fail(err)
	return err
}

// teardown is the only way a session ends. It runs once: the consumer is
// detached, the outcome is counted, the session leaves the table and the
// PeerConnection is closed.
func (s *session) teardown(final Phase, reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.phase = final
		s.timer.Stop()
		attached := s.attached
		s.attached = nil
		s.pending = nil
		s.outbound = nil
		if attached != nil {
			s.o.consumer.Detach(s.remoteID)
		}
		s.mu.Unlock()

		s.o.metrics.SessionEnded()
		if final == PhaseFailed {
			s.o.metrics.Inc(metrics.SessionFailed)
		} else {
			s.o.metrics.Inc(metrics.SessionClosed)
		}

		s.o.forget(s)
		if err := s.pc.Close(); err != nil {
			s.log.Debug("peer connection close", "err", err)
		}
		s.log.Info("session ended", "phase", final.String(), "reason", reason)
	})
}
