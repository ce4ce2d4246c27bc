// Package orchestrator keeps one WebRTC session per remote device and hands
// the resulting data channel to a consumer.
//
// Handshake messages travel through the relay (see Signaler). Each remote
// device id maps to at most one session; every way a session ends goes
// through the same teardown, which detaches the data channel from the
// consumer and closes the PeerConnection exactly once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/protocol"
)

const (
	DefaultHandshakeTimeout = 30 * time.Second

	// DataChannelLabel is the label of the channel handed to the consumer.
	DataChannelLabel = "sync"

	sendTimeout = 5 * time.Second
)

// ErrRelayUnavailable is returned by a Signaler that has no live relay
// connection. The orchestrator does not retry; the relay link reconnects on
// its own.
var ErrRelayUnavailable = errors.New("relay unavailable")

// Signaler delivers handshake messages to the relay.
type Signaler interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Consumer receives open data channels keyed by remote device id. Detach
// is called exactly once for every Attach, when the session ends.
//
// Consumer methods are called synchronously and must not call back into the
// Orchestrator.
type Consumer interface {
	Attach(remoteID string, dc *webrtc.DataChannel)
	Detach(remoteID string)
}

type Options struct {
	// LocalID is this device's id; sessions to it are refused.
	LocalID    string
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Signaler   Signaler
	Consumer   Consumer

	HandshakeTimeout time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

type Orchestrator struct {
	localID          string
	api              *webrtc.API
	iceServers       []webrtc.ICEServer
	signaler         Signaler
	consumer         Consumer
	handshakeTimeout time.Duration
	log              *slog.Logger
	metrics          *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Signaler == nil {
		return nil, errors.New("orchestrator: signaler is required")
	}
	if opts.Consumer == nil {
		return nil, errors.New("orchestrator: consumer is required")
	}
	if opts.API == nil {
		opts.API = webrtc.NewAPI()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		localID:          opts.LocalID,
		api:              opts.API,
		iceServers:       opts.ICEServers,
		signaler:         opts.Signaler,
		consumer:         opts.Consumer,
		handshakeTimeout: opts.HandshakeTimeout,
		log:              opts.Logger,
		metrics:          opts.Metrics,
		sessions:         make(map[string]*session),
	}, nil
}

// Initiate opens a session to remoteID and sends it an offer. It does nothing
// when remoteID is this device or a session for it already exists.
func (o *Orchestrator) Initiate(ctx context.Context, remoteID string) error {
	if remoteID == "" || remoteID == o.localID {
		return nil
	}
	o.mu.Lock()
	if _, ok := o.sessions[remoteID]; ok {
		o.mu.Unlock()
		return nil
	}
	s, err := o.newSession(remoteID, true)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.sessions[remoteID] = s
	o.mu.Unlock()

	o.metrics.Inc(metrics.SessionCreated)
	s.log.Debug("initiating session")

	dc, err := s.pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return s.abort(fmt.Errorf("create data channel: %w", err))
	}
	s.watchDataChannel(dc)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return s.abort(fmt.Errorf("create offer: %w", err))
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return s.abort(fmt.Errorf("set local offer: %w", err))
	}
	s.localDescriptionSet()

	msg, err := protocol.NewOffer(remoteID, s.requestID, offer)
	if err != nil {
		return s.abort(err)
	}
	sent, err := s.signal(ctx, msg)
	if err != nil {
		// Without the relay the remote side never sees the offer; drop the
		// session so a later Initiate can start over.
		s.teardown(PhaseFailed, "offer not sent")
		return err
	}
	if !sent {
		// An offer from remoteID replaced this session first.
		return nil
	}
	s.signaledDescription()
	return nil
}

// HandleOffer answers an offer from remoteID. An existing session for
// remoteID is replaced: the most recently received offer wins.
func (o *Orchestrator) HandleOffer(ctx context.Context, remoteID, requestID string, offer webrtc.SessionDescription) error {
	if remoteID == "" || remoteID == o.localID {
		return nil
	}
	old, s, err := o.replace(remoteID)
	if err != nil {
		return err
	}
	if old != nil {
		o.metrics.Inc(metrics.SessionReplaced)
		old.teardown(PhaseClosed, "replaced by newer offer")
	}
	o.metrics.Inc(metrics.SessionCreated)
	s.log.Debug("answering offer", "request_id", requestID)

	if err := s.setRemoteDescription(offer); err != nil {
		return s.abort(fmt.Errorf("set remote offer: %w", err))
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return s.abort(fmt.Errorf("create answer: %w", err))
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return s.abort(fmt.Errorf("set local answer: %w", err))
	}
	s.localDescriptionSet()

	msg, err := protocol.NewAnswer(remoteID, requestID, answer)
	if err != nil {
		return s.abort(err)
	}
	sent, err := s.signal(ctx, msg)
	if err != nil {
		s.teardown(PhaseFailed, "answer not sent")
		return err
	}
	if sent {
		s.signaledDescription()
	}
	return nil
}

// replace installs a fresh answering session for remoteID and returns the
// session it displaced, if any. The displaced session's signaling lock is
// held across the swap, so a send already in flight for it completes first
// and none starts after.
func (o *Orchestrator) replace(remoteID string) (old, s *session, err error) {
	o.mu.Lock()
	old = o.sessions[remoteID]
	o.mu.Unlock()
	for {
		if old != nil {
			old.sigMu.Lock()
		}
		o.mu.Lock()
		cur := o.sessions[remoteID]
		if cur == old {
			break
		}
		o.mu.Unlock()
		if old != nil {
			old.sigMu.Unlock()
		}
		old = cur
	}
	if old != nil {
		defer old.sigMu.Unlock()
	}
	defer o.mu.Unlock()

	s, err = o.newSession(remoteID, false)
	if err != nil {
		return nil, nil, err
	}
	o.sessions[remoteID] = s
	return old, s, nil
}

// HandleAnswer applies an answer to the pending offer for remoteID. Answers
// without a matching pending offer are discarded.
func (o *Orchestrator) HandleAnswer(remoteID string, answer webrtc.SessionDescription) {
	s := o.lookup(remoteID)
	if s == nil || s.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		o.metrics.Inc(metrics.SignalDropped)
		o.log.Debug("answer without pending offer dropped", "remote_id", remoteID)
		return
	}
	if err := s.setRemoteDescription(answer); err != nil {
		s.fail(fmt.Errorf("set remote answer: %w", err))
	}
}

// HandleICE adds a remote candidate to the session for remoteID. Candidates
// for unknown sessions are discarded; a session is never created from one.
func (o *Orchestrator) HandleICE(remoteID string, candidate webrtc.ICECandidateInit) {
	s := o.lookup(remoteID)
	if s == nil {
		o.metrics.Inc(metrics.SignalDropped)
		o.log.Debug("candidate without session dropped", "remote_id", remoteID)
		return
	}
	if err := s.addCandidate(candidate); err != nil {
		s.fail(fmt.Errorf("add candidate: %w", err))
	}
}

// HandleRelayError ends the pending session whose offer the relay could not
// deliver. Other errors are only logged.
func (o *Orchestrator) HandleRelayError(e protocol.Error) {
	if e.Code != protocol.CodeTargetNotFound || e.RequestID == "" {
		o.log.Debug("relay error", "code", e.Code, "message", e.Message, "request_id", e.RequestID)
		return
	}
	o.mu.Lock()
	var target *session
	for _, s := range o.sessions {
		if s.initiator && s.requestID == e.RequestID {
			target = s
			break
		}
	}
	o.mu.Unlock()
	if target == nil {
		return
	}
	target.teardown(PhaseFailed, "target not found")
}

// Close ends the session for remoteID, if any.
func (o *Orchestrator) Close(remoteID string) {
	if s := o.lookup(remoteID); s != nil {
		s.teardown(PhaseClosed, "closed")
	}
}

// CloseAll ends every session.
func (o *Orchestrator) CloseAll() {
	o.mu.Lock()
	all := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		all = append(all, s)
	}
	o.mu.Unlock()
	for _, s := range all {
		s.teardown(PhaseClosed, "closed")
	}
}

// Phase reports the phase of the live session for remoteID.
func (o *Orchestrator) Phase(remoteID string) (Phase, bool) {
	s := o.lookup(remoteID)
	if s == nil {
		return 0, false
	}
	return s.currentPhase(), true
}

// Sessions returns the phase of every live session.
func (o *Orchestrator) Sessions() map[string]Phase {
	o.mu.Lock()
	all := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		all = append(all, s)
	}
	o.mu.Unlock()

	out := make(map[string]Phase, len(all))
	for _, s := range all {
		out[s.remoteID] = s.currentPhase()
	}
	return out
}

func (o *Orchestrator) lookup(remoteID string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[remoteID]
}

// forget removes s from the session table if it is still the current
// session for its remote id.
func (o *Orchestrator) forget(s *session) {
	o.mu.Lock()
	if o.sessions[s.remoteID] == s {
		delete(o.sessions, s.remoteID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) current(s *session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[s.remoteID] == s
}

func (o *Orchestrator) send(ctx context.Context, msg protocol.Message) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	err := o.signaler.Send(ctx, msg)
	if errors.Is(err, ErrRelayUnavailable) {
		o.metrics.Inc(metrics.RelayUnavailable)
		o.log.Warn("relay unavailable", "type", msg.MessageType())
	} else if err != nil {
		o.log.Warn("signal send failed", "type", msg.MessageType(), "err", err)
	}
	return err
}

// newSession creates the PeerConnection for remoteID. Called with o.mu held.
func (o *Orchestrator) newSession(remoteID string, initiator bool) (*session, error) {
	pc, err := o.api.NewPeerConnection(webrtc.Configuration{ICEServers: o.iceServers})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: new peer connection: %w", err)
	}
	s := &session{
		o:         o,
		remoteID:  remoteID,
		initiator: initiator,
		requestID: uuid.NewString(),
		pc:        pc,
		phase:     PhaseNew,
		log:       o.log.With("remote_id", remoteID),
	}
	s.mu.Lock()
	s.timer = time.AfterFunc(o.handshakeTimeout, s.handshakeExpired)
	s.mu.Unlock()
	s.bind()
	o.metrics.SessionOpened()
	return s, nil
}
