package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/directory"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/protocol"
)

type actorDeps struct {
	store   directory.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// actor is the in-memory half of one user's relay. Every method runs with
// the user's slot lock held, so handlers for one user never overlap.
type actor struct {
	*actorDeps
	userID string
	log    *slog.Logger

	conns map[Socket]*ConnectionState
	dir   directory.Directory
	seq   uint64
}

// coldStart rebuilds an actor from the sockets that are still open and the
// durable directory, then drops directory entries no live connection holds.
func coldStart(ctx context.Context, userID string, sockets map[Socket]struct{}, deps *actorDeps) (*actor, error) {
	dir, err := deps.store.Load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load directory: %w", err)
	}
	a := &actor{
		actorDeps: deps,
		userID:    userID,
		log:       deps.logger.With("user_id", userID),
		conns:     make(map[Socket]*ConnectionState, len(sockets)),
		dir:       dir,
	}
	for sock := range sockets {
		st, err := decodeState(sock.Attachment())
		if errors.Is(err, errNoAttachment) {
			// Accept has not finished for this socket yet.
			continue
		}
		if err == nil && st.UserID != userID {
			err = fmt.Errorf("attachment belongs to user %q", st.UserID)
		}
		if err != nil {
			a.log.Warn("dropping socket with unusable state", "err", err)
			sock.Close(CloseInternalError, "connection state lost")
			continue
		}
		a.conns[sock] = st
		a.seq = max(a.seq, st.Seq)
	}
	a.metrics.Inc(metrics.ActorColdStart)
	a.reconcile(ctx)
	a.log.Debug("relay actor started", "connections", len(a.conns), "agents", len(a.dir))
	return a, nil
}

func (a *actor) reconcile(ctx context.Context) {
	held := make(map[string]bool, len(a.conns))
	for _, st := range a.conns {
		if st.AgentID != "" {
			held[st.AgentID] = true
		}
	}
	var orphans []string
	for id := range a.dir {
		if !held[id] {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) == 0 {
		return
	}
	slices.Sort(orphans)
	removed := make(map[string]protocol.AgentInfo, len(orphans))
	for _, id := range orphans {
		removed[id] = a.dir[id]
		delete(a.dir, id)
	}
	if err := a.store.Save(ctx, a.userID, a.dir); err != nil {
		// Keep the stored view; the next cold start tries again.
		maps.Copy(a.dir, removed)
		a.metrics.Inc(metrics.PersistFailed)
		a.log.Warn("failed to persist reconciled directory", "orphans", orphans, "err", err)
		return
	}
	for range orphans {
		a.metrics.Inc(metrics.OrphanReconciled)
	}
	a.log.Info("removed orphaned agents", "orphans", orphans)
	for _, id := range orphans {
		a.broadcast(nil, protocol.AgentLeft{AgentID: id})
	}
}

func (a *actor) accept(sock Socket, id Identity, role Role) error {
	a.seq++
	st := &ConnectionState{
		ID:        uuid.NewString(),
		Role:      role,
		UserID:    id.UserID,
		Username:  id.Username,
		SessionID: id.SessionID,
		Seq:       a.seq,
	}
	if err := a.attach(sock, st); err != nil {
		return err
	}
	a.conns[sock] = st
	a.metrics.Inc(metrics.ConnAccepted)
	a.log.Debug("connection accepted", "conn_id", st.ID, "role", role)

	a.send(sock, protocol.Authenticated{UserID: id.UserID, Username: id.Username})
	a.send(sock, protocol.AgentsList{Agents: a.dir.Snapshot()})
	return nil
}

func (a *actor) receive(ctx context.Context, sock Socket, data []byte) {
	st, ok := a.conns[sock]
	if !ok {
		a.log.Debug("message from unknown socket dropped")
		return
	}
	msg, err := protocol.Parse(data)
	if err != nil {
		a.metrics.Inc(metrics.MessageInvalid)
		a.sendError(sock, protocol.CodeInvalidMessage, err.Error(), protocol.RequestID(data))
		return
	}

	switch m := msg.(type) {
	case protocol.RegisterAgent:
		a.registerAgent(ctx, sock, st, m)
	case protocol.UnregisterAgent:
		a.unregisterAgent(ctx, sock, st, m)
	case protocol.AgentStatus:
		a.agentStatus(ctx, sock, st, m)
	case protocol.UpdateCapabilities:
		a.updateCapabilities(ctx, sock, st, m)
	case protocol.WebRTCOffer:
		a.forwardSignal(sock, st, m.Signal, func(s protocol.Signal) protocol.Message { return protocol.WebRTCOffer{Signal: s} })
	case protocol.WebRTCAnswer:
		a.forwardSignal(sock, st, m.Signal, func(s protocol.Signal) protocol.Message { return protocol.WebRTCAnswer{Signal: s} })
	case protocol.WebRTCICE:
		a.forwardSignal(sock, st, m.Signal, func(s protocol.Signal) protocol.Message { return protocol.WebRTCICE{Signal: s} })
	case protocol.NotifyTask:
		a.notifyTask(sock, st, m)
	case protocol.TaskAck:
		a.taskAck(sock, m)
	default:
		a.metrics.Inc(metrics.MessageInvalid)
		a.sendError(sock, protocol.CodeInvalidMessage, fmt.Sprintf("unsupported message type %q", msg.MessageType()), protocol.RequestID(data))
	}
}

// disconnect forgets sock. An agent it still held leaves the directory.
func (a *actor) disconnect(ctx context.Context, sock Socket, reason string) {
	st, ok := a.conns[sock]
	if !ok {
		return
	}
	delete(a.conns, sock)
	a.metrics.Inc(metrics.ConnClosed)
	a.log.Debug("connection closed", "conn_id", st.ID, "reason", reason)

	if st.AgentID == "" {
		return
	}
	if _, ok := a.dir[st.AgentID]; !ok {
		return
	}
	delete(a.dir, st.AgentID)
	if err := a.store.Save(ctx, a.userID, a.dir); err != nil {
		// The connection is gone either way; the next cold start drops the
		// durable entry.
		a.metrics.Inc(metrics.PersistFailed)
		a.log.Warn("failed to persist agent removal", "agent_id", st.AgentID, "err", err)
	}
	a.metrics.Inc(metrics.AgentRemoved)
	a.broadcast(nil, protocol.AgentLeft{AgentID: st.AgentID})
}

func (a *actor) attach(sock Socket, st *ConnectionState) error {
	b, err := encodeState(st)
	if err != nil {
		return err
	}
	sock.SetAttachment(b)
	return nil
}

func (a *actor) send(sock Socket, msg protocol.Message) {
	b, err := protocol.Encode(msg)
	if err != nil {
		a.log.Error("encode message", "type", msg.MessageType(), "err", err)
		return
	}
	if err := sock.Send(b); err != nil {
		a.log.Debug("send failed", "type", msg.MessageType(), "err", err)
	}
}

// broadcast sends msg to every connection of the user except except.
func (a *actor) broadcast(except Socket, msg protocol.Message) {
	b, err := protocol.Encode(msg)
	if err != nil {
		a.log.Error("encode message", "type", msg.MessageType(), "err", err)
		return
	}
	for sock := range a.conns {
		if sock == except {
			continue
		}
		if err := sock.Send(b); err != nil {
			a.log.Debug("broadcast send failed", "type", msg.MessageType(), "err", err)
		}
	}
}

func (a *actor) sendError(sock Socket, code, message, requestID string) {
	a.send(sock, protocol.Error{Code: code, Message: message, RequestID: requestID})
}

// route finds the connection a device id addresses: the newest connection
// registered under that machineId, else the connection with that id.
func (a *actor) route(from Socket, target string) Socket {
	var best Socket
	var bestSeq uint64
	for sock, st := range a.conns {
		if sock == from || st.MachineID != target {
			continue
		}
		if best == nil || st.Seq > bestSeq {
			best, bestSeq = sock, st.Seq
		}
	}
	if best != nil {
		return best
	}
	for sock, st := range a.conns {
		if sock != from && st.ID == target {
			return sock
		}
	}
	return nil
}
