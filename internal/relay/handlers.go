package relay

import (
	"context"
	"fmt"
	"slices"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/directory"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/protocol"
)

// txn records what a directory mutation touched so it can be undone when the
// write-through fails.
type txn struct {
	a     *actor
	dir   directory.Directory
	saved map[Socket]ConnectionState
}

func (a *actor) begin() *txn {
	return &txn{a: a, dir: a.dir.Clone(), saved: make(map[Socket]ConnectionState)}
}

func (t *txn) update(sock Socket, fn func(*ConnectionState)) {
	st := t.a.conns[sock]
	if _, ok := t.saved[sock]; !ok {
		t.saved[sock] = *st
	}
	fn(st)
	if err := t.a.attach(sock, st); err != nil {
		t.a.log.Error("re-attach connection state", "conn_id", st.ID, "err", err)
	}
}

func (t *txn) commit(ctx context.Context) error {
	err := t.a.store.Save(ctx, t.a.userID, t.a.dir)
	if err == nil {
		return nil
	}
	t.a.dir = t.dir
	for sock, prev := range t.saved {
		st := t.a.conns[sock]
		*st = prev
		_ = t.a.attach(sock, st)
	}
	return err
}

func (a *actor) persistFailed(sock Socket, op string, err error) {
	a.metrics.Inc(metrics.PersistFailed)
	a.log.Warn("directory write failed; change rolled back", "op", op, "err", err)
	a.sendError(sock, protocol.CodePersistFailed, op+" was not saved; retry", "")
}

func (a *actor) forbidden(sock Socket, format string, args ...any) {
	a.metrics.Inc(metrics.MessageUnauthorized)
	a.sendError(sock, protocol.CodeForbidden, fmt.Sprintf(format, args...), "")
}

func (a *actor) registerAgent(ctx context.Context, sock Socket, st *ConnectionState, m protocol.RegisterAgent) {
	if st.Role != RoleAgent {
		a.forbidden(sock, "register-agent requires role=agent")
		return
	}
	now := a.now()
	t := a.begin()

	var replaced string
	if st.AgentID != "" && st.AgentID != m.AgentID {
		replaced = st.AgentID
		delete(a.dir, replaced)
	}
	// Another connection still claiming this agentId is a previous run of
	// the same daemon; take the claim away from it.
	for other, ost := range a.conns {
		if other != sock && ost.AgentID == m.AgentID {
			t.update(other, func(s *ConnectionState) {
				s.AgentID = ""
				s.MachineID = ""
			})
		}
	}

	info := protocol.AgentInfo{
		AgentID:      m.AgentID,
		MachineID:    m.MachineID,
		MachineName:  m.MachineName,
		AgentType:    m.AgentType,
		Status:       protocol.StatusOnline,
		Capabilities: slices.Clone(m.Capabilities),
		RegisteredAt: now,
		LastSeenAt:   now,
	}
	prev, reregistered := a.dir[m.AgentID]
	if reregistered {
		info.RegisteredAt = prev.RegisteredAt
	}
	a.dir[m.AgentID] = info
	t.update(sock, func(s *ConnectionState) {
		s.AgentID = m.AgentID
		s.MachineID = m.MachineID
	})

	if err := t.commit(ctx); err != nil {
		a.persistFailed(sock, "register-agent", err)
		return
	}
	if reregistered {
		a.metrics.Inc(metrics.AgentReregistered)
	} else {
		a.metrics.Inc(metrics.AgentRegistered)
	}
	a.log.Info("agent registered", "conn_id", st.ID, "agent_id", m.AgentID, "machine_id", m.MachineID, "reregistered", reregistered)

	if replaced != "" {
		a.broadcast(sock, protocol.AgentLeft{AgentID: replaced})
	}
	a.broadcast(sock, protocol.AgentJoined{Agent: info})
}

func (a *actor) unregisterAgent(ctx context.Context, sock Socket, st *ConnectionState, m protocol.UnregisterAgent) {
	if st.AgentID != m.AgentID {
		a.forbidden(sock, "agent %q is not registered by this connection", m.AgentID)
		return
	}
	t := a.begin()
	delete(a.dir, m.AgentID)
	t.update(sock, func(s *ConnectionState) { s.AgentID = "" })
	if err := t.commit(ctx); err != nil {
		a.persistFailed(sock, "unregister-agent", err)
		return
	}
	a.metrics.Inc(metrics.AgentRemoved)
	a.log.Info("agent unregistered", "conn_id", st.ID, "agent_id", m.AgentID)
	a.broadcast(sock, protocol.AgentLeft{AgentID: m.AgentID})
}

// owned returns the directory entry for agentID if sock holds it.
func (a *actor) owned(sock Socket, st *ConnectionState, agentID string) (protocol.AgentInfo, bool) {
	info, ok := a.dir[agentID]
	if st.AgentID != agentID || !ok {
		a.forbidden(sock, "agent %q is not registered by this connection", agentID)
		return protocol.AgentInfo{}, false
	}
	return info, true
}

func (a *actor) agentStatus(ctx context.Context, sock Socket, st *ConnectionState, m protocol.AgentStatus) {
	info, ok := a.owned(sock, st, m.AgentID)
	if !ok {
		return
	}
	t := a.begin()
	info.Status = m.Status
	info.ActiveTaskID = m.ActiveTaskID
	info.LastSeenAt = a.now()
	a.dir[m.AgentID] = info
	if err := t.commit(ctx); err != nil {
		a.persistFailed(sock, "agent-status", err)
		return
	}
	a.broadcast(sock, protocol.AgentStatusChanged{
		AgentID:      m.AgentID,
		Status:       m.Status,
		ActiveTaskID: m.ActiveTaskID,
	})
}

func (a *actor) updateCapabilities(ctx context.Context, sock Socket, st *ConnectionState, m protocol.UpdateCapabilities) {
	info, ok := a.owned(sock, st, m.AgentID)
	if !ok {
		return
	}
	t := a.begin()
	info.Capabilities = slices.Clone(m.Capabilities)
	info.LastSeenAt = a.now()
	a.dir[m.AgentID] = info
	if err := t.commit(ctx); err != nil {
		a.persistFailed(sock, "update-capabilities", err)
		return
	}
	a.broadcast(sock, protocol.AgentCapabilitiesChanged{
		AgentID:      m.AgentID,
		Capabilities: slices.Clone(m.Capabilities),
	})
}

func (a *actor) forwardSignal(sock Socket, st *ConnectionState, sig protocol.Signal, build func(protocol.Signal) protocol.Message) {
	target := a.route(sock, sig.TargetMachineID)
	if target == nil {
		a.metrics.Inc(metrics.TargetNotFound)
		a.sendError(sock, protocol.CodeTargetNotFound, fmt.Sprintf("machine %q is not connected", sig.TargetMachineID), sig.RequestID)
		return
	}
	sig.FromMachineID = st.RemoteID()
	a.metrics.Inc(metrics.SignalForwarded)
	a.send(target, build(sig))
}

func (a *actor) notifyTask(sock Socket, st *ConnectionState, m protocol.NotifyTask) {
	target := a.route(sock, m.MachineID)
	if target == nil {
		a.metrics.Inc(metrics.TargetNotFound)
		a.sendError(sock, protocol.CodeTargetNotFound, fmt.Sprintf("machine %q is not connected", m.MachineID), m.RequestID)
		return
	}
	m.FromMachineID = st.RemoteID()
	a.metrics.Inc(metrics.TaskForwarded)
	a.send(target, m)
}

// taskAck goes to every browser of the user; the relay keeps no record of
// which browser sent the notify-task.
func (a *actor) taskAck(sock Socket, m protocol.TaskAck) {
	b, err := protocol.Encode(m)
	if err != nil {
		a.log.Error("encode message", "type", m.MessageType(), "err", err)
		return
	}
	for other, st := range a.conns {
		if other == sock || st.Role != RoleBrowser {
			continue
		}
		if err := other.Send(b); err != nil {
			a.log.Debug("send failed", "type", m.MessageType(), "err", err)
		}
	}
	a.metrics.Inc(metrics.TaskForwarded)
}
