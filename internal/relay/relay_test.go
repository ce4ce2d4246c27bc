package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/directory"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/devicelink/internal/protocol"
)

func TestRelay_EndToEndScenario(t *testing.T) {
	h := newHarness(t, HubOptions{})

	x := h.connect("u1", RoleAgent)
	h.send(x, `{"type":"register-agent","agentId":"a1","machineId":"m1","machineName":"laptop","agentType":"daemon","capabilities":["sync"]}`)
	require.Empty(t, x.drain(t), "registering connection is excluded from the broadcast")

	y := &fakeSocket{userID: "u1"}
	require.NoError(t, h.hub.Accept(context.Background(), y, Identity{UserID: "u1", Username: "alice"}, RoleBrowser))
	greeting := y.drain(t)
	require.Len(t, greeting, 2)
	list := greeting[1].(protocol.AgentsList)
	require.Len(t, list.Agents, 1)
	require.Equal(t, "a1", list.Agents[0].AgentID)
	require.Equal(t, "m1", list.Agents[0].MachineID)
	require.Equal(t, []string{"sync"}, list.Agents[0].Capabilities)

	yID := y.state(t).ID

	h.send(y, `{"type":"webrtc-offer","targetMachineId":"m1","payload":{"type":"offer","sdp":"v=0"},"requestId":"r1"}`)
	require.Empty(t, y.drain(t))
	got := x.drain(t)
	require.Len(t, got, 1)
	offer := got[0].(protocol.WebRTCOffer)
	require.Equal(t, yID, offer.FromMachineID)
	require.Equal(t, "r1", offer.RequestID)
	require.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(offer.Payload))

	h.send(x, `{"type":"webrtc-answer","targetMachineId":"`+yID+`","payload":{"type":"answer","sdp":"v=0"},"requestId":"r1"}`)
	got = y.drain(t)
	require.Len(t, got, 1)
	answer := got[0].(protocol.WebRTCAnswer)
	require.Equal(t, "m1", answer.FromMachineID)
	require.Equal(t, "r1", answer.RequestID)

	h.send(y, `{"type":"webrtc-ice","targetMachineId":"m1","payload":{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host"}}`)
	h.send(x, `{"type":"webrtc-ice","targetMachineId":"`+yID+`","payload":{"candidate":"candidate:2 1 udp 1 10.0.0.2 9 typ host"}}`)
	toX := x.drain(t)
	require.Len(t, toX, 1)
	require.Equal(t, yID, toX[0].(protocol.WebRTCICE).FromMachineID)
	toY := y.drain(t)
	require.Len(t, toY, 1)
	require.Equal(t, "m1", toY[0].(protocol.WebRTCICE).FromMachineID)

	// X dies without unregistering.
	h.hub.Error(context.Background(), "u1", x, errors.New("connection reset"))
	require.Equal(t, CloseInternalError, x.closeCode)

	left := y.drain(t)
	require.Len(t, left, 1)
	require.Equal(t, protocol.AgentLeft{AgentID: "a1"}, left[0])
	require.Empty(t, h.agents("u1"))

	stored, err := h.store.Load(context.Background(), "u1")
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestRelay_ReregistrationPreservesRegisteredAtAndEvictsOldClaim(t *testing.T) {
	h := newHarness(t, HubOptions{})
	browser := h.connect("u1", RoleBrowser)

	old := h.connect("u1", RoleAgent)
	h.send(old, registerJSON("a1", "m1"))
	first := h.agents("u1")
	require.Len(t, first, 1)
	registeredAt := first[0].RegisteredAt
	browser.drain(t)

	// The daemon restarts and registers again before the old socket is gone.
	fresh := h.connect("u1", RoleAgent)
	h.send(fresh, registerJSON("a1", "m1b"))

	second := h.agents("u1")
	require.Len(t, second, 1)
	require.True(t, second[0].RegisteredAt.Equal(registeredAt))
	require.True(t, second[0].LastSeenAt.After(registeredAt))
	require.Equal(t, "m1b", second[0].MachineID)

	oldState := old.state(t)
	require.Empty(t, oldState.AgentID)
	require.Empty(t, oldState.MachineID)
	require.Equal(t, "a1", fresh.state(t).AgentID)

	joined := browser.drain(t)
	require.Len(t, joined, 1)
	require.Equal(t, "a1", joined[0].(protocol.AgentJoined).Agent.AgentID)

	// The stale socket closing must not remove the re-registered agent.
	h.close(old)
	require.Len(t, h.agents("u1"), 1)
	require.Empty(t, browser.drain(t))
	require.Equal(t, uint64(1), h.metrics.Get(metrics.AgentReregistered))
}

func TestRelay_OfferToUnknownMachine(t *testing.T) {
	h := newHarness(t, HubOptions{})
	agent := h.connect("u1", RoleAgent)
	h.send(agent, registerJSON("a1", "m1"))
	browser := h.connect("u1", RoleBrowser)
	saves := h.store.Saves()

	h.send(browser, `{"type":"webrtc-offer","targetMachineId":"m404","payload":{"type":"offer","sdp":"v=0"},"requestId":"req-7"}`)

	requireError(t, browser.drain(t), protocol.CodeTargetNotFound, "req-7")
	require.Empty(t, agent.drain(t))
	require.Equal(t, saves, h.store.Saves())
	require.Len(t, h.agents("u1"), 1)
	require.Equal(t, uint64(1), h.metrics.Get(metrics.TargetNotFound))
}

func TestRelay_CloseAlwaysCleansUp(t *testing.T) {
	h := newHarness(t, HubOptions{})
	browser := h.connect("u1", RoleBrowser)
	agent := h.connect("u1", RoleAgent)

	h.send(agent, registerJSON("a1", "m1"))
	h.send(agent, `{"type":"unregister-agent","agentId":"a1"}`)
	h.send(agent, registerJSON("a2", "m1"))
	h.send(agent, registerJSON("a3", "m1"))
	require.Len(t, h.agents("u1"), 1)

	events := browser.drain(t)
	require.Len(t, events, 5)
	require.Equal(t, []protocol.Message{
		protocol.AgentJoined{Agent: events[0].(protocol.AgentJoined).Agent},
		protocol.AgentLeft{AgentID: "a1"},
		protocol.AgentJoined{Agent: events[2].(protocol.AgentJoined).Agent},
		protocol.AgentLeft{AgentID: "a2"},
		protocol.AgentJoined{Agent: events[4].(protocol.AgentJoined).Agent},
	}, events)

	h.close(agent)
	require.Empty(t, h.agents("u1"))
	require.Equal(t, []protocol.Message{protocol.AgentLeft{AgentID: "a3"}}, browser.drain(t))

	stored, err := h.store.Load(context.Background(), "u1")
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestRelay_AuthorizationErrorsDoNotMutate(t *testing.T) {
	h := newHarness(t, HubOptions{})
	browser := h.connect("u1", RoleBrowser)
	owner := h.connect("u1", RoleAgent)
	other := h.connect("u1", RoleAgent)
	h.send(owner, registerJSON("a1", "m1"))
	browser.drain(t)
	other.drain(t)
	saves := h.store.Saves()

	h.send(browser, registerJSON("a9", "m9"))
	requireError(t, browser.drain(t), protocol.CodeForbidden, "")

	h.send(other, `{"type":"unregister-agent","agentId":"a1"}`)
	requireError(t, other.drain(t), protocol.CodeForbidden, "")

	h.send(other, `{"type":"agent-status","agentId":"a1","status":"busy"}`)
	requireError(t, other.drain(t), protocol.CodeForbidden, "")

	h.send(other, `{"type":"update-capabilities","agentId":"a1","capabilities":["x"]}`)
	requireError(t, other.drain(t), protocol.CodeForbidden, "")

	require.Equal(t, saves, h.store.Saves())
	agents := h.agents("u1")
	require.Len(t, agents, 1)
	require.Equal(t, protocol.StatusOnline, agents[0].Status)
	require.Empty(t, browser.drain(t))
	require.Empty(t, owner.drain(t))
}

func TestRelay_StatusAndCapabilities(t *testing.T) {
	h := newHarness(t, HubOptions{})
	browser := h.connect("u1", RoleBrowser)
	agent := h.connect("u1", RoleAgent)
	h.send(agent, registerJSON("a1", "m1"))
	browser.drain(t)

	h.send(agent, `{"type":"agent-status","agentId":"a1","status":"busy","activeTaskId":"t1"}`)
	h.send(agent, `{"type":"update-capabilities","agentId":"a1","capabilities":["sync","exec"]}`)

	require.Equal(t, []protocol.Message{
		protocol.AgentStatusChanged{AgentID: "a1", Status: "busy", ActiveTaskID: "t1"},
		protocol.AgentCapabilitiesChanged{AgentID: "a1", Capabilities: []string{"sync", "exec"}},
	}, browser.drain(t))
	require.Empty(t, agent.drain(t))

	agents := h.agents("u1")
	require.Equal(t, "busy", agents[0].Status)
	require.Equal(t, "t1", agents[0].ActiveTaskID)
	require.Equal(t, []string{"sync", "exec"}, agents[0].Capabilities)
}

func TestRelay_MalformedMessageKeepsConnection(t *testing.T) {
	h := newHarness(t, HubOptions{})
	agent := h.connect("u1", RoleAgent)

	h.send(agent, `{"type":"register-agent","agentId":"a1"`)
	requireError(t, agent.drain(t), protocol.CodeInvalidMessage, "")

	h.send(agent, `{"type":"webrtc-offer","payload":{},"requestId":"r2"}`)
	requireError(t, agent.drain(t), protocol.CodeInvalidMessage, "r2")

	h.send(agent, `{"type":"agents-list","agents":[]}`)
	requireError(t, agent.drain(t), protocol.CodeInvalidMessage, "")

	require.False(t, agent.closed)
	h.send(agent, registerJSON("a1", "m1"))
	require.Len(t, h.agents("u1"), 1)
	require.Equal(t, uint64(3), h.metrics.Get(metrics.MessageInvalid))
}

func TestRelay_PersistFailureRollsBack(t *testing.T) {
	h := newHarness(t, HubOptions{})
	browser := h.connect("u1", RoleBrowser)
	agent := h.connect("u1", RoleAgent)

	h.store.FailSaves(errors.New("disk full"))
	h.send(agent, registerJSON("a1", "m1"))

	requireError(t, agent.drain(t), protocol.CodePersistFailed, "")
	require.Empty(t, browser.drain(t))
	require.Empty(t, h.agents("u1"))
	require.Empty(t, agent.state(t).AgentID)

	// Registration is idempotent; the retry goes through.
	h.store.FailSaves(nil)
	h.send(agent, registerJSON("a1", "m1"))
	require.Len(t, h.agents("u1"), 1)
	require.Len(t, browser.drain(t), 1)
}

func TestRelay_TaskRouting(t *testing.T) {
	h := newHarness(t, HubOptions{})
	agent := h.connect("u1", RoleAgent)
	h.send(agent, registerJSON("a1", "m1"))
	b1 := h.connect("u1", RoleBrowser)
	b2 := h.connect("u1", RoleBrowser)

	h.send(b1, `{"type":"notify-task","requestId":"r1","machineId":"m1","taskId":"t1"}`)
	got := agent.drain(t)
	require.Len(t, got, 1)
	notify := got[0].(protocol.NotifyTask)
	require.Equal(t, "t1", notify.TaskID)
	require.Equal(t, b1.state(t).ID, notify.FromMachineID)

	h.send(agent, `{"type":"task-ack","requestId":"r1","taskId":"t1","accepted":true}`)
	ack := protocol.TaskAck{RequestID: "r1", TaskID: "t1", Accepted: true}
	require.Equal(t, []protocol.Message{ack}, b1.drain(t))
	require.Equal(t, []protocol.Message{ack}, b2.drain(t))
	require.Empty(t, agent.drain(t))

	h.send(b1, `{"type":"notify-task","requestId":"r2","machineId":"gone","taskId":"t2"}`)
	requireError(t, b1.drain(t), protocol.CodeTargetNotFound, "r2")
}

func TestRelay_NewestConnectionWinsMachineRoute(t *testing.T) {
	h := newHarness(t, HubOptions{})
	first := h.connect("u1", RoleAgent)
	h.send(first, registerJSON("a1", "m1"))
	second := h.connect("u1", RoleAgent)
	h.send(second, registerJSON("a2", "m1"))
	browser := h.connect("u1", RoleBrowser)

	h.send(browser, `{"type":"webrtc-ice","targetMachineId":"m1","payload":{"candidate":"c"}}`)
	toFirst := first.drain(t)
	require.Len(t, toFirst, 1)
	require.IsType(t, protocol.AgentJoined{}, toFirst[0])
	toSecond := second.drain(t)
	require.Len(t, toSecond, 1)
	require.IsType(t, protocol.WebRTCICE{}, toSecond[0])
}

func TestHub_HibernationRebuildsFromAttachmentsAndStore(t *testing.T) {
	h := newHarness(t, HubOptions{})
	agent := h.connect("u1", RoleAgent)
	h.send(agent, registerJSON("a1", "m1"))
	browser := h.connect("u1", RoleBrowser)
	require.Equal(t, uint64(1), h.metrics.Get(metrics.ActorColdStart))

	h.hub.Hibernate("u1")
	require.Equal(t, 0, h.hub.Resident())
	require.Equal(t, uint64(1), h.metrics.Get(metrics.ActorHibernated))

	h.send(browser, `{"type":"webrtc-offer","targetMachineId":"m1","payload":{"type":"offer","sdp":"v=0"},"requestId":"r1"}`)
	got := agent.drain(t)
	require.Len(t, got, 1)
	require.Equal(t, browser.state(t).ID, got[0].(protocol.WebRTCOffer).FromMachineID)
	require.Equal(t, uint64(2), h.metrics.Get(metrics.ActorColdStart))
	require.Equal(t, uint64(0), h.metrics.Get(metrics.OrphanReconciled))

	// Ownership survived eviction too.
	h.hub.Hibernate("u1")
	h.close(agent)
	require.Equal(t, []protocol.Message{protocol.AgentLeft{AgentID: "a1"}}, browser.drain(t))
	require.Empty(t, h.agents("u1"))
}

func TestHub_ColdStartReconcilesOrphans(t *testing.T) {
	store := directory.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "u1", directory.Directory{
		"ghost": {AgentID: "ghost", MachineID: "m-dead", Status: protocol.StatusOnline},
	}))

	// A fresh process: nothing holds "ghost" any more.
	h := newHarnessWithStore(t, store, HubOptions{})
	sock := &fakeSocket{userID: "u1"}
	require.NoError(t, h.hub.Accept(ctx, sock, Identity{UserID: "u1"}, RoleBrowser))
	greeting := sock.drain(t)
	require.Len(t, greeting, 2)
	require.Empty(t, greeting[1].(protocol.AgentsList).Agents)

	stored, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, stored)
	require.Equal(t, uint64(1), h.metrics.Get(metrics.OrphanReconciled))
}

func TestHub_ColdStartKeepsOrphansWhenPersistFails(t *testing.T) {
	store := directory.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "u1", directory.Directory{
		"ghost": {AgentID: "ghost", MachineID: "m-dead", Status: protocol.StatusOnline},
	}))
	store.FailSaves(errors.New("disk full"))

	h := newHarnessWithStore(t, store, HubOptions{})
	sock := &fakeSocket{userID: "u1"}
	require.NoError(t, h.hub.Accept(ctx, sock, Identity{UserID: "u1"}, RoleBrowser))

	// No agent-left goes out for a removal that was not stored.
	greeting := sock.drain(t)
	require.Len(t, greeting, 2)
	agents := greeting[1].(protocol.AgentsList).Agents
	require.Len(t, agents, 1)
	require.Equal(t, "ghost", agents[0].AgentID)
	require.Equal(t, uint64(0), h.metrics.Get(metrics.OrphanReconciled))
	require.Equal(t, uint64(1), h.metrics.Get(metrics.PersistFailed))

	stored, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestHub_ColdStartDropsUnreadableAttachment(t *testing.T) {
	h := newHarness(t, HubOptions{})
	good := h.connect("u1", RoleBrowser)

	bad := &fakeSocket{userID: "u1"}
	require.NoError(t, h.hub.Accept(context.Background(), bad, Identity{UserID: "u1"}, RoleBrowser))
	bad.drain(t)
	bad.SetAttachment([]byte{0xff, 0x00})

	h.hub.Hibernate("u1")
	h.send(good, `{"type":"task-ack","requestId":"r","taskId":"t","accepted":false}`)
	require.True(t, bad.closed)
	require.Equal(t, CloseInternalError, bad.closeCode)
	require.False(t, good.closed)
}

func TestHub_EvictsLeastRecentlyUsedActor(t *testing.T) {
	h := newHarness(t, HubOptions{MaxResidentActors: 1})
	a := h.connect("u1", RoleAgent)
	h.send(a, registerJSON("a1", "m1"))
	b := h.connect("u2", RoleAgent)
	h.send(b, registerJSON("b1", "m2"))

	require.Equal(t, 1, h.hub.Resident())
	require.Equal(t, uint64(1), h.metrics.Get(metrics.ActorHibernated))

	// u1 was evicted; its directory is intact after the rebuild.
	agents := h.agents("u1")
	require.Len(t, agents, 1)
	require.Equal(t, "a1", agents[0].AgentID)
	require.Len(t, h.agents("u2"), 1)
}

func TestHub_LastDisconnectReleasesUser(t *testing.T) {
	h := newHarness(t, HubOptions{})
	a := h.connect("u1", RoleAgent)
	h.close(a)
	require.Equal(t, 0, h.hub.Resident())
	require.Empty(t, h.agents("u1"))
	// Releasing an idle user is not a hibernation.
	require.Equal(t, uint64(0), h.metrics.Get(metrics.ActorHibernated))

	// Receive after release is ignored.
	h.send(a, registerJSON("a1", "m1"))
	require.Empty(t, a.drain(t))
}

func TestHub_UsersAreIsolated(t *testing.T) {
	h := newHarness(t, HubOptions{})
	a := h.connect("u1", RoleAgent)
	h.send(a, registerJSON("a1", "m1"))
	other := h.connect("u2", RoleBrowser)

	h.send(other, `{"type":"webrtc-offer","targetMachineId":"m1","payload":{"type":"offer","sdp":"v=0"},"requestId":"x"}`)
	requireError(t, other.drain(t), protocol.CodeTargetNotFound, "x")
	require.Empty(t, a.drain(t))
}
