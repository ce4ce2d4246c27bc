package protocol

import (
	"encoding/json"
	"time"
)

type Type string

// Client -> relay. webrtc-*, notify-task and task-ack are also delivered
// relay -> client once forwarded.
const (
	TypeRegisterAgent      Type = "register-agent"
	TypeUnregisterAgent    Type = "unregister-agent"
	TypeAgentStatus        Type = "agent-status"
	TypeUpdateCapabilities Type = "update-capabilities"
	TypeWebRTCOffer        Type = "webrtc-offer"
	TypeWebRTCAnswer       Type = "webrtc-answer"
	TypeWebRTCICE          Type = "webrtc-ice"
	TypeNotifyTask         Type = "notify-task"
	TypeTaskAck            Type = "task-ack"
)

// Relay -> client.
const (
	TypeAuthenticated            Type = "authenticated"
	TypeAgentsList               Type = "agents-list"
	TypeAgentJoined              Type = "agent-joined"
	TypeAgentLeft                Type = "agent-left"
	TypeAgentStatusChanged       Type = "agent-status-changed"
	TypeAgentCapabilitiesChanged Type = "agent-capabilities-changed"
	TypeError                    Type = "error"
)

// Error codes carried by Error messages.
const (
	CodeInvalidMessage = "invalid_message"
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeTargetNotFound = "target_not_found"
	CodePersistFailed  = "persist_failed"
	CodeRateLimited    = "rate_limited"
	CodeInternalError  = "internal_error"
)

// Message is implemented by every member of the signaling message set.
type Message interface {
	MessageType() Type
}

// AgentInfo is one entry of a user's agent directory.
type AgentInfo struct {
	AgentID      string    `json:"agentId"`
	MachineID    string    `json:"machineId"`
	MachineName  string    `json:"machineName"`
	AgentType    string    `json:"agentType"`
	Status       string    `json:"status"`
	ActiveTaskID string    `json:"activeTaskId,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

const StatusOnline = "online"

type RegisterAgent struct {
	AgentID      string   `json:"agentId"`
	MachineID    string   `json:"machineId"`
	MachineName  string   `json:"machineName"`
	AgentType    string   `json:"agentType"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type UnregisterAgent struct {
	AgentID string `json:"agentId"`
}

type AgentStatus struct {
	AgentID      string `json:"agentId"`
	Status       string `json:"status"`
	ActiveTaskID string `json:"activeTaskId,omitempty"`
}

type UpdateCapabilities struct {
	AgentID      string   `json:"agentId"`
	Capabilities []string `json:"capabilities"`
}

// Signal is the common shape of the webrtc-* messages. TargetMachineID is
// set by the sender; FromMachineID is injected by the relay on delivery.
type Signal struct {
	TargetMachineID string          `json:"targetMachineId,omitempty"`
	FromMachineID   string          `json:"fromMachineId,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	RequestID       string          `json:"requestId,omitempty"`
}

type WebRTCOffer struct{ Signal }

type WebRTCAnswer struct{ Signal }

type WebRTCICE struct{ Signal }

type NotifyTask struct {
	RequestID     string `json:"requestId"`
	MachineID     string `json:"machineId"`
	TaskID        string `json:"taskId"`
	FromMachineID string `json:"fromMachineId,omitempty"`
}

type TaskAck struct {
	RequestID string `json:"requestId"`
	TaskID    string `json:"taskId"`
	Accepted  bool   `json:"accepted"`
	Error     string `json:"error,omitempty"`
}

type Authenticated struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type AgentsList struct {
	Agents []AgentInfo `json:"agents"`
}

type AgentJoined struct {
	Agent AgentInfo `json:"agent"`
}

type AgentLeft struct {
	AgentID string `json:"agentId"`
}

type AgentStatusChanged struct {
	AgentID      string `json:"agentId"`
	Status       string `json:"status"`
	ActiveTaskID string `json:"activeTaskId,omitempty"`
}

type AgentCapabilitiesChanged struct {
	AgentID      string   `json:"agentId"`
	Capabilities []string `json:"capabilities"`
}

// Error is the relay's reply to a message it could not act on. RequestID
// echoes the offending message's requestId, when it had one.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func (e Error) Error() string { return e.Code + ": " + e.Message }

func (RegisterAgent) MessageType() Type            { return TypeRegisterAgent }
func (UnregisterAgent) MessageType() Type          { return TypeUnregisterAgent }
func (AgentStatus) MessageType() Type              { return TypeAgentStatus }
func (UpdateCapabilities) MessageType() Type       { return TypeUpdateCapabilities }
func (WebRTCOffer) MessageType() Type              { return TypeWebRTCOffer }
func (WebRTCAnswer) MessageType() Type             { return TypeWebRTCAnswer }
func (WebRTCICE) MessageType() Type                { return TypeWebRTCICE }
func (NotifyTask) MessageType() Type               { return TypeNotifyTask }
func (TaskAck) MessageType() Type                  { return TypeTaskAck }
func (Authenticated) MessageType() Type            { return TypeAuthenticated }
func (AgentsList) MessageType() Type               { return TypeAgentsList }
func (AgentJoined) MessageType() Type              { return TypeAgentJoined }
func (AgentLeft) MessageType() Type                { return TypeAgentLeft }
func (AgentStatusChanged) MessageType() Type       { return TypeAgentStatusChanged }
func (AgentCapabilitiesChanged) MessageType() Type { return TypeAgentCapabilitiesChanged }
func (Error) MessageType() Type                    { return TypeError }
