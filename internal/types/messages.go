package types

import "time"

// AgentRegister is sent when an agent first connects
type AgentRegister struct {
	Type        string      `json:"type"` // "register"
	AgentID     string      `json:"agentId"`
	Username    string      `json:"username"`
	Departments []string    `json:"departments"`
	Status      AgentStatus `json:"status"`
	MaxChats    int         `json:"maxChats"`
	ActiveChats int         `json:"activeChats"`
	SkipQueue   bool        `json:"skipQueue"`
}

// AgentHeartbeat is sent from agent to backend periodically
type AgentHeartbeat struct {
	Type      string      `json:"type"` // "heartbeat"
	AgentID   string      `json:"agentId"`
	Status    AgentStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// AgentStatusChange is sent from agent to backend on status transitions
type AgentStatusChange struct {
	Type           string      `json:"type"` // "status_change"
	AgentID        string      `json:"agentId"`
	PreviousStatus AgentStatus `json:"previousStatus"`
	NewStatus      AgentStatus `json:"newStatus"`
	Timestamp      time.Time   `json:"timestamp"`
}

// ChatClosed is sent by an agent when it ends a conversation
type ChatClosed struct {
	Type      string    `json:"type"` // "chat_closed"
	AgentID   string    `json:"agentId"`
	RoomID    string    `json:"roomId"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerAck is sent from backend to agent as acknowledgment
type ServerAck struct {
	Type    string `json:"type"` // "ack"
	AgentID string `json:"agentId"`
}

// InquiryAssign tells an agent it now serves a room
type InquiryAssign struct {
	Type         string    `json:"type"` // "inquiry_assign"
	AgentID      string    `json:"agentId"`
	InquiryID    string    `json:"inquiryId"`
	RoomID       string    `json:"roomId"`
	Department   string    `json:"department,omitempty"`
	VisitorToken string    `json:"visitorToken"`
	VisitorName  string    `json:"visitorName,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ForceDisconnect is sent to an agent before the server closes its connection
type ForceDisconnect struct {
	Type    string `json:"type"` // "force_disconnect"
	AgentID string `json:"agentId"`
}
