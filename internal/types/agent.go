package types

import "time"

// AgentStatus represents the availability an agent advertises
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentAway    AgentStatus = "away"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// AgentConnectionStatus represents the connection status of an agent
type AgentConnectionStatus string

const (
	StatusConnected    AgentConnectionStatus = "connected"
	StatusDisconnected AgentConnectionStatus = "disconnected"
	StatusStale        AgentConnectionStatus = "stale" // no heartbeat > StaleThreshold
)

// AgentInfo represents the live state of an agent
type AgentInfo struct {
	AgentID          string                `json:"agentId"`
	Username         string                `json:"username"`
	Status           AgentStatus           `json:"status"`
	Departments      []string              `json:"departments"`
	ActiveChats      int                   `json:"activeChats"`
	MaxChats         int                   `json:"maxChats"` // 0 = unlimited
	SkipQueue        bool                  `json:"skipQueue"`
	StatusStart      time.Time             `json:"statusStart"`   // when current status started
	LastUpdate       time.Time             `json:"lastUpdate"`    // last event received
	LastHeartbeat    time.Time             `json:"lastHeartbeat"` // last heartbeat received
	ConnectionStatus AgentConnectionStatus `json:"connectionStatus"`
}

// InDepartment reports whether the agent serves the given department
func (a AgentInfo) InDepartment(department string) bool {
	for _, d := range a.Departments {
		if d == department {
			return true
		}
	}
	return false
}

// HasCapacity reports whether the agent can take another chat
func (a AgentInfo) HasCapacity() bool {
	return a.MaxChats <= 0 || a.ActiveChats < a.MaxChats
}

// IsOnline reports whether the agent is online and connected
func (a AgentInfo) IsOnline() bool {
	return a.Status == AgentOnline && a.ConnectionStatus == StatusConnected
}

// Selected returns the agent reference handed out by routing
func (a AgentInfo) Selected() *SelectedAgent {
	return &SelectedAgent{AgentID: a.AgentID, Username: a.Username}
}

// SelectedAgent identifies the agent chosen to serve a room
type SelectedAgent struct {
	AgentID  string `json:"agentId" dynamodbav:"AgentID"`
	Username string `json:"username" dynamodbav:"Username"`
}
