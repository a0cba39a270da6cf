package cache

import (
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
)

const (
	// StaleThreshold is the duration after which an agent is considered stale (3 missed heartbeats)
	StaleThreshold = 6 * time.Second
)

// AgentStateTracker maintains the live state of all agents. It is the agent
// directory routing decisions read from.
type AgentStateTracker struct {
	agents map[string]*types.AgentInfo // agentID -> current state
	mu     sync.RWMutex
	now    func() time.Time
}

// NewAgentStateTracker creates a new agent state tracker
func NewAgentStateTracker() *AgentStateTracker {
	return &AgentStateTracker{
		agents: make(map[string]*types.AgentInfo),
		now:    time.Now,
	}
}

// RegisterAgent registers a new agent connection
func (t *AgentStateTracker) RegisterAgent(reg *types.AgentRegister) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	status := reg.Status
	if status == "" {
		status = types.AgentOnline
	}

	activeChats := reg.ActiveChats
	if existing, ok := t.agents[reg.AgentID]; ok && existing.ActiveChats > activeChats {
		// chats delegated while the agent was reconnecting
		activeChats = existing.ActiveChats
	}

	t.agents[reg.AgentID] = &types.AgentInfo{
		AgentID:          reg.AgentID,
		Username:         reg.Username,
		Status:           status,
		Departments:      append([]string(nil), reg.Departments...),
		ActiveChats:      activeChats,
		MaxChats:         reg.MaxChats,
		SkipQueue:        reg.SkipQueue,
		StatusStart:      now,
		LastUpdate:       now,
		LastHeartbeat:    now,
		ConnectionStatus: types.StatusConnected,
	}
}

// RegisterOfflineAgent adds a roster entry for an agent that has not connected yet
func (t *AgentStateTracker) RegisterOfflineAgent(agentID, username string, departments []string, maxChats int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.agents[agentID]; exists {
		return
	}

	now := t.now()
	t.agents[agentID] = &types.AgentInfo{
		AgentID:          agentID,
		Username:         username,
		Status:           types.AgentOffline,
		Departments:      append([]string(nil), departments...),
		MaxChats:         maxChats,
		StatusStart:      now,
		LastUpdate:       now,
		LastHeartbeat:    now,
		ConnectionStatus: types.StatusDisconnected,
	}
}

// UpdateFromHeartbeat updates an agent's state from a WebSocket heartbeat
func (t *AgentStateTracker) UpdateFromHeartbeat(hb *types.AgentHeartbeat) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, exists := t.agents[hb.AgentID]
	if !exists {
		// Agent not registered yet, ignore heartbeat
		return
	}

	now := t.now()
	if hb.Status != "" && existing.Status != hb.Status {
		existing.Status = hb.Status
		existing.StatusStart = now
	}
	existing.LastHeartbeat = now
	existing.LastUpdate = now
	existing.ConnectionStatus = types.StatusConnected
}

// UpdateFromStatusChange updates an agent's status from a WebSocket status change message
func (t *AgentStateTracker) UpdateFromStatusChange(sc *types.AgentStatusChange) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, exists := t.agents[sc.AgentID]
	if !exists {
		return
	}

	now := t.now()
	existing.Status = sc.NewStatus
	existing.StatusStart = now
	existing.LastHeartbeat = now
	existing.LastUpdate = now
	existing.ConnectionStatus = types.StatusConnected
}

// SetConnected updates the connection status of an agent
func (t *AgentStateTracker) SetConnected(agentID string, connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if agent, exists := t.agents[agentID]; exists {
		if connected {
			agent.ConnectionStatus = types.StatusConnected
		} else {
			agent.ConnectionStatus = types.StatusDisconnected
		}
		agent.LastHeartbeat = t.now() // Track when disconnection happened for cleanup
	}
}

// SetStatus forces an agent's status, e.g. on logout
func (t *AgentStateTracker) SetStatus(agentID string, status types.AgentStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	agent, exists := t.agents[agentID]
	if !exists {
		return false
	}
	if agent.Status != status {
		agent.Status = status
		agent.StatusStart = t.now()
	}
	agent.LastUpdate = t.now()
	return true
}

// CheckStaleAgents marks agents as stale if no heartbeat received within threshold
func (t *AgentStateTracker) CheckStaleAgents() {
	t.mu.Lock()
	defer t.mu.Unlock()

	threshold := t.now().Add(-StaleThreshold)
	for _, agent := range t.agents {
		if agent.ConnectionStatus == types.StatusConnected &&
			agent.LastHeartbeat.Before(threshold) {
			agent.ConnectionStatus = types.StatusStale
		}
	}
}

// RemoveDisconnected removes agents that have been disconnected for longer than maxAge
func (t *AgentStateTracker) RemoveDisconnected(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	threshold := t.now().Add(-maxAge)
	removed := 0
	for id, agent := range t.agents {
		if agent.ConnectionStatus == types.StatusDisconnected &&
			agent.Status != types.AgentOffline &&
			agent.LastHeartbeat.Before(threshold) {
			delete(t.agents, id)
			removed++
		}
	}
	return removed
}

// Clear drops every tracked agent and returns how many were removed
func (t *AgentStateTracker) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.agents)
	t.agents = make(map[string]*types.AgentInfo)
	return n
}

// GetAgent returns a copy of the agent's state
func (t *AgentStateTracker) GetAgent(agentID string) (types.AgentInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	agent, ok := t.agents[agentID]
	if !ok {
		return types.AgentInfo{}, false
	}
	return copyAgent(agent), true
}

// GetOnlineAgent returns the agent only if it is online and connected
func (t *AgentStateTracker) GetOnlineAgent(agentID string) (types.AgentInfo, bool) {
	agent, ok := t.GetAgent(agentID)
	if !ok || !agent.IsOnline() {
		return types.AgentInfo{}, false
	}
	return agent, true
}

// IsAvailable reports whether the agent can receive a new chat for the
// department. An empty department, or ignoreMembership, skips the membership check.
func (t *AgentStateTracker) IsAvailable(agentID, department string, ignoreMembership bool) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	agent, ok := t.agents[agentID]
	if !ok {
		return false
	}
	return available(agent, department, ignoreMembership)
}

// GetAll returns all agents' current states
func (t *AgentStateTracker) GetAll() []types.AgentInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make([]types.AgentInfo, 0, len(t.agents))
	for _, state := range t.agents {
		states = append(states, copyAgent(state))
	}
	return states
}

// GetConnectedAgents returns only agents that are currently connected
func (t *AgentStateTracker) GetConnectedAgents() []types.AgentInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make([]types.AgentInfo, 0, len(t.agents))
	for _, state := range t.agents {
		if state.ConnectionStatus == types.StatusConnected {
			states = append(states, copyAgent(state))
		}
	}
	return states
}

// GetAvailableByDepartment returns agents that are online, connected and
// under capacity. An empty department means the global pool.
func (t *AgentStateTracker) GetAvailableByDepartment(department string) []types.AgentInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make([]types.AgentInfo, 0)
	for _, state := range t.agents {
		if available(state, department, false) {
			states = append(states, copyAgent(state))
		}
	}
	return states
}

// CountOnline returns the number of online agents in a department (all when empty)
func (t *AgentStateTracker) CountOnline(department string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, state := range t.agents {
		if state.IsOnline() && (department == "" || state.InDepartment(department)) {
			n++
		}
	}
	return n
}

// AllowSkipQueue reports whether the agent may take inquiries without queueing
func (t *AgentStateTracker) AllowSkipQueue(agentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	agent, ok := t.agents[agentID]
	return ok && agent.SkipQueue
}

// TryReserveChat claims a chat slot if the agent is still available for the
// department. The check and the increment happen under one lock, so
// concurrent callers can never push an agent past MaxChats.
func (t *AgentStateTracker) TryReserveChat(agentID, department string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	agent, ok := t.agents[agentID]
	if !ok || !available(agent, department, false) {
		return false
	}
	agent.ActiveChats++
	agent.LastUpdate = t.now()
	return true
}

// DecrementChats records a closed or transferred chat, or returns a reserved
// slot that was not used
func (t *AgentStateTracker) DecrementChats(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if agent, ok := t.agents[agentID]; ok && agent.ActiveChats > 0 {
		agent.ActiveChats--
		agent.LastUpdate = t.now()
	}
}

// Count returns the total number of tracked agents
func (t *AgentStateTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.agents)
}

// GetConnectionStats returns connection statistics
func (t *AgentStateTracker) GetConnectionStats() (connected, stale, disconnected int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, agent := range t.agents {
		switch agent.ConnectionStatus {
		case types.StatusConnected:
			connected++
		case types.StatusStale:
			stale++
		case types.StatusDisconnected:
			disconnected++
		}
	}
	return
}

func available(agent *types.AgentInfo, department string, ignoreMembership bool) bool {
	if !agent.IsOnline() || !agent.HasCapacity() {
		return false
	}
	return ignoreMembership || department == "" || agent.InDepartment(department)
}

func copyAgent(agent *types.AgentInfo) types.AgentInfo {
	c := *agent
	c.Departments = append([]string(nil), agent.Departments...)
	return c
}
