package websocket

import (
	"encoding/json"
	"sync"

	"github.com/dennisdiepolder/monti/omnichannel/internal/cache"
	"github.com/dennisdiepolder/monti/omnichannel/internal/ingestion"
	"github.com/dennisdiepolder/monti/omnichannel/internal/metrics"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/rs/zerolog"
)

// AgentHub maintains the set of active agent WebSocket connections
type AgentHub struct {
	// Registered agent clients
	agents map[string]*AgentClient // agentID -> client

	// Register requests from agent clients
	register chan *AgentClient

	// Unregister requests from agent clients
	unregister chan *AgentClient

	// Heartbeat messages from agents
	heartbeat chan *types.AgentHeartbeat

	// Status change messages from agents
	statusChange chan *types.AgentStatusChange

	// Agent registration messages
	agentRegister chan *types.AgentRegister

	// Chat closed messages from agents
	chatClosed chan *types.ChatClosed

	// Mutex to protect agents map
	mu sync.RWMutex

	// Logger
	logger zerolog.Logger

	// Agent state tracker (for connection status management)
	tracker *cache.AgentStateTracker

	// Event processor (for processing agent events)
	processor ingestion.EventProcessor
}

// NewAgentHub creates a new AgentHub
func NewAgentHub(tracker *cache.AgentStateTracker, processor ingestion.EventProcessor, logger zerolog.Logger) *AgentHub {
	return &AgentHub{
		agents:        make(map[string]*AgentClient),
		register:      make(chan *AgentClient),
		unregister:    make(chan *AgentClient),
		heartbeat:     make(chan *types.AgentHeartbeat, 1000),
		statusChange:  make(chan *types.AgentStatusChange, 500),
		agentRegister: make(chan *types.AgentRegister, 100),
		chatClosed:    make(chan *types.ChatClosed, 500),
		logger:        logger.With().Str("component", "agent_hub").Logger(),
		tracker:       tracker,
		processor:     processor,
	}
}

// Run starts the hub's main loop
func (h *AgentHub) Run() {
	m := metrics.Get()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			// Remove existing client with same agentID if any
			if existing, ok := h.agents[client.agentID]; ok && existing != client {
				existing.Close()
				m.RecordWebSocketDisconnect()
			}
			h.agents[client.agentID] = client
			total := len(h.agents)
			h.mu.Unlock()

			m.RecordWebSocketConnect()
			h.logger.Debug().
				Str("agent_id", client.agentID).
				Int("total_agents", total).
				Msg("agent connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if existing, ok := h.agents[client.agentID]; ok && existing == client {
				delete(h.agents, client.agentID)
				client.Close()
				h.tracker.SetConnected(client.agentID, false)
				m.RecordWebSocketDisconnect()

				h.logger.Debug().
					Str("agent_id", client.agentID).
					Int("total_agents", len(h.agents)).
					Msg("agent disconnected")
			}
			h.mu.Unlock()

		case reg := <-h.agentRegister:
			h.processor.ProcessRegister(reg)

		case hb := <-h.heartbeat:
			h.processor.ProcessHeartbeat(hb)

		case sc := <-h.statusChange:
			h.processor.ProcessStatusChange(sc)

		case cc := <-h.chatClosed:
			// closing a room touches the store; keep the loop responsive
			go h.processor.ProcessChatClosed(cc)
		}
	}
}

// dispatch decodes one agent message and forwards it to the hub channels.
// agentID is the agent bound to the connection; messages naming another
// agent are dropped. A register message is returned to the caller, which
// binds the connection before forwarding it.
func (h *AgentHub) dispatch(message []byte, agentID string, logger zerolog.Logger) (*types.AgentRegister, bool) {
	var msgType struct {
		Type    string `json:"type"`
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(message, &msgType); err != nil {
		metrics.Get().RecordEventError()
		logger.Debug().Err(err).Msg("failed to parse message type")
		return nil, false
	}
	metrics.Get().RecordEventReceived()

	if msgType.Type != "register" && (msgType.AgentID == "" || (agentID != "" && msgType.AgentID != agentID)) {
		logger.Debug().Str("type", msgType.Type).Str("message_agent_id", msgType.AgentID).Msg("message for unbound agent dropped")
		return nil, false
	}

	switch msgType.Type {
	case "register":
		var reg types.AgentRegister
		if err := json.Unmarshal(message, &reg); err != nil || reg.AgentID == "" {
			logger.Debug().Err(err).Msg("failed to parse register message")
			return nil, false
		}
		return &reg, true

	case "heartbeat":
		var hb types.AgentHeartbeat
		if err := json.Unmarshal(message, &hb); err != nil {
			logger.Debug().Err(err).Msg("failed to parse heartbeat message")
			return nil, false
		}
		h.heartbeat <- &hb

	case "status_change":
		var sc types.AgentStatusChange
		if err := json.Unmarshal(message, &sc); err != nil {
			logger.Debug().Err(err).Msg("failed to parse status_change message")
			return nil, false
		}
		h.statusChange <- &sc

	case "chat_closed":
		var cc types.ChatClosed
		if err := json.Unmarshal(message, &cc); err != nil {
			logger.Debug().Err(err).Msg("failed to parse chat_closed message")
			return nil, false
		}
		h.chatClosed <- &cc

	default:
		logger.Debug().Str("type", msgType.Type).Msg("unknown message type")
		return nil, false
	}
	return nil, true
}

// ForceDisconnect sends a force_disconnect message to the agent, then closes the connection
func (h *AgentHub) ForceDisconnect(agentID string) bool {
	msg := types.ForceDisconnect{
		Type:    "force_disconnect",
		AgentID: agentID,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal force_disconnect")
		return false
	}

	// Send the message first
	h.SendToAgent(agentID, data)

	// Then close the connection
	h.mu.Lock()
	client, ok := h.agents[agentID]
	if ok {
		delete(h.agents, agentID)
		client.Close()
		h.tracker.SetConnected(agentID, false)
		metrics.Get().RecordWebSocketDisconnect()
		h.logger.Info().Str("agent_id", agentID).Msg("agent force-disconnected")
	}
	h.mu.Unlock()

	return ok
}

// AgentCount returns the number of connected agents
func (h *AgentHub) AgentCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.agents)
}

// SendToAgent sends a message to a specific agent
func (h *AgentHub) SendToAgent(agentID string, message []byte) bool {
	h.mu.RLock()
	client, ok := h.agents[agentID]
	h.mu.RUnlock()

	if !ok {
		return false
	}

	if client.safeSend(message) {
		metrics.Get().RecordWebSocketMessage()
		return true
	}
	return false
}
