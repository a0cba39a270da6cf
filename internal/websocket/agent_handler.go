package websocket

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// agentUpgrader accepts any origin; agent desktops and gateways are not browsers
var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AgentHandler upgrades agent desktop and channel gateway connections
type AgentHandler struct {
	hub          *AgentHub
	gatewayToken string
	logger       zerolog.Logger
}

// NewAgentHandler creates a new AgentHandler. A non-empty gatewayToken must be
// presented in the X-Gateway-Token header or the token query parameter.
func NewAgentHandler(hub *AgentHub, gatewayToken string, logger zerolog.Logger) *AgentHandler {
	return &AgentHandler{
		hub:          hub,
		gatewayToken: gatewayToken,
		logger:       logger.With().Str("component", "agent_handler").Logger(),
	}
}

func (h *AgentHandler) authorized(r *http.Request) bool {
	if h.gatewayToken == "" {
		return true
	}
	presented := r.Header.Get("X-Gateway-Token")
	if presented == "" {
		presented = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.gatewayToken)) == 1
}

func (h *AgentHandler) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	if !h.authorized(r) {
		h.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("agent connection rejected: bad gateway token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	conn, err := agentUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade agent connection")
		return nil, false
	}
	return conn, true
}

// ServeHTTP serves one agent per connection
func (h *AgentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if conn, ok := h.upgrade(w, r); ok {
		NewAgentClient(h.hub, conn, h.logger).Start()
	}
}

// ServeMultiplexedHTTP serves a gateway carrying several agents
func (h *AgentHandler) ServeMultiplexedHTTP(w http.ResponseWriter, r *http.Request) {
	if conn, ok := h.upgrade(w, r); ok {
		NewMultiplexedAgentClient(h.hub, conn, h.logger).Start()
	}
}
