package websocket

import (
	"encoding/json"
	"sync"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// AgentClient is one agent seat. A dedicated connection carries exactly one;
// a gateway connection carries several that share its send channel.
type AgentClient struct {
	agentID string // bound by the first register message
	hub     *AgentHub
	conn    *websocket.Conn
	send    chan []byte
	shared  bool
	logger  zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewAgentClient creates a client for a dedicated agent connection
func NewAgentClient(hub *AgentHub, conn *websocket.Conn, logger zerolog.Logger) *AgentClient {
	return &AgentClient{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 64),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start runs the connection pumps. The client joins the hub on register.
func (c *AgentClient) Start() {
	go writeLoop(c.conn, agentTiming, c.send)
	go func() {
		err := readLoop(c.conn, agentTiming, c.handleMessage)
		if unexpectedClose(err) {
			c.logger.Debug().Err(err).Str("agent_id", c.agentID).Msg("agent websocket read error")
		}

		close(c.done)
		if c.agentID != "" {
			c.hub.unregister <- c
		} else {
			c.Close()
		}
		c.conn.Close()
	}()
}

func (c *AgentClient) handleMessage(message []byte) {
	reg, ok := c.hub.dispatch(message, c.agentID, c.logger)
	if !ok || reg == nil {
		return
	}

	if c.agentID == "" {
		c.agentID = reg.AgentID
		c.logger = c.logger.With().Str("agent_id", c.agentID).Logger()
		c.hub.register <- c
	}
	c.hub.agentRegister <- reg
	c.ack()
}

// ack confirms a register; dropped if the client is going away
func (c *AgentClient) ack() {
	data, err := json.Marshal(types.ServerAck{Type: "ack", AgentID: c.agentID})
	if err == nil {
		c.safeSend(data)
	}
}

// Close closes the send channel once. Gateway seats leave the shared
// channel to their connection.
func (c *AgentClient) Close() {
	if c.shared {
		return
	}
	c.closeOnce.Do(func() {
		defer func() { recover() }()
		close(c.send)
	})
}

// safeSend queues data without blocking; false if the buffer is full or closed
func (c *AgentClient) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}
