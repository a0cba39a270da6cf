package websocket

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// gatewayTiming allows larger frames than a single desktop
var gatewayTiming = pumpTiming{
	writeWait:  agentTiming.writeWait,
	pongWait:   agentTiming.pongWait,
	pingPeriod: agentTiming.pingPeriod,
	readLimit:  agentTiming.readLimit * 4,
}

// MultiplexedAgentClient is a channel gateway connection carrying events for
// several agents. Each registered agent becomes a seat on the AgentHub.
type MultiplexedAgentClient struct {
	hub    *AgentHub
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger
	done   chan struct{}

	mu    sync.Mutex
	seats map[string]*AgentClient

	closeOnce sync.Once
}

// NewMultiplexedAgentClient creates a client for a gateway connection
func NewMultiplexedAgentClient(hub *AgentHub, conn *websocket.Conn, logger zerolog.Logger) *MultiplexedAgentClient {
	return &MultiplexedAgentClient{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		seats:  make(map[string]*AgentClient),
		logger: logger.With().Bool("multiplexed", true).Logger(),
		done:   make(chan struct{}),
	}
}

// Start runs the connection pumps
func (c *MultiplexedAgentClient) Start() {
	go writeLoop(c.conn, gatewayTiming, c.send)
	go func() {
		err := readLoop(c.conn, gatewayTiming, c.handleMessage)
		if unexpectedClose(err) {
			c.logger.Debug().Err(err).Int("seats", c.AgentCount()).Msg("gateway websocket read error")
		}

		close(c.done)
		for _, seat := range c.releaseSeats() {
			c.hub.unregister <- seat
		}
		c.Close()
		c.conn.Close()
	}()
}

func (c *MultiplexedAgentClient) handleMessage(message []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	reg, ok := c.hub.dispatch(message, "", c.logger)
	if !ok || reg == nil {
		return
	}

	seat, created := c.seat(reg.AgentID)
	if created {
		c.hub.register <- seat
	}
	c.hub.agentRegister <- reg
	seat.ack()
}

// seat returns the agent's seat on this connection, creating it on first use
func (c *MultiplexedAgentClient) seat(agentID string) (*AgentClient, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.seats[agentID]; ok {
		return s, false
	}
	s := &AgentClient{
		agentID: agentID,
		hub:     c.hub,
		conn:    c.conn,
		send:    c.send,
		shared:  true,
		logger:  c.logger.With().Str("agent_id", agentID).Logger(),
		done:    c.done,
	}
	c.seats[agentID] = s
	return s, true
}

func (c *MultiplexedAgentClient) releaseSeats() []*AgentClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	seats := make([]*AgentClient, 0, len(c.seats))
	for _, s := range c.seats {
		seats = append(seats, s)
	}
	c.seats = make(map[string]*AgentClient)
	return seats
}

// AgentCount returns the number of agents seated on this connection
func (c *MultiplexedAgentClient) AgentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seats)
}

// Close closes the shared send channel once
func (c *MultiplexedAgentClient) Close() {
	c.closeOnce.Do(func() {
		defer func() { recover() }()
		close(c.send)
	})
}
