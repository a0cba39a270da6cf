package websocket

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/dennisdiepolder/monti/omnichannel/internal/auth"
	"github.com/dennisdiepolder/monti/omnichannel/internal/config"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// dashboardCommand is sent by a dashboard to narrow its queue view.
// "subscribe" with no departments resets to everything the user may see.
type dashboardCommand struct {
	Type        string   `json:"type"`
	Departments []string `json:"departments"`
}

// Client is a supervisor dashboard connection
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	timing pumpTiming
	logger zerolog.Logger

	// nil claims means auth is disabled
	claims *auth.Claims

	mu         sync.RWMutex
	subscribed []string
}

// NewClient creates a new Client
func NewClient(hub *Hub, conn *websocket.Conn, cfg *config.Config, logger zerolog.Logger, claims *auth.Claims) *Client {
	clientID := uuid.New().String()
	return &Client{
		id:   clientID,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
		timing: pumpTiming{
			writeWait:  cfg.WriteWait,
			pongWait:   cfg.PongWait,
			pingPeriod: cfg.PingPeriod,
			readLimit:  cfg.MaxMessageSize,
		},
		logger: logger.With().Str("client_id", clientID).Logger(),
		claims: claims,
	}
}

// Start runs the connection pumps
func (c *Client) Start() {
	go writeLoop(c.conn, c.timing, c.send)
	go func() {
		err := readLoop(c.conn, c.timing, c.handleCommand)
		if unexpectedClose(err) {
			c.logger.Error().Err(err).Msg("websocket read error")
		}
		c.hub.unregister <- c
		c.conn.Close()
	}()
}

func (c *Client) handleCommand(message []byte) {
	var cmd dashboardCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.logger.Debug().Err(err).Msg("ignoring malformed dashboard message")
		return
	}

	switch cmd.Type {
	case "subscribe":
		c.Subscribe(cmd.Departments)
	default:
		c.logger.Debug().Str("type", cmd.Type).Msg("unknown dashboard message")
	}
}

// Subscribe limits future snapshots to the given departments. Departments the
// user may not see are ignored; an empty list clears the subscription.
func (c *Client) Subscribe(departments []string) {
	var allowed []string
	for _, d := range departments {
		if c.claims == nil || c.claims.IsDepartmentAllowed(d) {
			allowed = append(allowed, d)
		}
	}

	c.mu.Lock()
	c.subscribed = allowed
	c.mu.Unlock()

	c.logger.Debug().Strs("departments", allowed).Msg("dashboard subscription updated")
}

// FilterSnapshot keeps the queues the client may see and has subscribed to.
// Returns nil if nothing is left.
func (c *Client) FilterSnapshot(snap *types.Snapshot) *types.Snapshot {
	c.mu.RLock()
	subscribed := c.subscribed
	c.mu.RUnlock()

	unrestricted := c.claims == nil || c.claims.AllDepartments()
	if unrestricted && len(subscribed) == 0 {
		return snap
	}

	var queues []types.QueueSnapshot
	for _, q := range snap.Queues {
		if !unrestricted && !c.claims.IsDepartmentAllowed(q.Department) {
			continue
		}
		if len(subscribed) > 0 && !slices.Contains(subscribed, q.Department) {
			continue
		}
		queues = append(queues, q)
	}
	if len(queues) == 0 {
		return nil
	}

	return &types.Snapshot{
		Type:      snap.Type,
		Timestamp: snap.Timestamp,
		Queues:    queues,
	}
}
