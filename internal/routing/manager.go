package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/hooks"
	"github.com/dennisdiepolder/monti/omnichannel/internal/metrics"
	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNoAgentOnline is returned when routing was explicitly required and no agent qualifies
	ErrNoAgentOnline = errors.New("no-agent-online")
	// ErrRoomNotServed is returned when a transfer targets a room nobody serves
	ErrRoomNotServed = errors.New("room-not-served")
	// ErrAgentUnavailable is returned when the chosen agent has no free slot
	// for the inquiry by the time it is delegated
	ErrAgentUnavailable = errors.New("agent-unavailable")
)

// AgentDirectory is the subset of cache.AgentStateTracker routing reads and updates
type AgentDirectory interface {
	OnlineCounter
	GetOnlineAgent(agentID string) (types.AgentInfo, bool)
	IsAvailable(agentID, department string, ignoreMembership bool) bool
	GetAvailableByDepartment(department string) []types.AgentInfo
	AllowSkipQueue(agentID string) bool
	TryReserveChat(agentID, department string) bool
	DecrementChats(agentID string)
}

// Store is the persistence surface routing mutates
type Store interface {
	storage.RoomStore
	storage.InquiryStore
}

// AgentSender sends messages to connected agents via WebSocket
type AgentSender interface {
	SendToAgent(agentID string, message []byte) bool
}

// Notifier receives lifecycle events
type Notifier interface {
	Notify(ctx context.Context, evt types.Event)
}

// MaxReserveAttempts bounds how often selection is repeated when the picked
// agent filled up before its slot could be reserved
const MaxReserveAttempts = 3

// Options are the routing policy switches
type Options struct {
	// AcceptChatsWithNoAgents lets rooms open while nobody is online
	AcceptChatsWithNoAgents bool
	// PreferredAgentOverridesDepartment skips the department membership check
	// for an explicitly requested agent in CheckOnlineAgents
	PreferredAgentOverridesDepartment bool
}

// Manager decides which agent receives an inquiry and performs the handoff
type Manager struct {
	store    Store
	agents   AgentDirectory
	strategy Strategy
	sender   AgentSender
	notifier Notifier
	hooks    *hooks.Registry
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger
}

// NewManager creates a new routing Manager
func NewManager(store Store, agents AgentDirectory, strategy Strategy, opts Options, logger zerolog.Logger) *Manager {
	if strategy == nil {
		strategy = &LeastBusy{}
	}
	return &Manager{
		store:    store,
		agents:   agents,
		strategy: strategy,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With().Str("component", "routing").Logger(),
	}
}

// SetAgentSender sets the WebSocket sender used to push assignments
func (m *Manager) SetAgentSender(sender AgentSender) {
	m.sender = sender
}

// SetNotifier sets the lifecycle event sink
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// SetHooks sets the hook registry run after a successful take
func (m *Manager) SetHooks(h *hooks.Registry) {
	m.hooks = h
}

// Agents exposes the agent directory to collaborators sharing this manager
func (m *Manager) Agents() AgentDirectory {
	return m.agents
}

// DelegateAgent returns preferred if it is eligible for the inquiry's
// department, otherwise the strategy's pick from the eligible pool. A nil
// agent with a nil error means nobody is available right now.
func (m *Manager) DelegateAgent(ctx context.Context, preferred *types.SelectedAgent, inquiry *types.Inquiry) (*types.SelectedAgent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	department := ""
	if inquiry != nil {
		department = inquiry.Department
	}

	if preferred != nil && preferred.AgentID != "" {
		if m.agents.IsAvailable(preferred.AgentID, department, false) {
			if info, ok := m.agents.GetOnlineAgent(preferred.AgentID); ok {
				return info.Selected(), nil
			}
		}
		m.logger.Debug().
			Str("agent_id", preferred.AgentID).
			Str("department", department).
			Msg("preferred agent not eligible, falling back to selection")
	}

	return m.selectAgent(department, "")
}

// GetNextAgent picks an eligible agent for the department, never excludeAgentID
func (m *Manager) GetNextAgent(ctx context.Context, department, excludeAgentID string) (*types.SelectedAgent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.selectAgent(department, excludeAgentID)
}

func (m *Manager) selectAgent(department, excludeAgentID string) (*types.SelectedAgent, error) {
	available := m.agents.GetAvailableByDepartment(department)
	if excludeAgentID != "" {
		available = excludeAgent(available, excludeAgentID)
	}

	agent := m.strategy.SelectAgent(available)
	if agent == nil {
		return nil, nil
	}
	return agent.Selected(), nil
}

// CheckOnlineAgents reports whether a new room may be opened for the given
// department and preferred agent.
func (m *Manager) CheckOnlineAgents(ctx context.Context, department string, agent *types.SelectedAgent) bool {
	if m.opts.AcceptChatsWithNoAgents {
		return true
	}
	if agent != nil && agent.AgentID != "" {
		// a requested agent decides alone
		return m.agents.IsAvailable(agent.AgentID, department, m.opts.PreferredAgentOverridesDepartment)
	}
	return m.agents.CountOnline(department) > 0
}

// DelegateInquiry hands a ready inquiry to agent. A chat slot is reserved
// on the agent first, then the inquiry is taken and the room's servedBy is
// set. Both store steps are conditional writes, so a lost race (inquiry no
// longer ready, room already served or closed) returns the room as it is now
// and gives the slot back. ErrAgentUnavailable means the agent had no free
// slot left.
func (m *Manager) DelegateInquiry(ctx context.Context, inquiry *types.Inquiry, agent *types.SelectedAgent) (*types.Room, error) {
	if agent == nil {
		return m.store.GetRoom(ctx, inquiry.RoomID)
	}

	if !m.agents.TryReserveChat(agent.AgentID, inquiry.Department) {
		m.logger.Debug().
			Str("inquiry_id", inquiry.ID).
			Str("agent_id", agent.AgentID).
			Msg("agent has no free slot, skipping delegation")
		return nil, ErrAgentUnavailable
	}

	now := m.now()
	taken, err := m.store.TakeInquiry(ctx, inquiry.ID, *agent, now)
	if errors.Is(err, storage.ErrConflict) {
		m.agents.DecrementChats(agent.AgentID)
		metrics.Get().RecordDelegationConflict()
		m.logger.Debug().
			Str("inquiry_id", inquiry.ID).
			Str("agent_id", agent.AgentID).
			Msg("inquiry not ready, skipping delegation")
		return m.store.GetRoom(ctx, inquiry.RoomID)
	}
	if err != nil {
		m.agents.DecrementChats(agent.AgentID)
		return nil, fmt.Errorf("failed to take inquiry %s: %w", inquiry.ID, err)
	}

	room, err := m.store.SetServedBy(ctx, inquiry.RoomID, *agent)
	if errors.Is(err, storage.ErrConflict) {
		metrics.Get().RecordDelegationConflict()
		m.logger.Warn().
			Str("inquiry_id", inquiry.ID).
			Str("room_id", inquiry.RoomID).
			Str("agent_id", agent.AgentID).
			Msg("inquiry taken but room could not be served, releasing inquiry")
		m.undoTake(ctx, inquiry.ID, agent.AgentID)
		return m.store.GetRoom(ctx, inquiry.RoomID)
	}
	if err != nil {
		m.undoTake(ctx, inquiry.ID, agent.AgentID)
		return nil, fmt.Errorf("failed to set servedBy on room %s: %w", inquiry.RoomID, err)
	}

	m.sendAssign(taken, agent, now)

	metrics.Get().RecordInquiryTaken(taken.Department, taken.WaitTime(now))
	m.notify(ctx, types.Event{
		Type:       types.EventInquiryTaken,
		RoomID:     room.ID,
		InquiryID:  taken.ID,
		AgentID:    agent.AgentID,
		Department: taken.Department,
	})
	m.hooks.AfterTakeInquiry(ctx, *taken, *room, *agent)

	m.logger.Info().
		Str("inquiry_id", taken.ID).
		Str("room_id", room.ID).
		Str("agent_id", agent.AgentID).
		Str("department", taken.Department).
		Dur("wait_time", taken.WaitTime(now)).
		Msg("inquiry delegated")

	return room, nil
}

// undoTake returns a taken inquiry to ready and frees the agent's slot after
// the room could not be served, so the inquiry is routed again later.
func (m *Manager) undoTake(ctx context.Context, inquiryID, agentID string) {
	m.agents.DecrementChats(agentID)
	if err := m.store.ReleaseInquiry(ctx, inquiryID, agentID); err != nil && !errors.Is(err, storage.ErrInquiryNotFound) {
		m.logger.Error().Err(err).
			Str("inquiry_id", inquiryID).
			Str("agent_id", agentID).
			Msg("failed to release inquiry")
	}
}

// TransferRoom moves an open, served room to another eligible agent. An empty
// department keeps the room's own department as the pool.
func (m *Manager) TransferRoom(ctx context.Context, roomID, department string) (*types.Room, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.Open || room.ServedBy == nil {
		return nil, ErrRoomNotServed
	}

	if department == "" {
		department = room.Department
	}
	from := room.ServedBy.AgentID

	next, err := m.reserveNextAgent(ctx, department, from)
	if err != nil {
		return nil, err
	}

	updated, err := m.store.ChangeServedBy(ctx, roomID, from, *next)
	if err != nil {
		m.agents.DecrementChats(next.AgentID)
		return nil, fmt.Errorf("failed to transfer room %s: %w", roomID, err)
	}

	m.agents.DecrementChats(from)

	inquiry, err := m.store.FindInquiryByRoom(ctx, roomID)
	if err == nil {
		m.sendAssign(inquiry, next, m.now())
	} else {
		m.logger.Warn().Err(err).Str("room_id", roomID).Msg("transferred room has no inquiry")
	}

	m.notify(ctx, types.Event{
		Type:       types.EventRoomTransferred,
		RoomID:     roomID,
		AgentID:    next.AgentID,
		Department: department,
		Data:       map[string]any{"from_agent_id": from},
	})

	m.logger.Info().
		Str("room_id", roomID).
		Str("from_agent_id", from).
		Str("agent_id", next.AgentID).
		Str("department", department).
		Msg("room transferred")

	return updated, nil
}

// reserveNextAgent selects an agent for the department and reserves a slot on
// it, selecting again when another delegation filled the pick first.
func (m *Manager) reserveNextAgent(ctx context.Context, department, excludeAgentID string) (*types.SelectedAgent, error) {
	for attempt := 0; attempt < MaxReserveAttempts; attempt++ {
		next, err := m.GetNextAgent(ctx, department, excludeAgentID)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		if m.agents.TryReserveChat(next.AgentID, department) {
			return next, nil
		}
	}
	return nil, ErrNoAgentOnline
}

// ReleaseAgent records that agentID stopped serving a chat
func (m *Manager) ReleaseAgent(agentID string) {
	if agentID != "" {
		m.agents.DecrementChats(agentID)
	}
}

func (m *Manager) sendAssign(inquiry *types.Inquiry, agent *types.SelectedAgent, now time.Time) {
	if m.sender == nil || inquiry == nil {
		return
	}

	msg := types.InquiryAssign{
		Type:         "inquiry_assign",
		AgentID:      agent.AgentID,
		InquiryID:    inquiry.ID,
		RoomID:       inquiry.RoomID,
		Department:   inquiry.Department,
		VisitorToken: inquiry.Visitor.Token,
		VisitorName:  inquiry.Visitor.Name,
		Timestamp:    now,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error().Err(err).
			Str("inquiry_id", inquiry.ID).
			Str("agent_id", agent.AgentID).
			Msg("failed to marshal inquiry_assign message")
		return
	}

	if !m.sender.SendToAgent(agent.AgentID, data) {
		m.logger.Warn().
			Str("inquiry_id", inquiry.ID).
			Str("agent_id", agent.AgentID).
			Msg("failed to send inquiry_assign to agent")
	}
}

func (m *Manager) notify(ctx context.Context, evt types.Event) {
	if m.notifier != nil {
		m.notifier.Notify(ctx, evt)
	}
}

// excludeAgent returns agents other than agentID
func excludeAgent(agents []types.AgentInfo, agentID string) []types.AgentInfo {
	result := make([]types.AgentInfo, 0, len(agents))
	for _, a := range agents {
		if a.AgentID != agentID {
			result = append(result, a)
		}
	}
	return result
}
