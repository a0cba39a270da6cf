package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/capacity"
	"github.com/dennisdiepolder/monti/omnichannel/internal/config"
	"github.com/dennisdiepolder/monti/omnichannel/internal/hooks"
	"github.com/dennisdiepolder/monti/omnichannel/internal/metrics"
	"github.com/dennisdiepolder/monti/omnichannel/internal/routing"
	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Deps are the collaborators of the queue Manager
type Deps struct {
	Store    storage.Store
	Rooms    storage.RoomCreator
	Routing  *routing.Manager
	Resolver *routing.DepartmentResolver
	Capacity *capacity.Limiter
	Notifier routing.Notifier
	Hooks    *hooks.Registry
}

// Options are the queueing policy switches
type Options struct {
	Method                  config.RoutingMethod
	WaitingQueueEnabled     bool
	AcceptChatsWithNoAgents bool
	InquiryStatus           StatusMiddleware
}

// OptionsFromConfig maps the routing configuration to queue options
func OptionsFromConfig(cfg config.RoutingConfig) Options {
	return Options{
		Method:                  cfg.Method,
		WaitingQueueEnabled:     cfg.WaitingQueueEnabled,
		AcceptChatsWithNoAgents: cfg.AcceptChatsWithNoAgents,
	}
}

// Manager orchestrates the lifecycle of a contact from admission to delegation
type Manager struct {
	store    storage.Store
	rooms    storage.RoomCreator
	routing  *routing.Manager
	agents   routing.AgentDirectory
	resolver *routing.DepartmentResolver
	capacity *capacity.Limiter
	notifier routing.Notifier
	hooks    *hooks.Registry
	opts     Options
	status   InquiryStatusFunc
	now      func() time.Time
	logger   zerolog.Logger
}

// NewManager creates a new queue Manager
func NewManager(deps Deps, opts Options, logger zerolog.Logger) *Manager {
	if opts.Method == "" {
		opts.Method = config.RoutingAuto
	}
	rooms := deps.Rooms
	if rooms == nil {
		rooms = storage.NewStoreRoomCreator(deps.Store, deps.Store)
	}

	m := &Manager{
		store:    deps.Store,
		rooms:    rooms,
		routing:  deps.Routing,
		agents:   deps.Routing.Agents(),
		resolver: deps.Resolver,
		capacity: deps.Capacity,
		notifier: deps.Notifier,
		hooks:    deps.Hooks,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With().Str("component", "queue").Logger(),
	}

	m.status = m.defaultInquiryStatus
	if opts.InquiryStatus != nil {
		m.status = opts.InquiryStatus(m.defaultInquiryStatus)
	}
	return m
}

// RoomRequest is the input of RequestRoom
type RoomRequest struct {
	Visitor types.Visitor
	Message types.Message
	Info    types.RoomInfo
	Agent   *types.SelectedAgent
	Extra   map[string]string
}

func (r RoomRequest) validate() error {
	ve := &ValidationError{}
	if r.Visitor.Token == "" {
		ve.add("visitor.token", "required")
	}
	if r.Message.RoomID == "" {
		ve.add("message.roomId", "required")
	}
	if r.Message.Token != "" && r.Visitor.Token != "" && r.Message.Token != r.Visitor.Token {
		ve.add("message.token", "does not match visitor")
	}
	if r.Agent != nil && r.Agent.AgentID == "" {
		ve.add("agent.agentId", "required when agent is set")
	}
	return ve.orNil()
}

// RequestRoom admits a new contact: it checks routing preconditions, creates
// the room and its inquiry, and attempts an immediate delegation. The
// returned room is served when delegation succeeded. A request for a room the
// visitor already has open returns that room unchanged, so retries are safe.
func (m *Manager) RequestRoom(ctx context.Context, req RoomRequest) (*types.Room, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if existing, err := m.existingRoom(ctx, req); err != nil || existing != nil {
		return existing, err
	}

	defaultAgent := m.hooks.BeforeDelegateAgent(ctx, req.Agent, req.Visitor.Department)

	department, err := m.resolveDepartment(ctx, req.Visitor.Department, defaultAgent)
	if err != nil {
		return nil, err
	}

	room, err := m.rooms.CreateRoom(ctx, storage.NewRoom{
		Visitor:    req.Visitor,
		Message:    req.Message,
		Info:       req.Info,
		Department: department,
		Extra:      req.Extra,
	})
	if errors.Is(err, storage.ErrConflict) {
		// a concurrent attempt created the room first
		if existing, lookupErr := m.existingRoom(ctx, req); lookupErr != nil || existing != nil {
			return existing, lookupErr
		}
	}
	if err != nil {
		return nil, err
	}

	inquiry := m.newInquiry(ctx, room, defaultAgent)
	if err := m.store.CreateInquiry(ctx, inquiry); err != nil {
		return nil, fmt.Errorf("failed to create inquiry for room %s: %w", room.ID, err)
	}

	metrics.Get().RecordRoomStarted(department)
	m.notify(ctx, types.Event{
		Type:       types.EventRoomStarted,
		RoomID:     room.ID,
		InquiryID:  inquiry.ID,
		Department: department,
		Data:       map[string]any{"visitor_token": room.Visitor.Token, "source": room.Source.Type},
	})

	m.logger.Info().
		Str("room_id", room.ID).
		Str("inquiry_id", inquiry.ID).
		Str("visitor_token", room.Visitor.Token).
		Str("department", department).
		Str("status", string(inquiry.Status)).
		Msg("room requested")

	routed, err := m.QueueInquiry(ctx, inquiry, defaultAgent)
	if err != nil {
		return nil, err
	}
	if routed != nil {
		return routed, nil
	}
	return room, nil
}

// existingRoom returns the requested room when it already exists and is open
// for the same visitor. A missing room yields nil without error.
func (m *Manager) existingRoom(ctx context.Context, req RoomRequest) (*types.Room, error) {
	room, err := m.store.GetRoom(ctx, req.Message.RoomID)
	if errors.Is(err, storage.ErrRoomNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room %s: %w", req.Message.RoomID, err)
	}

	if room.Visitor.Token != req.Visitor.Token {
		m.logger.Warn().
			Str("room_id", room.ID).
			Str("visitor_token", req.Visitor.Token).
			Msg("room requested by another visitor")
		return nil, ErrRoomAccessDenied
	}
	if !room.Open {
		return nil, ErrRoomClosed
	}

	m.logger.Debug().
		Str("room_id", room.ID).
		Str("visitor_token", room.Visitor.Token).
		Msg("room already open, returning it")
	return room, nil
}

// resolveDepartment applies the admission precedence rules and returns the
// department the room is created in.
//
// A requested department must resolve to a routable one (possibly through
// its fallback chain). Then the online check runs: a requested agent decides
// on its own, otherwise the department (or the global pool) must have an
// online agent. ACCEPT_CHATS_WITH_NO_AGENTS skips both checks.
func (m *Manager) resolveDepartment(ctx context.Context, requested string, agent *types.SelectedAgent) (string, error) {
	department := requested

	if requested != "" {
		resolved, err := m.resolver.Resolve(ctx, requested)
		if err != nil {
			return "", fmt.Errorf("failed to resolve department: %w", err)
		}
		if resolved != "" {
			department = resolved
		} else if !m.opts.AcceptChatsWithNoAgents {
			return "", m.noAgentOnline(requested, agent)
		}
	}

	if agent != nil && department != "" && !m.agents.IsAvailable(agent.AgentID, department, false) {
		m.logger.Warn().
			Str("agent_id", agent.AgentID).
			Str("department", department).
			Msg("requested agent is not eligible for the requested department, agent check takes precedence")
	}

	if !m.routing.CheckOnlineAgents(ctx, department, agent) {
		return "", m.noAgentOnline(department, agent)
	}
	return department, nil
}

func (m *Manager) noAgentOnline(department string, agent *types.SelectedAgent) error {
	metrics.Get().RecordNoAgentOnline()
	ev := m.logger.Info().Str("department", department)
	if agent != nil {
		ev = ev.Str("agent_id", agent.AgentID)
	}
	ev.Msg("no agent online for new room")
	return routing.ErrNoAgentOnline
}

func (m *Manager) newInquiry(ctx context.Context, room *types.Room, agent *types.SelectedAgent) *types.Inquiry {
	return &types.Inquiry{
		ID:           uuid.NewString(),
		RoomID:       room.ID,
		Visitor:      room.Visitor,
		Department:   room.Department,
		Status:       m.GetInquiryStatus(ctx, room, agent),
		Source:       room.Source,
		CreatedAt:    m.now().UTC(),
		DefaultAgent: agent,
	}
}

// QueueInquiry delegates a ready inquiry right away, or persists it as
// queued. Staying queued is not an error.
func (m *Manager) QueueInquiry(ctx context.Context, inquiry *types.Inquiry, defaultAgent *types.SelectedAgent) (*types.Room, error) {
	inquiry = m.hooks.BeforeRouteChat(ctx, inquiry, defaultAgent)

	if inquiry.Status == types.InquiryReady {
		room, err := m.store.GetRoom(ctx, inquiry.RoomID)
		if err != nil {
			return nil, fmt.Errorf("failed to load room for inquiry %s: %w", inquiry.ID, err)
		}

		if m.capacity.IsWithinLimit(ctx, room) {
			agent, err := m.routing.DelegateAgent(ctx, defaultAgent, inquiry)
			if err != nil {
				return nil, err
			}
			if agent != nil {
				return m.delegate(ctx, inquiry, room, agent)
			}
		}
	}

	return m.markQueued(ctx, inquiry)
}

// RequeueInquiry retries delegation for an inquiry. Over capacity it only
// re-persists the inquiry as queued. Otherwise it picks an agent and
// delegates if the inquiry, re-read from the store, is still ready.
func (m *Manager) RequeueInquiry(ctx context.Context, inquiry *types.Inquiry, room *types.Room, defaultAgent *types.SelectedAgent) (*types.Room, error) {
	if !m.capacity.IsWithinLimit(ctx, room) {
		m.logger.Info().
			Str("inquiry_id", inquiry.ID).
			Str("room_id", inquiry.RoomID).
			Msg("contact limit reached, inquiry stays queued")
		return m.markQueued(ctx, inquiry)
	}

	agent, err := m.routing.DelegateAgent(ctx, defaultAgent, inquiry)
	if err != nil {
		return nil, err
	}

	inquiry = m.hooks.BeforeRouteChat(ctx, inquiry, agent)

	fresh, err := m.store.GetInquiry(ctx, inquiry.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload inquiry %s: %w", inquiry.ID, err)
	}
	if fresh.Status != types.InquiryReady {
		m.logger.Debug().
			Str("inquiry_id", fresh.ID).
			Str("status", string(fresh.Status)).
			Msg("inquiry no longer ready, skipping requeue")
		return m.store.GetRoom(ctx, fresh.RoomID)
	}

	if agent == nil {
		return m.markQueued(ctx, fresh)
	}
	return m.delegate(ctx, fresh, room, agent)
}

// PromoteInquiry moves a queued inquiry to ready once it can be routed and
// runs it through RequeueInquiry. An inquiry can be routed when its room is
// within the contact limit, is not awaiting verification and an agent is
// available for it. Taken inquiries and closed rooms are left alone.
func (m *Manager) PromoteInquiry(ctx context.Context, inquiryID string) (*types.Room, error) {
	inquiry, err := m.store.GetInquiry(ctx, inquiryID)
	if err != nil {
		return nil, err
	}
	room, err := m.store.GetRoom(ctx, inquiry.RoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load room for inquiry %s: %w", inquiryID, err)
	}
	if !room.Open || inquiry.Status == types.InquiryTaken || room.AwaitingVerification() {
		return room, nil
	}

	if inquiry.Status == types.InquiryQueued {
		if !m.capacity.IsWithinLimit(ctx, room) {
			return room, nil
		}
		agent, err := m.routing.DelegateAgent(ctx, inquiry.DefaultAgent, inquiry)
		if err != nil {
			return nil, err
		}
		if agent == nil {
			return room, nil
		}
		if err := m.store.MarkInquiryReady(ctx, inquiry.ID); err != nil && !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("failed to mark inquiry %s ready: %w", inquiry.ID, err)
		}
		inquiry.Status = types.InquiryReady
	}

	return m.RequeueInquiry(ctx, inquiry, room, inquiry.DefaultAgent)
}

// TakeInquiry lets an agent pick an inquiry from the queue. Rooms still
// awaiting verification cannot be taken, and losing the inquiry to another
// agent is reported as ErrInquiryTaken.
func (m *Manager) TakeInquiry(ctx context.Context, inquiryID, agentID string) (*types.Room, error) {
	inquiry, err := m.store.GetInquiry(ctx, inquiryID)
	if err != nil {
		return nil, err
	}
	room, err := m.store.GetRoom(ctx, inquiry.RoomID)
	if err != nil {
		return nil, err
	}
	if !room.Open {
		return nil, ErrRoomClosed
	}
	if room.AwaitingVerification() {
		return nil, ErrAwaitingVerification
	}

	info, ok := m.agents.GetOnlineAgent(agentID)
	if !ok || !m.agents.IsAvailable(agentID, inquiry.Department, false) {
		return nil, ErrAgentNotEligible
	}

	if inquiry.Status == types.InquiryQueued {
		if err := m.store.MarkInquiryReady(ctx, inquiry.ID); err != nil && !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("failed to mark inquiry %s ready: %w", inquiry.ID, err)
		}
	}

	routed, err := m.routing.DelegateInquiry(ctx, inquiry, info.Selected())
	if errors.Is(err, routing.ErrAgentUnavailable) {
		return nil, ErrAgentNotEligible
	}
	if err != nil {
		return nil, err
	}
	if routed.ServedBy == nil || routed.ServedBy.AgentID != agentID {
		m.logger.Info().
			Str("inquiry_id", inquiry.ID).
			Str("agent_id", agentID).
			Msg("inquiry taken by someone else")
		return nil, ErrInquiryTaken
	}

	m.capacity.MarkActive(ctx, room)
	return routed, nil
}

// UnarchiveResult reports what UnarchiveRoom did
type UnarchiveResult struct {
	Reopened bool   `json:"reopened"`
	Reason   string `json:"reason,omitempty"`
}

const (
	ReasonMissingCloseTimestamp = "missing-close-timestamp"
	ReasonAlreadyOpen           = "already-open"
)

// UnarchiveRoom reopens a closed room with a fresh inquiry. The previous
// agent is preferred if still online. Rooms that are open or were never
// closed are returned unchanged with the reason in the result.
func (m *Manager) UnarchiveRoom(ctx context.Context, roomID string) (*types.Room, UnarchiveResult, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, UnarchiveResult{}, err
	}
	if room.Open {
		return room, UnarchiveResult{Reason: ReasonAlreadyOpen}, nil
	}
	if room.ClosedAt == nil {
		return room, UnarchiveResult{Reason: ReasonMissingCloseTimestamp}, nil
	}

	if err := m.store.DeleteInquiryByRoom(ctx, roomID); err != nil {
		return nil, UnarchiveResult{}, fmt.Errorf("failed to delete stale inquiry: %w", err)
	}

	var agent *types.SelectedAgent
	if room.ServedBy != nil {
		if info, ok := m.agents.GetOnlineAgent(room.ServedBy.AgentID); ok {
			agent = info.Selected()
		}
	}

	reopened, err := m.store.ReopenRoom(ctx, roomID)
	if errors.Is(err, storage.ErrConflict) {
		current, getErr := m.store.GetRoom(ctx, roomID)
		if getErr != nil {
			return nil, UnarchiveResult{}, getErr
		}
		return current, UnarchiveResult{Reason: ReasonAlreadyOpen}, nil
	}
	if err != nil {
		return nil, UnarchiveResult{}, fmt.Errorf("failed to reopen room %s: %w", roomID, err)
	}

	inquiry := m.newInquiry(ctx, reopened, agent)
	if err := m.store.CreateInquiry(ctx, inquiry); err != nil {
		return nil, UnarchiveResult{}, fmt.Errorf("failed to create inquiry for room %s: %w", roomID, err)
	}

	m.notify(ctx, types.Event{
		Type:       types.EventRoomUnarchived,
		RoomID:     roomID,
		InquiryID:  inquiry.ID,
		Department: reopened.Department,
	})
	m.logger.Info().
		Str("room_id", roomID).
		Str("inquiry_id", inquiry.ID).
		Str("status", string(inquiry.Status)).
		Msg("room unarchived")

	var routed *types.Room
	if inquiry.Status == types.InquiryQueued {
		routed, err = m.markQueued(ctx, inquiry)
	} else {
		routed, err = m.RequeueInquiry(ctx, inquiry, reopened, agent)
	}
	if err != nil {
		return nil, UnarchiveResult{}, err
	}
	return routed, UnarchiveResult{Reopened: true}, nil
}

// CloseRoom closes an open room, drops its inquiry and verification codes
// and releases the serving agent. Closing a closed room returns it unchanged.
func (m *Manager) CloseRoom(ctx context.Context, roomID, closedBy string) (*types.Room, error) {
	closed, err := m.store.CloseRoom(ctx, roomID, closedBy, m.now().UTC())
	if errors.Is(err, storage.ErrConflict) {
		return m.store.GetRoom(ctx, roomID)
	}
	if err != nil {
		return nil, err
	}

	if err := m.store.DeleteInquiryByRoom(ctx, roomID); err != nil {
		m.logger.Error().Err(err).Str("room_id", roomID).Msg("failed to delete inquiry of closed room")
	}
	if err := m.store.DeleteCodes(ctx, roomID); err != nil {
		m.logger.Error().Err(err).Str("room_id", roomID).Msg("failed to delete verification codes of closed room")
	}

	agentID := ""
	if closed.ServedBy != nil {
		agentID = closed.ServedBy.AgentID
		m.routing.ReleaseAgent(agentID)
	}

	m.notify(ctx, types.Event{
		Type:       types.EventRoomClosed,
		RoomID:     roomID,
		AgentID:    agentID,
		Department: closed.Department,
		Data:       map[string]any{"closed_by": closedBy},
	})
	m.logger.Info().
		Str("room_id", roomID).
		Str("agent_id", agentID).
		Str("closed_by", closedBy).
		Msg("room closed")

	return closed, nil
}

// Room returns the current state of a room
func (m *Manager) Room(ctx context.Context, roomID string) (*types.Room, error) {
	return m.store.GetRoom(ctx, roomID)
}

// ListQueue returns waiting inquiries for the queue view
func (m *Manager) ListQueue(ctx context.Context, department string, status types.InquiryStatus, limit int) ([]types.Inquiry, error) {
	return m.store.ListInquiries(ctx, storage.InquiryFilter{Status: status, Department: department, Limit: limit})
}

// delegate hands the inquiry to agent. When the agent filled up in the
// meantime another agent is selected, and the inquiry is queued once nobody
// has a free slot.
func (m *Manager) delegate(ctx context.Context, inquiry *types.Inquiry, room *types.Room, agent *types.SelectedAgent) (*types.Room, error) {
	for attempt := 1; ; attempt++ {
		routed, err := m.routing.DelegateInquiry(ctx, inquiry, agent)
		if errors.Is(err, routing.ErrAgentUnavailable) {
			if attempt >= routing.MaxReserveAttempts {
				return m.markQueued(ctx, inquiry)
			}
			agent, err = m.routing.GetNextAgent(ctx, inquiry.Department, "")
			if err != nil {
				return nil, err
			}
			if agent == nil {
				return m.markQueued(ctx, inquiry)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if routed.ServedBy != nil && routed.ServedBy.AgentID == agent.AgentID {
			m.capacity.MarkActive(ctx, room)
		}
		return routed, nil
	}
}

// markQueued persists the inquiry as queued. The queued event and hooks fire
// only on an actual transition into queued.
func (m *Manager) markQueued(ctx context.Context, inquiry *types.Inquiry) (*types.Room, error) {
	transition := true
	if current, err := m.store.GetInquiry(ctx, inquiry.ID); err == nil {
		transition = current.Status != types.InquiryQueued || current.QueuedAt == nil
	}

	err := m.store.MarkInquiryQueued(ctx, inquiry.ID, m.now().UTC())
	switch {
	case errors.Is(err, storage.ErrConflict):
		// taken in the meantime
		return m.store.GetRoom(ctx, inquiry.RoomID)
	case err != nil:
		return nil, fmt.Errorf("failed to queue inquiry %s: %w", inquiry.ID, err)
	}

	if transition {
		queued := *inquiry
		queued.Status = types.InquiryQueued

		metrics.Get().RecordInquiryQueued(inquiry.Department)
		m.notify(ctx, types.Event{
			Type:       types.EventInquiryQueued,
			RoomID:     inquiry.RoomID,
			InquiryID:  inquiry.ID,
			Department: inquiry.Department,
		})
		m.hooks.AfterInquiryQueued(ctx, queued)

		m.logger.Debug().
			Str("inquiry_id", inquiry.ID).
			Str("room_id", inquiry.RoomID).
			Str("department", inquiry.Department).
			Msg("inquiry queued")
	}

	return m.store.GetRoom(ctx, inquiry.RoomID)
}

func (m *Manager) notify(ctx context.Context, evt types.Event) {
	if m.notifier != nil {
		m.notifier.Notify(ctx, evt)
	}
}
