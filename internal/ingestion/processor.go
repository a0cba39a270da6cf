package ingestion

import (
	"context"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/cache"
	"github.com/dennisdiepolder/monti/omnichannel/internal/metrics"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/rs/zerolog"
)

// closeTimeout bounds a room close triggered by an agent
const closeTimeout = 5 * time.Second

// DefaultProcessor implements EventProcessor by delegating to AgentStateTracker
type DefaultProcessor struct {
	tracker *cache.AgentStateTracker
	closer  RoomCloser
	logger  zerolog.Logger

	// applied when an agent registers without a chat limit
	defaultMaxChats int
}

// NewDefaultProcessor creates a new DefaultProcessor
func NewDefaultProcessor(tracker *cache.AgentStateTracker, logger zerolog.Logger) *DefaultProcessor {
	return &DefaultProcessor{
		tracker: tracker,
		logger:  logger.With().Str("component", "processor").Logger(),
	}
}

// SetRoomCloser sets the room closer (to avoid circular init)
func (p *DefaultProcessor) SetRoomCloser(rc RoomCloser) {
	p.closer = rc
}

// SetDefaultMaxChats sets the chat limit for agents that register without one
func (p *DefaultProcessor) SetDefaultMaxChats(n int) {
	p.defaultMaxChats = n
}

func (p *DefaultProcessor) ProcessRegister(reg *types.AgentRegister) {
	if reg.MaxChats <= 0 && p.defaultMaxChats > 0 {
		reg.MaxChats = p.defaultMaxChats
	}
	p.tracker.RegisterAgent(reg)
	metrics.Get().RecordEventProcessed()

	p.logger.Debug().
		Str("agent_id", reg.AgentID).
		Str("status", string(reg.Status)).
		Strs("departments", reg.Departments).
		Msg("agent registered via processor")
}

func (p *DefaultProcessor) ProcessHeartbeat(hb *types.AgentHeartbeat) {
	p.tracker.UpdateFromHeartbeat(hb)
	metrics.Get().RecordEventProcessed()
}

func (p *DefaultProcessor) ProcessStatusChange(sc *types.AgentStatusChange) {
	p.tracker.UpdateFromStatusChange(sc)
	metrics.Get().RecordEventProcessed()

	p.logger.Debug().
		Str("agent_id", sc.AgentID).
		Str("prev_status", string(sc.PreviousStatus)).
		Str("new_status", string(sc.NewStatus)).
		Msg("agent status change via processor")
}

func (p *DefaultProcessor) ProcessChatClosed(cc *types.ChatClosed) {
	if p.closer == nil || cc.RoomID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	room, err := p.closer.Room(ctx, cc.RoomID)
	if err == nil && (room.ServedBy == nil || room.ServedBy.AgentID != cc.AgentID) {
		metrics.Get().RecordEventError()
		p.logger.Warn().
			Str("agent_id", cc.AgentID).
			Str("room_id", cc.RoomID).
			Msg("chat_closed from an agent not serving the room, ignoring")
		return
	}
	if err == nil {
		_, err = p.closer.CloseRoom(ctx, cc.RoomID, cc.AgentID)
	}
	if err != nil {
		metrics.Get().RecordEventError()
		p.logger.Error().Err(err).
			Str("agent_id", cc.AgentID).
			Str("room_id", cc.RoomID).
			Msg("failed to close room for chat_closed")
		return
	}
	metrics.Get().RecordEventProcessed()

	p.logger.Debug().
		Str("agent_id", cc.AgentID).
		Str("room_id", cc.RoomID).
		Msg("chat closed via processor")
}
