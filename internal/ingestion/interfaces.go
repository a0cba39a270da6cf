package ingestion

import (
	"context"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
)

// EventProcessor processes agent events from any source (agent desktop, gateway, roster sync)
type EventProcessor interface {
	ProcessRegister(reg *types.AgentRegister)
	ProcessHeartbeat(hb *types.AgentHeartbeat)
	ProcessStatusChange(sc *types.AgentStatusChange)
	ProcessChatClosed(cc *types.ChatClosed)
}

// RoomCloser closes a room and releases its agent
type RoomCloser interface {
	Room(ctx context.Context, roomID string) (*types.Room, error)
	CloseRoom(ctx context.Context, roomID, closedBy string) (*types.Room, error)
}
