package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dennisdiepolder/monti/omnichannel/internal/auth"
	"github.com/dennisdiepolder/monti/omnichannel/internal/cache"
	"github.com/dennisdiepolder/monti/omnichannel/internal/queue"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Disconnector force-closes agent connections
type Disconnector interface {
	ForceDisconnect(agentID string) bool
}

// Transferrer moves a served room to another agent
type Transferrer interface {
	TransferRoom(ctx context.Context, roomID, department string) (*types.Room, error)
}

// RoomReader loads a room
type RoomReader interface {
	Room(ctx context.Context, roomID string) (*types.Room, error)
}

// AgentActionsHandler provides REST endpoints for agent control actions
type AgentActionsHandler struct {
	agentHub    Disconnector
	tracker     *cache.AgentStateTracker
	rooms       RoomReader
	transferrer Transferrer
	logger      zerolog.Logger
}

// NewAgentActionsHandler creates a new AgentActionsHandler
func NewAgentActionsHandler(agentHub Disconnector, tracker *cache.AgentStateTracker, rooms RoomReader, transferrer Transferrer, logger zerolog.Logger) *AgentActionsHandler {
	return &AgentActionsHandler{
		agentHub:    agentHub,
		tracker:     tracker,
		rooms:       rooms,
		transferrer: transferrer,
		logger:      logger.With().Str("component", "agent_actions").Logger(),
	}
}

// Logout handles POST /api/agents/{agentId}/logout
func (h *AgentActionsHandler) Logout(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if agentID == "" {
		http.Error(w, "agentId is required", http.StatusBadRequest)
		return
	}

	// stop routing to the agent even if the socket is already gone
	h.tracker.SetStatus(agentID, types.AgentOffline)

	// Force-disconnect the agent (hub handles cleanup)
	ok := h.agentHub.ForceDisconnect(agentID)
	if !ok {
		http.Error(w, "agent not connected", http.StatusNotFound)
		return
	}

	h.logger.Info().
		Str("agent_id", agentID).
		Msg("force-disconnected agent via API")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message": "agent logged out",
		"agentId": agentID,
	})
}

type transferBody struct {
	Department string `json:"department,omitempty"`
}

// Transfer handles POST /api/rooms/{roomId}/transfer
func (h *AgentActionsHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	var body transferBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}

	room, err := h.rooms.Room(r.Context(), roomID)
	if err != nil {
		queue.WriteError(w, err, h.logger)
		return
	}

	target := body.Department
	if target == "" {
		target = room.Department
	}
	if claims, ok := auth.GetUserFromContext(r.Context()); ok {
		if !claims.IsDepartmentAllowed(room.Department) || !claims.IsDepartmentAllowed(target) {
			http.Error(w, "department not allowed", http.StatusForbidden)
			return
		}
	}

	updated, err := h.transferrer.TransferRoom(r.Context(), roomID, body.Department)
	if err != nil {
		queue.WriteError(w, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(updated)
}
