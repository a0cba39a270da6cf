package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/auth"
	"github.com/dennisdiepolder/monti/omnichannel/internal/capacity"
	"github.com/dennisdiepolder/monti/omnichannel/internal/queue"
	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// RoomFinder looks up open rooms
type RoomFinder interface {
	FindOpenRoomByVisitor(ctx context.Context, token string) (*types.Room, error)
	FindOpenRoomsByDepartment(ctx context.Context, department string) ([]types.Room, error)
}

// HistoryHandler provides read endpoints over rooms and contact usage
type HistoryHandler struct {
	rooms    RoomFinder
	contacts storage.ContactStore
	macLimit int
	logger   zerolog.Logger
	now      func() time.Time
}

// NewHistoryHandler creates a new HistoryHandler
func NewHistoryHandler(rooms RoomFinder, contacts storage.ContactStore, macLimit int, logger zerolog.Logger) *HistoryHandler {
	return &HistoryHandler{
		rooms:    rooms,
		contacts: contacts,
		macLimit: macLimit,
		logger:   logger.With().Str("component", "history_handler").Logger(),
		now:      time.Now,
	}
}

// GetDepartmentRooms returns the open rooms of a department
// GET /api/departments/{departmentId}/rooms
func (h *HistoryHandler) GetDepartmentRooms(w http.ResponseWriter, r *http.Request) {
	dept := chi.URLParam(r, "departmentId")
	if claims, ok := auth.GetUserFromContext(r.Context()); ok && !claims.IsDepartmentAllowed(dept) {
		http.Error(w, "department not allowed", http.StatusForbidden)
		return
	}

	rooms, err := h.rooms.FindOpenRoomsByDepartment(r.Context(), dept)
	if err != nil {
		h.logger.Error().Err(err).Str("department", dept).Msg("failed to list open rooms")
		http.Error(w, "failed to retrieve rooms", http.StatusInternalServerError)
		return
	}
	if rooms == nil {
		rooms = []types.Room{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rooms)
}

// GetVisitorRoom returns the open room of a visitor
// GET /api/visitors/{token}/room
func (h *HistoryHandler) GetVisitorRoom(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	room, err := h.rooms.FindOpenRoomByVisitor(r.Context(), token)
	if err != nil {
		queue.WriteError(w, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(room)
}

// GetContacts returns monthly active contact usage
// GET /api/contacts?period=YYYY-MM
func (h *HistoryHandler) GetContacts(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = capacity.Period(h.now())
	} else if _, err := time.Parse("2006-01", period); err != nil {
		http.Error(w, "period must be YYYY-MM", http.StatusBadRequest)
		return
	}

	count, err := h.contacts.CountActiveContacts(r.Context(), period)
	if err != nil {
		h.logger.Error().Err(err).Str("period", period).Msg("failed to count active contacts")
		http.Error(w, "failed to retrieve contacts", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"period": period,
		"active": count,
		"limit":  h.macLimit,
	})
}
