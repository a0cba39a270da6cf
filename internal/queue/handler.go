package queue

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dennisdiepolder/monti/omnichannel/internal/auth"
	"github.com/dennisdiepolder/monti/omnichannel/internal/routing"
	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler exposes queue operations over HTTP
type Handler struct {
	mgr    *Manager
	logger zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(mgr *Manager, logger zerolog.Logger) *Handler {
	return &Handler{
		mgr:    mgr,
		logger: logger.With().Str("component", "queue_handler").Logger(),
	}
}

// Routes mounts the queue endpoints on r
func (h *Handler) Routes(r chi.Router) {
	h.VisitorRoutes(r)
	h.AgentRoutes(r)
	h.ManagementRoutes(r)
}

// VisitorRoutes mounts the endpoints used by the chat widget
func (h *Handler) VisitorRoutes(r chi.Router) {
	r.Post("/livechat/rooms", h.HandleRequestRoom)
}

// AgentRoutes mounts the endpoints every authenticated agent may call
func (h *Handler) AgentRoutes(r chi.Router) {
	r.Get("/inquiries/queued", h.HandleListQueued)
	r.Post("/inquiries/{inquiryId}/take", h.HandleTake)
}

// ManagementRoutes mounts the queue-management endpoints reserved for
// managers and admins
func (h *Handler) ManagementRoutes(r chi.Router) {
	r.Post("/inquiries/{inquiryId}/requeue", h.HandleRequeue)
	r.Post("/rooms/{roomId}/unarchive", h.HandleUnarchive)
	r.Post("/rooms/{roomId}/close", h.HandleClose)
}

// requestRoomBody is the JSON body for POST /api/livechat/rooms
type requestRoomBody struct {
	Visitor types.Visitor        `json:"visitor"`
	Message types.Message        `json:"message"`
	Info    types.RoomInfo       `json:"roomInfo"`
	Agent   *types.SelectedAgent `json:"agent,omitempty"`
	Extra   map[string]string    `json:"extraData,omitempty"`
}

// HandleRequestRoom handles POST /api/livechat/rooms
func (h *Handler) HandleRequestRoom(w http.ResponseWriter, r *http.Request) {
	var body requestRoomBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	room, err := h.mgr.RequestRoom(r.Context(), RoomRequest{
		Visitor: body.Visitor,
		Message: body.Message,
		Info:    body.Info,
		Agent:   body.Agent,
		Extra:   body.Extra,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, room)
}

// HandleListQueued handles GET /api/inquiries/queued?department=&limit=
func (h *Handler) HandleListQueued(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	inquiries, err := h.mgr.ListQueue(r.Context(), r.URL.Query().Get("department"), types.InquiryQueued, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if inquiries == nil {
		inquiries = []types.Inquiry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(inquiries),
		"inquiries": inquiries,
	})
}

// HandleRequeue handles POST /api/inquiries/{inquiryId}/requeue
func (h *Handler) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	inquiryID := chi.URLParam(r, "inquiryId")
	if inquiryID == "" {
		http.Error(w, "inquiryId is required", http.StatusBadRequest)
		return
	}

	room, err := h.mgr.PromoteInquiry(r.Context(), inquiryID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// takeBody is the JSON body for POST /api/inquiries/{inquiryId}/take
type takeBody struct {
	AgentID string `json:"agentId"`
}

// HandleTake handles POST /api/inquiries/{inquiryId}/take
func (h *Handler) HandleTake(w http.ResponseWriter, r *http.Request) {
	inquiryID := chi.URLParam(r, "inquiryId")

	var body takeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if inquiryID == "" || body.AgentID == "" {
		http.Error(w, "inquiryId and agentId are required", http.StatusBadRequest)
		return
	}

	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !canTakeFor(claims, body.AgentID) {
		h.logger.Warn().
			Str("email", claims.Email).
			Str("agent_id", body.AgentID).
			Msg("take on behalf of another agent refused")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	room, err := h.mgr.TakeInquiry(r.Context(), inquiryID, body.AgentID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// canTakeFor reports whether the caller may take inquiries for agentID.
// Agents act only for themselves, identified by subject or email.
func canTakeFor(claims *auth.Claims, agentID string) bool {
	if claims.Role == auth.RoleAdmin || claims.Role == auth.RoleManager {
		return true
	}
	return agentID == claims.Subject || (claims.Email != "" && agentID == claims.Email)
}

// HandleUnarchive handles POST /api/rooms/{roomId}/unarchive
func (h *Handler) HandleUnarchive(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	room, result, err := h.mgr.UnarchiveRoom(r.Context(), roomID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room":     room,
		"reopened": result.Reopened,
		"reason":   result.Reason,
	})
}

// closeBody is the JSON body for POST /api/rooms/{roomId}/close
type closeBody struct {
	ClosedBy string `json:"closedBy"`
}

// HandleClose handles POST /api/rooms/{roomId}/close
func (h *Handler) HandleClose(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	body := closeBody{ClosedBy: "agent"}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}

	room, err := h.mgr.CloseRoom(r.Context(), roomID, body.ClosedBy)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	WriteError(w, err, h.logger)
}

// WriteError maps a queue or storage error to its HTTP response
func WriteError(w http.ResponseWriter, err error, logger zerolog.Logger) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  ErrInvalidInput.Error(),
			"issues": ve.Issues,
		})
	case errors.Is(err, routing.ErrNoAgentOnline):
		writeJSON(w, http.StatusConflict, map[string]string{"error": routing.ErrNoAgentOnline.Error()})
	case errors.Is(err, ErrAgentNotEligible), errors.Is(err, routing.ErrRoomNotServed),
		errors.Is(err, ErrAwaitingVerification), errors.Is(err, ErrInquiryTaken), errors.Is(err, ErrRoomClosed):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, storage.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "conflict"})
	case errors.Is(err, ErrRoomAccessDenied):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, storage.ErrRoomNotFound), errors.Is(err, storage.ErrInquiryNotFound),
		errors.Is(err, storage.ErrVisitorNotFound), errors.Is(err, storage.ErrDepartmentNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		logger.Error().Err(err).Msg("request failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
