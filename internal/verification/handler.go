package verification

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// VisitorTokenHeader carries the room visitor's token on verification requests
const VisitorTokenHeader = "X-Visitor-Token"

// Handler exposes the verification transitions over HTTP
type Handler struct {
	machine *Machine
	logger  zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(machine *Machine, logger zerolog.Logger) *Handler {
	return &Handler{
		machine: machine,
		logger:  logger.With().Str("component", "verification_handler").Logger(),
	}
}

// Routes mounts the verification endpoints on r
func (h *Handler) Routes(r chi.Router) {
	r.Post("/rooms/{roomId}/verification/initiate", h.HandleInitiate)
	r.Post("/rooms/{roomId}/verification/email", h.HandleEmail)
	r.Post("/rooms/{roomId}/verification/code", h.HandleCode)
}

// HandleInitiate handles POST /api/rooms/{roomId}/verification/initiate
func (h *Handler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	result, err := h.machine.Initiate(r.Context(), chi.URLParam(r, "roomId"), r.Header.Get(VisitorTokenHeader))
	h.respond(w, result, err)
}

// HandleEmail handles POST /api/rooms/{roomId}/verification/email
func (h *Handler) HandleEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	result, err := h.machine.SubmitEmail(r.Context(), chi.URLParam(r, "roomId"), visitorToken(r, body.Token), body.Email)
	h.respond(w, result, err)
}

// HandleCode handles POST /api/rooms/{roomId}/verification/code
func (h *Handler) HandleCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code  string `json:"code"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	result, err := h.machine.SubmitCode(r.Context(), chi.URLParam(r, "roomId"), visitorToken(r, body.Token), body.Code)
	h.respond(w, result, err)
}

// visitorToken prefers the header over the body field
func visitorToken(r *http.Request, fromBody string) string {
	if token := r.Header.Get(VisitorTokenHeader); token != "" {
		return token
	}
	return fromBody
}

func (h *Handler) respond(w http.ResponseWriter, result Result, err error) {
	status := http.StatusOK
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyEmail), errors.Is(err, ErrMissingRoomID):
			status = http.StatusBadRequest
		case errors.Is(err, ErrMissingToken):
			status = http.StatusUnauthorized
		case errors.Is(err, ErrNotRoomVisitor):
			status = http.StatusForbidden
		case errors.Is(err, storage.ErrRoomNotFound):
			status = http.StatusNotFound
		case errors.Is(err, ErrResendTooSoon):
			status = http.StatusTooManyRequests
		case errors.Is(err, ErrRoomClosed), errors.Is(err, ErrNotListening):
			status = http.StatusConflict
		default:
			h.logger.Error().Err(err).Msg("verification request failed")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(result)
}
