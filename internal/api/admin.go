package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/auth"
	"github.com/dennisdiepolder/monti/omnichannel/internal/cache"
	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Drainer runs one pass over the waiting queue
type Drainer interface {
	Drain(ctx context.Context) int
}

// AdminHandler serves operator endpoints for the queue, departments and agent state
type AdminHandler struct {
	stateTracker *cache.AgentStateTracker
	catalog      *storage.Catalog
	drainer      Drainer
	logger       zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler. drainer may be nil when the
// queue worker is disabled (manual routing).
func NewAdminHandler(stateTracker *cache.AgentStateTracker, catalog *storage.Catalog, drainer Drainer, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		stateTracker: stateTracker,
		catalog:      catalog,
		drainer:      drainer,
		logger:       logger.With().Str("component", "admin").Logger(),
	}
}

// RequireAdmin middleware, only admin role allowed
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.GetUserFromContext(r.Context())
		if !ok || !auth.HasRole(claims, auth.RoleAdmin) {
			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Routes mounts the admin endpoints
func (h *AdminHandler) Routes(r chi.Router) {
	r.Post("/queue/drain", h.DrainQueue)
	r.Get("/departments", h.ListDepartments)
	r.Put("/departments/{departmentId}", h.UpsertDepartment)
	r.Get("/agents", h.ListAgents)
	r.Post("/agents/cleanup", h.CleanupAgents)
	r.Post("/reset", h.ResetMemory)
}

// DrainQueue handles POST /api/admin/queue/drain
func (h *AdminHandler) DrainQueue(w http.ResponseWriter, r *http.Request) {
	if h.drainer == nil {
		http.Error(w, `{"error":"queue worker disabled"}`, http.StatusConflict)
		return
	}

	promoted := h.drainer.Drain(r.Context())
	h.logger.Info().Int("promoted", promoted).Msg("queue drained via admin")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":  "queue drained",
		"promoted": promoted,
	})
}

// ListDepartments handles GET /api/admin/departments
func (h *AdminHandler) ListDepartments(w http.ResponseWriter, r *http.Request) {
	depts, err := h.catalog.ListDepartments(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list departments")
		http.Error(w, "failed to list departments", http.StatusInternalServerError)
		return
	}
	if depts == nil {
		depts = []types.Department{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(depts)
}

// UpsertDepartment handles PUT /api/admin/departments/{departmentId}
func (h *AdminHandler) UpsertDepartment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "departmentId")

	var dept types.Department
	if err := json.NewDecoder(r.Body).Decode(&dept); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	dept.ID = id
	if dept.FallbackDepartment == id {
		http.Error(w, `{"error":"department cannot fall back to itself"}`, http.StatusBadRequest)
		return
	}

	h.catalog.Upsert(dept)
	h.logger.Info().
		Str("department", id).
		Bool("enabled", dept.Enabled).
		Str("fallback", dept.FallbackDepartment).
		Msg("department updated via admin")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dept)
}

// ListAgents handles GET /api/admin/agents
func (h *AdminHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.stateTracker.GetAll())
}

// CleanupAgents handles POST /api/admin/agents/cleanup?maxAge=10m
func (h *AdminHandler) CleanupAgents(w http.ResponseWriter, r *http.Request) {
	maxAge := 10 * time.Minute
	if raw := r.URL.Query().Get("maxAge"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			http.Error(w, `{"error":"invalid maxAge"}`, http.StatusBadRequest)
			return
		}
		maxAge = d
	}

	removed := h.stateTracker.RemoveDisconnected(maxAge)
	h.logger.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("disconnected agents removed via admin")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "disconnected agents removed",
		"removed": removed,
	})
}

// ResetMemory clears the in-memory agent tracker
func (h *AdminHandler) ResetMemory(w http.ResponseWriter, r *http.Request) {
	agentsCleared := h.stateTracker.Clear()

	h.logger.Info().
		Int("agents", agentsCleared).
		Msg("backend memory reset")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":       "backend memory reset",
		"agentsCleared": agentsCleared,
	})
}
