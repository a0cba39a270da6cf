package api

import (
	"encoding/json"
	"net/http"

	"github.com/dennisdiepolder/monti/omnichannel/internal/cache"
	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/rs/zerolog"
)

// RosterEntry is one agent known to the workforce system
type RosterEntry struct {
	AgentID     string   `json:"agentId"`
	Username    string   `json:"username"`
	Departments []string `json:"departments"`
	MaxChats    int      `json:"maxChats"`
}

// RosterRejection explains why an entry was not registered
type RosterRejection struct {
	Index   int    `json:"index"`
	AgentID string `json:"agentId,omitempty"`
	Reason  string `json:"reason"`
}

// RosterResult is the response of a roster sync
type RosterResult struct {
	Registered int               `json:"registered"`
	Skipped    int               `json:"skipped"`
	Rejected   []RosterRejection `json:"rejected,omitempty"`
}

// RosterHandler preloads agents as offline so routing and dashboards know
// them before their desktops connect
type RosterHandler struct {
	tracker     *cache.AgentStateTracker
	departments storage.DepartmentStore
	logger      zerolog.Logger
}

// NewRosterHandler creates a new RosterHandler. departments may be nil to
// accept any department name.
func NewRosterHandler(tracker *cache.AgentStateTracker, departments storage.DepartmentStore, logger zerolog.Logger) *RosterHandler {
	return &RosterHandler{
		tracker:     tracker,
		departments: departments,
		logger:      logger.With().Str("component", "roster").Logger(),
	}
}

// HandleRoster handles POST /internal/agents/roster
func (h *RosterHandler) HandleRoster(w http.ResponseWriter, r *http.Request) {
	var roster []RosterEntry
	if err := json.NewDecoder(r.Body).Decode(&roster); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	var result RosterResult
	for i, entry := range roster {
		reason := h.check(r, entry)
		if reason != "" {
			result.Skipped++
			result.Rejected = append(result.Rejected, RosterRejection{Index: i, AgentID: entry.AgentID, Reason: reason})
			continue
		}
		h.tracker.RegisterOfflineAgent(entry.AgentID, entry.Username, entry.Departments, entry.MaxChats)
		result.Registered++
	}

	h.logger.Info().
		Int("registered", result.Registered).
		Int("skipped", result.Skipped).
		Msg("roster received")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// check returns a rejection reason, or "" when the entry is usable
func (h *RosterHandler) check(r *http.Request, entry RosterEntry) string {
	if entry.AgentID == "" {
		return "missing agentId"
	}
	if entry.MaxChats < 0 {
		return "maxChats must not be negative"
	}
	if h.departments == nil {
		return ""
	}
	for _, dept := range entry.Departments {
		if _, err := h.departments.GetDepartment(r.Context(), dept); err != nil {
			return "unknown department " + dept
		}
	}
	return ""
}
