package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultMaxFallbackDepth bounds how many fallback hops are followed
const DefaultMaxFallbackDepth = 10

// OnlineCounter counts online agents in a department
type OnlineCounter interface {
	CountOnline(department string) int
}

// DepartmentResolver maps a requested department to one that can route now
type DepartmentResolver struct {
	departments storage.DepartmentStore
	agents      OnlineCounter
	maxDepth    int
	logger      zerolog.Logger
}

// NewDepartmentResolver creates a new DepartmentResolver
func NewDepartmentResolver(departments storage.DepartmentStore, agents OnlineCounter, maxDepth int, logger zerolog.Logger) *DepartmentResolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxFallbackDepth
	}
	return &DepartmentResolver{
		departments: departments,
		agents:      agents,
		maxDepth:    maxDepth,
		logger:      logger.With().Str("component", "department_resolver").Logger(),
	}
}

// Resolve returns the first department in the fallback chain starting at id
// that is enabled and has an online agent. An empty result means no routable
// department: either none was requested, or the chain ended, looped, pointed
// at an unknown department, or exceeded the depth limit.
func (r *DepartmentResolver) Resolve(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}

	visited := make(map[string]struct{}, 4)
	current := id
	for hops := 0; hops <= r.maxDepth; hops++ {
		if _, seen := visited[current]; seen {
			r.logger.Warn().
				Str("department", id).
				Str("cycle_at", current).
				Msg("department fallback cycle detected")
			return "", nil
		}
		visited[current] = struct{}{}

		dept, err := r.departments.GetDepartment(ctx, current)
		if errors.Is(err, storage.ErrDepartmentNotFound) {
			r.logger.Warn().
				Str("department", id).
				Str("missing", current).
				Msg("department in fallback chain not found")
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to load department %s: %w", current, err)
		}

		if dept.Enabled && r.agents.CountOnline(dept.ID) > 0 {
			if dept.ID != id {
				r.logger.Debug().
					Str("department", id).
					Str("resolved", dept.ID).
					Int("hops", hops).
					Msg("department resolved through fallback")
			}
			return dept.ID, nil
		}

		if dept.FallbackDepartment == "" {
			return "", nil
		}
		current = dept.FallbackDepartment
	}

	r.logger.Warn().
		Str("department", id).
		Int("max_depth", r.maxDepth).
		Msg("department fallback depth exceeded")
	return "", nil
}
