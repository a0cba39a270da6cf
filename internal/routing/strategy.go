package routing

import (
	"fmt"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
)

// Strategy selects the best agent to receive an inquiry
type Strategy interface {
	SelectAgent(available []types.AgentInfo) *types.AgentInfo
}

// LongestIdleFirst selects the agent who has held its current status the longest
type LongestIdleFirst struct{}

// SelectAgent picks the available agent with the oldest StatusStart time
func (l *LongestIdleFirst) SelectAgent(available []types.AgentInfo) *types.AgentInfo {
	if len(available) == 0 {
		return nil
	}

	oldest := &available[0]
	for i := 1; i < len(available); i++ {
		if available[i].StatusStart.Before(oldest.StatusStart) {
			oldest = &available[i]
		}
	}
	return oldest
}

// LeastBusy selects the agent with the fewest active chats, ties going to the longest idle
type LeastBusy struct{}

func (l *LeastBusy) SelectAgent(available []types.AgentInfo) *types.AgentInfo {
	if len(available) == 0 {
		return nil
	}

	best := &available[0]
	for i := 1; i < len(available); i++ {
		a := &available[i]
		switch {
		case a.ActiveChats < best.ActiveChats:
			best = a
		case a.ActiveChats == best.ActiveChats && a.StatusStart.Before(best.StatusStart):
			best = a
		}
	}
	return best
}

// StrategyByName maps the ROUTING_STRATEGY setting to a Strategy
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", "least_busy":
		return &LeastBusy{}, nil
	case "longest_idle":
		return &LongestIdleFirst{}, nil
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", name)
	}
}
