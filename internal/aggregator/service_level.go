package aggregator

import (
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
)

// slTracker counts answers for one department within a single build
type slTracker struct {
	target        int
	threshold     time.Duration
	answeredInSL  int
	totalAnswered int
}

func newSLTracker(target int, threshold time.Duration) *slTracker {
	return &slTracker{target: target, threshold: threshold}
}

// recordAnswer records an inquiry being taken after waiting wait
func (s *slTracker) recordAnswer(wait time.Duration) {
	s.totalAnswered++
	if wait <= s.threshold {
		s.answeredInSL++
	}
}

// current returns the service level percentage; 100 when nothing was answered
func (s *slTracker) current() float64 {
	if s.totalAnswered == 0 {
		return 100.0
	}
	return float64(s.answeredInSL) / float64(s.totalAnswered) * 100.0
}

func (s *slTracker) snapshot() *types.ServiceLevel {
	return &types.ServiceLevel{
		Target:        s.target,
		ThresholdSecs: int(s.threshold.Seconds()),
		AnsweredInSL:  s.answeredInSL,
		TotalAnswered: s.totalAnswered,
		CurrentSL:     s.current(),
	}
}
