package queue

import (
	"context"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/metrics"
	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/rs/zerolog"
)

// DefaultDrainInterval is how often the worker retries waiting inquiries
const DefaultDrainInterval = time.Second

// Worker periodically hands waiting inquiries to agents that became available
type Worker struct {
	mgr      *Manager
	interval time.Duration
	logger   zerolog.Logger
}

// NewWorker creates a new Worker
func NewWorker(mgr *Manager, interval time.Duration, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	return &Worker{
		mgr:      mgr,
		interval: interval,
		logger:   logger.With().Str("component", "queue_worker").Logger(),
	}
}

// Start runs the drain loop until the context is cancelled
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.interval).Msg("queue worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("queue worker stopped")
			return
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain makes a single pass over waiting inquiries, oldest first per
// priority, and returns how many rooms got an agent.
func (w *Worker) Drain(ctx context.Context) int {
	var waiting []types.Inquiry
	for _, status := range []types.InquiryStatus{types.InquiryReady, types.InquiryQueued} {
		inquiries, err := w.mgr.store.ListInquiries(ctx, storage.InquiryFilter{Status: status})
		if err != nil {
			w.logger.Error().Err(err).Str("status", string(status)).Msg("failed to list waiting inquiries")
			return 0
		}
		waiting = append(waiting, inquiries...)
	}

	// departments without an available agent are skipped for the rest of the pass
	exhausted := make(map[string]bool)
	served := 0

	for i := range waiting {
		if ctx.Err() != nil {
			break
		}
		inquiry := &waiting[i]
		if exhausted[inquiry.Department] {
			continue
		}
		if inquiry.DefaultAgent == nil && len(w.mgr.agents.GetAvailableByDepartment(inquiry.Department)) == 0 {
			exhausted[inquiry.Department] = true
			continue
		}

		room, err := w.mgr.PromoteInquiry(ctx, inquiry.ID)
		if err != nil {
			w.logger.Error().Err(err).
				Str("inquiry_id", inquiry.ID).
				Str("room_id", inquiry.RoomID).
				Msg("failed to drain inquiry")
			continue
		}
		if room != nil && room.ServedBy != nil {
			served++
		}
	}

	if served > 0 {
		metrics.Get().RecordQueueDrain(served)
		w.logger.Info().
			Int("served", served).
			Int("waiting", len(waiting)-served).
			Msg("queue drained")
	}
	return served
}
