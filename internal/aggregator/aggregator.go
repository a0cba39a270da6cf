package aggregator

import (
	"context"
	"sort"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/cache"
	"github.com/dennisdiepolder/monti/omnichannel/internal/metrics"
	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/rs/zerolog"
)

// Broadcaster delivers snapshots to dashboards
type Broadcaster interface {
	Broadcast(snap *types.Snapshot)
	ClientCount() int
}

// InquiryLister reads the open inquiries
type InquiryLister interface {
	ListInquiries(ctx context.Context, filter storage.InquiryFilter) ([]types.Inquiry, error)
}

// Aggregator builds per-department queue snapshots and broadcasts them
type Aggregator struct {
	inquiries    InquiryLister
	departments  storage.DepartmentStore
	cache        *cache.EventCache
	stateTracker *cache.AgentStateTracker
	hub          Broadcaster
	logger       zerolog.Logger
	now          func() time.Time

	slTarget    int
	slThreshold time.Duration
}

// NewAggregator creates a new aggregator
func NewAggregator(inquiries InquiryLister, departments storage.DepartmentStore, cache *cache.EventCache, stateTracker *cache.AgentStateTracker, hub Broadcaster, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		inquiries:    inquiries,
		departments:  departments,
		cache:        cache,
		stateTracker: stateTracker,
		hub:          hub,
		logger:       logger.With().Str("component", "aggregator").Logger(),
		now:          time.Now,
	}
}

// SetServiceLevel enables service level reporting. A zero threshold disables it.
func (a *Aggregator) SetServiceLevel(target int, threshold time.Duration) {
	a.slTarget = target
	a.slThreshold = threshold
}

// Start begins aggregating queue state and broadcasting snapshots
func (a *Aggregator) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info().Dur("interval", interval).Msg("aggregator started")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("aggregator stopped")
			return

		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick runs one aggregation cycle
func (a *Aggregator) Tick(ctx context.Context) {
	m := metrics.Get()
	cycleStart := time.Now()

	events, dropped := a.cache.GetAndClear()
	if dropped > 0 {
		a.logger.Warn().Int("dropped", dropped).Msg("event cache overflowed between ticks")
	}

	m.UpdateAgentStats(a.stateTracker.GetAll())

	snap, err := a.Build(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to build snapshot")
		m.RecordAggregationError()
		return
	}

	applyActivity(snap, events)
	m.UpdateQueueDepth(snap.Queues)
	a.hub.Broadcast(snap)
	m.RecordAggregationCycle(time.Since(cycleStart))

	a.logger.Debug().
		Int("recent_events", len(events)).
		Int("queues", len(snap.Queues)).
		Int("clients", a.hub.ClientCount()).
		Msg("snapshot broadcasted")
}

// Build assembles the snapshot. Every known department gets a queue entry;
// inquiries without a department are reported under the empty department.
func (a *Aggregator) Build(ctx context.Context) (*types.Snapshot, error) {
	now := a.now()

	depts, err := a.departments.ListDepartments(ctx)
	if err != nil {
		return nil, err
	}

	queues := make(map[string]*types.QueueSnapshot, len(depts)+1)
	entry := func(id string) *types.QueueSnapshot {
		q, ok := queues[id]
		if !ok {
			q = &types.QueueSnapshot{
				Department:      id,
				OnlineAgents:    a.stateTracker.CountOnline(id),
				AvailableAgents: len(a.stateTracker.GetAvailableByDepartment(id)),
			}
			queues[id] = q
		}
		return q
	}

	for _, d := range depts {
		if d.Enabled {
			entry(d.ID).Name = d.Name
		}
	}

	for _, status := range []types.InquiryStatus{types.InquiryQueued, types.InquiryReady} {
		inquiries, err := a.inquiries.ListInquiries(ctx, storage.InquiryFilter{Status: status})
		if err != nil {
			return nil, err
		}
		for i := range inquiries {
			q := entry(inquiries[i].Department)
			if status == types.InquiryQueued {
				q.Queued++
			} else {
				q.Ready++
			}
			if wait := inquiries[i].WaitTime(now).Seconds(); wait > q.LongestWaitSecs {
				q.LongestWaitSecs = wait
			}
		}
	}

	if a.slThreshold > 0 {
		if err := a.addServiceLevels(ctx, entry, queues); err != nil {
			return nil, err
		}
	}

	snap := &types.Snapshot{
		Type:      "snapshot",
		Timestamp: now,
		Queues:    make([]types.QueueSnapshot, 0, len(queues)),
	}
	for _, q := range queues {
		snap.Queues = append(snap.Queues, *q)
	}
	sort.Slice(snap.Queues, func(i, j int) bool {
		return snap.Queues[i].Department < snap.Queues[j].Department
	})
	return snap, nil
}

// addServiceLevels measures the taken inquiries still on record. Departments
// without answers report 100%.
func (a *Aggregator) addServiceLevels(ctx context.Context, entry func(string) *types.QueueSnapshot, queues map[string]*types.QueueSnapshot) error {
	taken, err := a.inquiries.ListInquiries(ctx, storage.InquiryFilter{Status: types.InquiryTaken})
	if err != nil {
		return err
	}

	trackers := make(map[string]*slTracker)
	for i := range taken {
		inq := &taken[i]
		if inq.TakenAt == nil {
			continue
		}
		entry(inq.Department)
		t, ok := trackers[inq.Department]
		if !ok {
			t = newSLTracker(a.slTarget, a.slThreshold)
			trackers[inq.Department] = t
		}
		t.recordAnswer(inq.TakenAt.Sub(inq.CreatedAt))
	}

	for id, q := range queues {
		t, ok := trackers[id]
		if !ok {
			t = newSLTracker(a.slTarget, a.slThreshold)
		}
		q.ServiceLevel = t.snapshot()
	}
	return nil
}

// applyActivity attaches per-department event counts to the snapshot queues.
// Events for departments without a queue entry are not reported.
func applyActivity(snap *types.Snapshot, events []types.Event) {
	byDept := make(map[string]*types.QueueActivity, len(snap.Queues))
	for i := range snap.Queues {
		act := &types.QueueActivity{}
		snap.Queues[i].Activity = act
		byDept[snap.Queues[i].Department] = act
	}

	for _, e := range events {
		act, ok := byDept[e.Department]
		if !ok {
			continue
		}
		switch e.Type {
		case types.EventRoomStarted:
			act.Started++
		case types.EventInquiryQueued:
			act.Queued++
		case types.EventInquiryTaken:
			act.Taken++
		case types.EventRoomClosed:
			act.Closed++
		case types.EventRoomTransferred:
			act.Transferred++
		}
	}
}
