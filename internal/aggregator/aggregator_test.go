package aggregator

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/cache"
	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/rs/zerolog"
)

type captureHub struct {
	snaps []*types.Snapshot
}

func (h *captureHub) Broadcast(snap *types.Snapshot) { h.snaps = append(h.snaps, snap) }
func (h *captureHub) ClientCount() int               { return 1 }

func newTestAggregator(t *testing.T) (*Aggregator, *storage.MemoryStore, *cache.AgentStateTracker, *captureHub) {
	agg, store, tracker, hub, _ := newTestAggregatorWithCache(t)
	return agg, store, tracker, hub
}

func newTestAggregatorWithCache(t *testing.T) (*Aggregator, *storage.MemoryStore, *cache.AgentStateTracker, *captureHub, *cache.EventCache) {
	t.Helper()
	store := storage.NewMemoryStore()
	catalog := storage.NewCatalog(
		types.Department{ID: "sales", Name: "Sales", Enabled: true},
		types.Department{ID: "support", Name: "Support", Enabled: true},
		types.Department{ID: "legacy", Name: "Legacy", Enabled: false},
	)
	tracker := cache.NewAgentStateTracker()
	hub := &captureHub{}
	events := cache.NewEventCache()
	agg := NewAggregator(store, catalog, events, tracker, hub, zerolog.New(&bytes.Buffer{}))
	return agg, store, tracker, hub, events
}

func addInquiry(t *testing.T, store *storage.MemoryStore, id, dept string, status types.InquiryStatus, created time.Time) {
	t.Helper()
	inq := &types.Inquiry{ID: id, RoomID: "room-" + id, Department: dept, Status: status, CreatedAt: created}
	if err := store.CreateInquiry(context.Background(), inq); err != nil {
		t.Fatalf("failed to create inquiry: %v", err)
	}
}

func TestBuildSnapshot(t *testing.T) {
	agg, store, tracker, _ := newTestAggregator(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return now }

	tracker.RegisterAgent(&types.AgentRegister{AgentID: "a1", Departments: []string{"sales"}, Status: types.AgentOnline, MaxChats: 2})

	addInquiry(t, store, "i1", "sales", types.InquiryQueued, now.Add(-90*time.Second))
	addInquiry(t, store, "i2", "sales", types.InquiryQueued, now.Add(-30*time.Second))
	addInquiry(t, store, "i3", "sales", types.InquiryReady, now.Add(-5*time.Second))
	addInquiry(t, store, "i4", "", types.InquiryQueued, now.Add(-10*time.Second))
	addInquiry(t, store, "i5", "support", types.InquiryTaken, now.Add(-time.Hour))

	snap, err := agg.Build(context.Background())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	byDept := map[string]types.QueueSnapshot{}
	for _, q := range snap.Queues {
		byDept[q.Department] = q
	}

	if len(byDept) != 3 {
		t.Fatalf("expected global, sales and support queues, got %+v", snap.Queues)
	}
	if _, ok := byDept["legacy"]; ok {
		t.Error("disabled department without inquiries should not be reported")
	}

	sales := byDept["sales"]
	if sales.Name != "Sales" || sales.Queued != 2 || sales.Ready != 1 {
		t.Errorf("unexpected sales queue %+v", sales)
	}
	if sales.LongestWaitSecs != 90 {
		t.Errorf("expected longest wait 90s, got %v", sales.LongestWaitSecs)
	}
	if sales.OnlineAgents != 1 || sales.AvailableAgents != 1 {
		t.Errorf("expected one online and available sales agent, got %+v", sales)
	}

	if support := byDept["support"]; support.Queued != 0 || support.Ready != 0 {
		t.Errorf("taken inquiries must not count, got %+v", support)
	}
	if global := byDept[""]; global.Queued != 1 {
		t.Errorf("expected one global queued inquiry, got %+v", global)
	}

	if snap.Queues[0].Department != "" || snap.Queues[1].Department != "sales" {
		t.Errorf("expected queues sorted by department, got %+v", snap.Queues)
	}
}

func TestTickBroadcasts(t *testing.T) {
	agg, store, _, hub := newTestAggregator(t)
	addInquiry(t, store, "i1", "support", types.InquiryQueued, time.Now())

	agg.Tick(context.Background())

	if len(hub.snaps) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(hub.snaps))
	}
	if hub.snaps[0].Type != "snapshot" {
		t.Errorf("expected snapshot type, got %q", hub.snaps[0].Type)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	agg, _, _, hub := newTestAggregator(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		agg.Start(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("aggregator did not stop")
	}
	if len(hub.snaps) == 0 {
		t.Error("expected at least one broadcast before cancel")
	}
}

func TestBuildSnapshot_ServiceLevel(t *testing.T) {
	agg, store, _, _ := newTestAggregator(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return now }
	agg.SetServiceLevel(80, 30*time.Second)

	taken := func(id, dept string, wait time.Duration) {
		created := now.Add(-time.Hour)
		at := created.Add(wait)
		inq := &types.Inquiry{ID: id, RoomID: "room-" + id, Department: dept, Status: types.InquiryTaken, CreatedAt: created, TakenAt: &at}
		if err := store.CreateInquiry(context.Background(), inq); err != nil {
			t.Fatalf("failed to create inquiry: %v", err)
		}
	}
	taken("t1", "sales", 10*time.Second)
	taken("t2", "sales", 30*time.Second)
	taken("t3", "sales", 2*time.Minute)
	taken("t4", "sales", 20*time.Second)

	snap, err := agg.Build(context.Background())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	for _, q := range snap.Queues {
		if q.ServiceLevel == nil {
			t.Fatalf("queue %q has no service level", q.Department)
		}
		switch q.Department {
		case "sales":
			sl := q.ServiceLevel
			if sl.TotalAnswered != 4 || sl.AnsweredInSL != 3 {
				t.Errorf("expected 3 of 4 answered in SL, got %+v", sl)
			}
			if sl.CurrentSL != 75 {
				t.Errorf("expected 75%%, got %v", sl.CurrentSL)
			}
			if sl.Target != 80 || sl.ThresholdSecs != 30 {
				t.Errorf("unexpected target/threshold %+v", sl)
			}
		case "support":
			if q.ServiceLevel.CurrentSL != 100 || q.ServiceLevel.TotalAnswered != 0 {
				t.Errorf("unanswered department should report 100%%, got %+v", q.ServiceLevel)
			}
		}
	}
}

func TestBuildSnapshot_ServiceLevelDisabled(t *testing.T) {
	agg, _, _, _ := newTestAggregator(t)

	snap, err := agg.Build(context.Background())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	for _, q := range snap.Queues {
		if q.ServiceLevel != nil {
			t.Errorf("service level should be omitted when disabled, got %+v", q.ServiceLevel)
		}
	}
}

func TestTickReportsActivity(t *testing.T) {
	agg, _, _, hub, events := newTestAggregatorWithCache(t)

	events.Add(types.Event{Type: types.EventRoomStarted, Department: "sales"})
	events.Add(types.Event{Type: types.EventInquiryTaken, Department: "sales"})
	events.Add(types.Event{Type: types.EventRoomClosed, Department: "sales"})
	events.Add(types.Event{Type: types.EventRoomTransferred, Department: "support"})
	events.Add(types.Event{Type: types.EventRoomStarted, Department: "unknown"})

	agg.Tick(context.Background())
	if len(hub.snaps) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(hub.snaps))
	}

	for _, q := range hub.snaps[0].Queues {
		act := q.Activity
		if act == nil {
			t.Fatalf("queue %q has no activity", q.Department)
		}
		switch q.Department {
		case "sales":
			if act.Started != 1 || act.Taken != 1 || act.Closed != 1 {
				t.Errorf("unexpected sales activity %+v", act)
			}
		case "support":
			if act.Transferred != 1 || act.Started != 0 {
				t.Errorf("unexpected support activity %+v", act)
			}
		}
	}

	if events.Size() != 0 {
		t.Error("expected the tick to drain the event cache")
	}

	agg.Tick(context.Background())
	for _, q := range hub.snaps[1].Queues {
		if *q.Activity != (types.QueueActivity{}) {
			t.Errorf("expected no activity on the second tick, got %+v", q.Activity)
		}
	}
}
