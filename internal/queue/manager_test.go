package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/cache"
	"github.com/dennisdiepolder/monti/omnichannel/internal/capacity"
	"github.com/dennisdiepolder/monti/omnichannel/internal/config"
	"github.com/dennisdiepolder/monti/omnichannel/internal/hooks"
	"github.com/dennisdiepolder/monti/omnichannel/internal/routing"
	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedChecker struct{ within bool }

func (c fixedChecker) IsWithinMacLimit(context.Context, *types.Room) (bool, error) {
	return c.within, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []types.Event
}

func (n *recordingNotifier) Notify(_ context.Context, evt types.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) count(t types.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, evt := range n.events {
		if evt.Type == t {
			c++
		}
	}
	return c
}

type harness struct {
	store    *storage.MemoryStore
	tracker  *cache.AgentStateTracker
	hooks    *hooks.Registry
	notifier *recordingNotifier
	mgr      *Manager
}

func newHarness(t *testing.T, opts Options, checker capacity.Checker) *harness {
	t.Helper()
	logger := zerolog.Nop()

	store := storage.NewMemoryStore()
	tracker := cache.NewAgentStateTracker()
	catalog := storage.NewCatalog(
		types.Department{ID: "sales", Name: "Sales", Enabled: true},
		types.Department{ID: "support", Name: "Support", Enabled: true, FallbackDepartment: "sales"},
		types.Department{ID: "billing", Name: "Billing", Enabled: true},
	)
	registry := hooks.NewRegistry(logger)
	notifier := &recordingNotifier{}

	rm := routing.NewManager(store, tracker, &routing.LeastBusy{}, routing.Options{
		AcceptChatsWithNoAgents:           opts.AcceptChatsWithNoAgents,
		PreferredAgentOverridesDepartment: true,
	}, logger)
	rm.SetHooks(registry)
	rm.SetNotifier(notifier)

	mgr := NewManager(Deps{
		Store:    store,
		Routing:  rm,
		Resolver: routing.NewDepartmentResolver(catalog, tracker, routing.DefaultMaxFallbackDepth, logger),
		Capacity: capacity.NewLimiter(checker, store, logger),
		Notifier: notifier,
		Hooks:    registry,
	}, opts, logger)

	return &harness{store: store, tracker: tracker, hooks: registry, notifier: notifier, mgr: mgr}
}

func (h *harness) online(id string, depts ...string) {
	h.tracker.RegisterAgent(&types.AgentRegister{
		AgentID:     id,
		Username:    id,
		Departments: depts,
		Status:      types.AgentOnline,
	})
}

func roomRequest(roomID, department string) RoomRequest {
	token := "visitor-" + roomID
	return RoomRequest{
		Visitor: types.Visitor{Token: token, Name: "Visitor " + roomID, Department: department},
		Message: types.Message{ID: "msg-" + roomID, RoomID: roomID, Token: token, Text: "hello"},
		Info:    types.RoomInfo{Source: types.RoomSource{Type: "widget"}},
	}
}

func TestRequestRoomHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, nil)
	h.online("agent-1", "sales")

	room, err := h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
	require.NoError(t, err)
	require.NotNil(t, room.ServedBy)
	assert.Equal(t, "agent-1", room.ServedBy.AgentID)
	assert.Equal(t, "sales", room.Department)
	assert.True(t, room.Open)

	inquiry, err := h.store.FindInquiryByRoom(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, types.InquiryTaken, inquiry.Status)
	assert.Equal(t, "agent-1", inquiry.Agent.AgentID)

	agent, _ := h.tracker.GetAgent("agent-1")
	assert.Equal(t, 1, agent.ActiveChats)

	assert.Equal(t, 1, h.notifier.count(types.EventRoomStarted))
	assert.Equal(t, 1, h.notifier.count(types.EventInquiryTaken))
	assert.Zero(t, h.notifier.count(types.EventInquiryQueued))
}

func TestRequestRoomValidation(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.online("agent-1", "sales")

	req := roomRequest("R", "sales")
	req.Visitor.Token = ""
	req.Message.RoomID = ""

	room, err := h.mgr.RequestRoom(context.Background(), req)
	assert.Nil(t, room)
	require.ErrorIs(t, err, ErrInvalidInput)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Issues, 2)

	_, err = h.store.GetRoom(context.Background(), "R")
	assert.ErrorIs(t, err, storage.ErrRoomNotFound)
}

func TestRequestRoomRoutingPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		department string
		agent      *types.SelectedAgent
		setup      func(h *harness)
		wantErr    error
		wantServed string
	}{
		{
			name:    "offline agent without department fails even with agents online elsewhere",
			agent:   &types.SelectedAgent{AgentID: "agent-off"},
			setup:   func(h *harness) { h.online("agent-1", "sales") },
			wantErr: routing.ErrNoAgentOnline,
		},
		{
			name:       "online agent without department is served by that agent",
			agent:      &types.SelectedAgent{AgentID: "agent-2"},
			setup:      func(h *harness) { h.online("agent-1", "sales"); h.online("agent-2", "billing") },
			wantServed: "agent-2",
		},
		{
			name:    "no agent and no department with nobody online fails",
			setup:   func(h *harness) {},
			wantErr: routing.ErrNoAgentOnline,
		},
		{
			name:       "no agent and no department uses the global pool",
			setup:      func(h *harness) { h.online("agent-1", "billing") },
			wantServed: "agent-1",
		},
		{
			name:       "department falls back to the next routable one",
			department: "support",
			setup:      func(h *harness) { h.online("agent-1", "sales") },
			wantServed: "agent-1",
		},
		{
			name:       "unresolvable department fails even with an online agent requested",
			department: "billing",
			agent:      &types.SelectedAgent{AgentID: "agent-1"},
			setup:      func(h *harness) { h.online("agent-1", "sales") },
			wantErr:    routing.ErrNoAgentOnline,
		},
		{
			name:       "unknown department fails",
			department: "nope",
			setup:      func(h *harness) { h.online("agent-1", "sales") },
			wantErr:    routing.ErrNoAgentOnline,
		},
		{
			name:       "requested agent outside the department takes precedence",
			department: "sales",
			agent:      &types.SelectedAgent{AgentID: "agent-2"},
			setup:      func(h *harness) { h.online("agent-1", "sales"); h.online("agent-2", "billing") },
			wantServed: "agent-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{}, nil)
			tt.setup(h)

			req := roomRequest("R", tt.department)
			req.Agent = tt.agent

			room, err := h.mgr.RequestRoom(context.Background(), req)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				_, getErr := h.store.GetRoom(context.Background(), "R")
				assert.ErrorIs(t, getErr, storage.ErrRoomNotFound, "no room is created on failure")
				return
			}
			require.NoError(t, err)
			require.NotNil(t, room.ServedBy)
			assert.Equal(t, tt.wantServed, room.ServedBy.AgentID)
		})
	}
}

func TestRequestRoomQueuedThenDrained(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{AcceptChatsWithNoAgents: true}, nil)

	var queued atomic.Int32
	h.hooks.OnAfterInquiryQueued("count", func(context.Context, types.Inquiry) error {
		queued.Add(1)
		return nil
	})

	room, err := h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
	require.NoError(t, err)
	assert.Nil(t, room.ServedBy)
	assert.Equal(t, "sales", room.Department)

	before, err := h.store.FindInquiryByRoom(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, types.InquiryQueued, before.Status)
	require.NotNil(t, before.QueuedAt)

	worker := NewWorker(h.mgr, time.Second, zerolog.Nop())
	assert.Zero(t, worker.Drain(ctx), "nothing drains while nobody is online")

	h.online("agent-1", "sales")
	assert.Equal(t, 1, worker.Drain(ctx))

	after, err := h.store.FindInquiryByRoom(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID, "the same inquiry is delegated")
	assert.Equal(t, types.InquiryTaken, after.Status)

	served, err := h.store.GetRoom(ctx, "R")
	require.NoError(t, err)
	require.NotNil(t, served.ServedBy)
	assert.Equal(t, "agent-1", served.ServedBy.AgentID)

	all, err := h.store.ListInquiries(ctx, storage.InquiryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	h.hooks.Wait()
	assert.Equal(t, int32(1), queued.Load())
	assert.Equal(t, 1, h.notifier.count(types.EventInquiryQueued))
}

func TestRequeueInquiryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, nil)
	h.online("agent-1", "sales")

	room, err := h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
	require.NoError(t, err)
	require.Equal(t, "agent-1", room.ServedBy.AgentID)

	// a second, idle agent would win any new delegation
	h.online("agent-2", "sales")

	inquiry, err := h.store.FindInquiryByRoom(ctx, "R")
	require.NoError(t, err)
	require.Equal(t, types.InquiryTaken, inquiry.Status)

	for i := 0; i < 2; i++ {
		got, err := h.mgr.RequeueInquiry(ctx, inquiry, room, nil)
		require.NoError(t, err)
		assert.Equal(t, "agent-1", got.ServedBy.AgentID)
	}

	agent2, _ := h.tracker.GetAgent("agent-2")
	assert.Zero(t, agent2.ActiveChats)
	assert.Equal(t, 1, h.notifier.count(types.EventInquiryTaken))
}

func TestCapacityCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, fixedChecker{within: false})
	h.online("agent-1", "sales")

	room, err := h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
	require.NoError(t, err)
	assert.Nil(t, room.ServedBy)

	inquiry, err := h.store.FindInquiryByRoom(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, types.InquiryQueued, inquiry.Status)

	// force the inquiry to ready to check that both entry points still refuse to delegate
	require.NoError(t, h.store.MarkInquiryReady(ctx, inquiry.ID))
	inquiry.Status = types.InquiryReady

	got, err := h.mgr.QueueInquiry(ctx, inquiry, nil)
	require.NoError(t, err)
	assert.Nil(t, got.ServedBy)

	require.NoError(t, h.store.MarkInquiryReady(ctx, inquiry.ID))
	got, err = h.mgr.RequeueInquiry(ctx, inquiry, room, nil)
	require.NoError(t, err)
	assert.Nil(t, got.ServedBy)

	current, err := h.store.GetInquiry(ctx, inquiry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.InquiryQueued, current.Status)

	agent, _ := h.tracker.GetAgent("agent-1")
	assert.Zero(t, agent.ActiveChats, "no delegation happened")

	assert.Zero(t, NewWorker(h.mgr, 0, zerolog.Nop()).Drain(ctx))
}

func TestContactMarkedActiveOnDelegation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	h := newHarness(t, Options{}, capacity.NewMACLimiter(1, store))
	h.online("agent-1", "sales")

	_, err := h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
	require.NoError(t, err)

	active, err := h.store.IsContactActive(ctx, capacity.Period(time.Now()), "visitor-R")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestInquiryStatusMiddleware(t *testing.T) {
	ctx := context.Background()
	var calls int
	opts := Options{
		InquiryStatus: func(next InquiryStatusFunc) InquiryStatusFunc {
			return func(ctx context.Context, in StatusInput) types.InquiryStatus {
				calls++
				if in.Room.Source.Type == "email" {
					return types.InquiryQueued
				}
				return next(ctx, in)
			}
		},
	}
	h := newHarness(t, opts, nil)
	h.online("agent-1", "sales")

	req := roomRequest("R1", "sales")
	req.Info.Source.Type = "email"
	room, err := h.mgr.RequestRoom(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, room.ServedBy)

	room, err = h.mgr.RequestRoom(ctx, roomRequest("R2", "sales"))
	require.NoError(t, err)
	assert.NotNil(t, room.ServedBy)
	assert.Equal(t, 2, calls)
}

func TestManualRouting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Method: config.RoutingManual}, nil)
	h.online("agent-1", "sales")
	h.online("agent-2", "billing")

	room, err := h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
	require.NoError(t, err)
	assert.Nil(t, room.ServedBy)

	queued, err := h.mgr.ListQueue(ctx, "sales", types.InquiryQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	_, err = h.mgr.TakeInquiry(ctx, queued[0].ID, "agent-2")
	assert.ErrorIs(t, err, ErrAgentNotEligible)

	room, err = h.mgr.TakeInquiry(ctx, queued[0].ID, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, room.ServedBy)
	assert.Equal(t, "agent-1", room.ServedBy.AgentID)
}

func TestManualRoutingSkipQueue(t *testing.T) {
	h := newHarness(t, Options{Method: config.RoutingManual}, nil)
	h.tracker.RegisterAgent(&types.AgentRegister{
		AgentID:     "agent-1",
		Username:    "agent-1",
		Departments: []string{"sales"},
		SkipQueue:   true,
	})

	req := roomRequest("R", "sales")
	req.Agent = &types.SelectedAgent{AgentID: "agent-1"}

	room, err := h.mgr.RequestRoom(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, room.ServedBy)
	assert.Equal(t, "agent-1", room.ServedBy.AgentID)
}

func TestVerificationGatesRouting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, nil)
	h.online("agent-1", "sales")

	req := roomRequest("R", "sales")
	req.Info.RequireVerification = true

	room, err := h.mgr.RequestRoom(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, room.ServedBy)
	assert.True(t, room.AwaitingVerification())

	assert.Zero(t, NewWorker(h.mgr, 0, zerolog.Nop()).Drain(ctx))

	require.NoError(t, h.store.SetVerificationStatus(ctx, "R", types.VerificationSucceeded))
	inquiry, err := h.store.FindInquiryByRoom(ctx, "R")
	require.NoError(t, err)

	room, err = h.mgr.PromoteInquiry(ctx, inquiry.ID)
	require.NoError(t, err)
	require.NotNil(t, room.ServedBy)
	assert.Equal(t, "agent-1", room.ServedBy.AgentID)
}

func TestCloseRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, nil)
	h.online("agent-1", "sales")

	_, err := h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
	require.NoError(t, err)

	closed, err := h.mgr.CloseRoom(ctx, "R", "visitor")
	require.NoError(t, err)
	assert.False(t, closed.Open)
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, "visitor", closed.ClosedBy)

	_, err = h.store.FindInquiryByRoom(ctx, "R")
	assert.ErrorIs(t, err, storage.ErrInquiryNotFound)

	agent, _ := h.tracker.GetAgent("agent-1")
	assert.Zero(t, agent.ActiveChats)

	again, err := h.mgr.CloseRoom(ctx, "R", "agent")
	require.NoError(t, err)
	assert.Equal(t, "visitor", again.ClosedBy, "closing twice is a no-op")
	assert.Equal(t, 1, h.notifier.count(types.EventRoomClosed))

	_, err = h.mgr.CloseRoom(ctx, "missing", "agent")
	assert.ErrorIs(t, err, storage.ErrRoomNotFound)
}

func TestUnarchiveRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, nil)
	h.online("agent-1", "sales")

	_, err := h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
	require.NoError(t, err)
	first, err := h.store.FindInquiryByRoom(ctx, "R")
	require.NoError(t, err)

	room, result, err := h.mgr.UnarchiveRoom(ctx, "R")
	require.NoError(t, err)
	assert.False(t, result.Reopened)
	assert.Equal(t, ReasonAlreadyOpen, result.Reason)
	assert.Equal(t, "agent-1", room.ServedBy.AgentID, "open room is returned unchanged")

	_, err = h.mgr.CloseRoom(ctx, "R", "agent")
	require.NoError(t, err)

	// the previous agent is preferred over an idle one
	h.online("agent-2", "sales")

	room, result, err = h.mgr.UnarchiveRoom(ctx, "R")
	require.NoError(t, err)
	assert.True(t, result.Reopened)
	assert.True(t, room.Open)
	assert.Nil(t, room.ClosedAt)
	require.NotNil(t, room.ServedBy)
	assert.Equal(t, "agent-1", room.ServedBy.AgentID)

	second, err := h.store.FindInquiryByRoom(ctx, "R")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, types.InquiryTaken, second.Status)
	assert.Equal(t, 1, h.notifier.count(types.EventRoomUnarchived))
}

func TestUnarchiveRoomPreviousAgentOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{AcceptChatsWithNoAgents: true}, nil)
	h.online("agent-1", "sales")

	_, err := h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
	require.NoError(t, err)
	_, err = h.mgr.CloseRoom(ctx, "R", "agent")
	require.NoError(t, err)

	h.tracker.SetStatus("agent-1", types.AgentOffline)

	room, result, err := h.mgr.UnarchiveRoom(ctx, "R")
	require.NoError(t, err)
	assert.True(t, result.Reopened)
	assert.Nil(t, room.ServedBy)

	inquiry, err := h.store.FindInquiryByRoom(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, types.InquiryQueued, inquiry.Status)
	assert.Nil(t, inquiry.DefaultAgent)
}

func TestUnarchiveRoomMissingCloseTimestamp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, nil)

	require.NoError(t, h.store.CreateRoom(ctx, &types.Room{ID: "R", Open: false, CreatedAt: time.Now()}))

	room, result, err := h.mgr.UnarchiveRoom(ctx, "R")
	require.NoError(t, err)
	assert.False(t, result.Reopened)
	assert.Equal(t, ReasonMissingCloseTimestamp, result.Reason)
	assert.False(t, room.Open)

	_, _, err = h.mgr.UnarchiveRoom(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrRoomNotFound)
}

func TestRequestRoomBeforeDelegateHook(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.online("agent-1", "sales")
	h.online("agent-2", "sales")

	h.hooks.OnBeforeDelegateAgent("vip", func(_ context.Context, agent *types.SelectedAgent, department string) (*types.SelectedAgent, error) {
		return &types.SelectedAgent{AgentID: "agent-2", Username: "agent-2"}, nil
	})

	room, err := h.mgr.RequestRoom(context.Background(), roomRequest("R", "sales"))
	require.NoError(t, err)
	require.NotNil(t, room.ServedBy)
	assert.Equal(t, "agent-2", room.ServedBy.AgentID)
}

func TestRequestRoomRetryReturnsOpenRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, nil)
	h.online("agent-1", "sales")

	first, err := h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
	require.NoError(t, err)
	require.NotNil(t, first.ServedBy)

	// an idle agent would win any new delegation
	h.online("agent-2", "sales")

	again, err := h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
	require.NoError(t, err)
	require.NotNil(t, again.ServedBy)
	assert.Equal(t, "agent-1", again.ServedBy.AgentID)

	all, err := h.store.ListInquiries(ctx, storage.InquiryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, h.notifier.count(types.EventRoomStarted))
	agent2, _ := h.tracker.GetAgent("agent-2")
	assert.Zero(t, agent2.ActiveChats)

	intruder := roomRequest("R", "sales")
	intruder.Visitor.Token = "someone-else"
	intruder.Message.Token = "someone-else"
	_, err = h.mgr.RequestRoom(ctx, intruder)
	assert.ErrorIs(t, err, ErrRoomAccessDenied)

	_, err = h.mgr.CloseRoom(ctx, "R", "visitor")
	require.NoError(t, err)
	_, err = h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestRequestRoomConcurrentRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, nil)
	h.online("agent-1", "sales")

	var wg sync.WaitGroup
	rooms := make([]*types.Room, 4)
	for i := range rooms {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
			assert.NoError(t, err)
			rooms[i] = room
		}(i)
	}
	wg.Wait()

	for _, room := range rooms {
		require.NotNil(t, room)
		assert.Equal(t, "R", room.ID)
	}
	all, err := h.store.ListInquiries(ctx, storage.InquiryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, h.notifier.count(types.EventRoomStarted))
}

func TestRequeueInquiryConcurrentRespectsMaxChats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, nil)
	h.tracker.RegisterAgent(&types.AgentRegister{
		AgentID:     "agent-1",
		Username:    "agent-1",
		Departments: []string{"sales"},
		Status:      types.AgentOnline,
		MaxChats:    1,
	})
	h.hooks.OnBeforeRouteChat("slow", func(_ context.Context, inquiry *types.Inquiry, _ *types.SelectedAgent) (*types.Inquiry, error) {
		time.Sleep(5 * time.Millisecond)
		return inquiry, nil
	})

	type pending struct {
		room    *types.Room
		inquiry *types.Inquiry
	}
	work := make([]pending, 4)
	for i := range work {
		id := fmt.Sprintf("R%d", i)
		room := &types.Room{
			ID: id, Department: "sales", Open: true, CreatedAt: time.Now(),
			Visitor: types.VisitorRef{Token: "visitor-" + id},
		}
		require.NoError(t, h.store.CreateRoom(ctx, room))
		inquiry := &types.Inquiry{
			ID: "inq-" + id, RoomID: id, Department: "sales", Status: types.InquiryReady, CreatedAt: time.Now(),
			Visitor: room.Visitor,
		}
		require.NoError(t, h.store.CreateInquiry(ctx, inquiry))
		work[i] = pending{room: room, inquiry: inquiry}
	}

	var wg sync.WaitGroup
	for _, p := range work {
		wg.Add(1)
		go func(p pending) {
			defer wg.Done()
			_, err := h.mgr.RequeueInquiry(ctx, p.inquiry, p.room, nil)
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	agent, _ := h.tracker.GetAgent("agent-1")
	assert.Equal(t, 1, agent.ActiveChats)

	served := 0
	for _, p := range work {
		room, err := h.store.GetRoom(ctx, p.room.ID)
		require.NoError(t, err)
		if room.ServedBy != nil {
			served++
		}
	}
	assert.Equal(t, 1, served)

	queued, err := h.store.ListInquiries(ctx, storage.InquiryFilter{Status: types.InquiryQueued})
	require.NoError(t, err)
	assert.Len(t, queued, 3, "inquiries that found no free slot wait in the queue")
}

func TestTakeInquiryRefusesRoomAwaitingVerification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, nil)
	h.online("agent-1", "sales")

	req := roomRequest("R", "sales")
	req.Info.RequireVerification = true
	_, err := h.mgr.RequestRoom(ctx, req)
	require.NoError(t, err)

	inquiry, err := h.store.FindInquiryByRoom(ctx, "R")
	require.NoError(t, err)

	_, err = h.mgr.TakeInquiry(ctx, inquiry.ID, "agent-1")
	assert.ErrorIs(t, err, ErrAwaitingVerification)

	room, err := h.store.GetRoom(ctx, "R")
	require.NoError(t, err)
	assert.Nil(t, room.ServedBy)
	agent, _ := h.tracker.GetAgent("agent-1")
	assert.Zero(t, agent.ActiveChats)
}

func TestTakeInquiryLostRace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Method: config.RoutingManual}, nil)
	h.online("agent-1", "sales")
	h.online("agent-2", "sales")

	_, err := h.mgr.RequestRoom(ctx, roomRequest("R", "sales"))
	require.NoError(t, err)
	inquiry, err := h.store.FindInquiryByRoom(ctx, "R")
	require.NoError(t, err)

	room, err := h.mgr.TakeInquiry(ctx, inquiry.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", room.ServedBy.AgentID)

	room, err = h.mgr.TakeInquiry(ctx, inquiry.ID, "agent-2")
	assert.Nil(t, room)
	assert.ErrorIs(t, err, ErrInquiryTaken)

	agent2, _ := h.tracker.GetAgent("agent-2")
	assert.Zero(t, agent2.ActiveChats)

	room, err = h.mgr.TakeInquiry(ctx, inquiry.ID, "agent-1")
	require.NoError(t, err, "taking again by the winner is idempotent")
	assert.Equal(t, "agent-1", room.ServedBy.AgentID)
	agent1, _ := h.tracker.GetAgent("agent-1")
	assert.Equal(t, 1, agent1.ActiveChats)
}

func TestTakeInquiryAgentUnavailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Method: config.RoutingManual}, nil)
	h.tracker.RegisterAgent(&types.AgentRegister{
		AgentID:     "agent-1",
		Username:    "agent-1",
		Departments: []string{"sales"},
		Status:      types.AgentOnline,
		MaxChats:    1,
	})

	for _, id := range []string{"R1", "R2"} {
		_, err := h.mgr.RequestRoom(ctx, roomRequest(id, "sales"))
		require.NoError(t, err)
	}
	first, err := h.store.FindInquiryByRoom(ctx, "R1")
	require.NoError(t, err)
	second, err := h.store.FindInquiryByRoom(ctx, "R2")
	require.NoError(t, err)

	_, err = h.mgr.TakeInquiry(ctx, first.ID, "agent-1")
	require.NoError(t, err)

	_, err = h.mgr.TakeInquiry(ctx, second.ID, "agent-1")
	assert.ErrorIs(t, err, ErrAgentNotEligible, "agent at capacity")

	h.tracker.SetStatus("agent-1", types.AgentOffline)
	_, err = h.mgr.TakeInquiry(ctx, second.ID, "agent-1")
	assert.ErrorIs(t, err, ErrAgentNotEligible, "offline agent")

	agent, _ := h.tracker.GetAgent("agent-1")
	assert.Equal(t, 1, agent.ActiveChats)
}
