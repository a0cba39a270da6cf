package hooks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestBeforeDelegateAgentRunsInOrder(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.OnBeforeDelegateAgent("first", func(_ context.Context, _ *types.SelectedAgent, _ string) (*types.SelectedAgent, error) {
		return &types.SelectedAgent{AgentID: "a1"}, nil
	})
	r.OnBeforeDelegateAgent("broken", func(_ context.Context, _ *types.SelectedAgent, _ string) (*types.SelectedAgent, error) {
		return nil, errors.New("veto service down")
	})
	r.OnBeforeDelegateAgent("suffix", func(_ context.Context, a *types.SelectedAgent, _ string) (*types.SelectedAgent, error) {
		return &types.SelectedAgent{AgentID: a.AgentID + "-checked"}, nil
	})

	got := r.BeforeDelegateAgent(context.Background(), nil, "sales")
	assert.Equal(t, "a1-checked", got.AgentID)
}

func TestBeforeRouteChatKeepsInquiryOnNil(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.OnBeforeRouteChat("noop", func(context.Context, *types.Inquiry, *types.SelectedAgent) (*types.Inquiry, error) {
		return nil, nil
	})
	r.OnBeforeRouteChat("priority", func(_ context.Context, inq *types.Inquiry, _ *types.SelectedAgent) (*types.Inquiry, error) {
		c := *inq
		c.Priority = -1
		return &c, nil
	})

	in := &types.Inquiry{ID: "i1"}
	out := r.BeforeRouteChat(context.Background(), in, nil)
	assert.Equal(t, "i1", out.ID)
	assert.Equal(t, -1, out.Priority)
	assert.Equal(t, 0, in.Priority, "input must not be mutated")
}

func TestAfterHooksRunInBackground(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	var calls atomic.Int32

	r.OnAfterInquiryQueued("count", func(context.Context, types.Inquiry) error {
		calls.Add(1)
		return nil
	})
	r.OnAfterTakeInquiry("fail", func(context.Context, types.Inquiry, types.Room, types.SelectedAgent) error {
		calls.Add(1)
		return errors.New("webhook unreachable")
	})
	r.OnAfterTakeInquiry("panic", func(context.Context, types.Inquiry, types.Room, types.SelectedAgent) error {
		panic("bad hook")
	})

	r.AfterInquiryQueued(context.Background(), types.Inquiry{ID: "i1"})
	r.AfterTakeInquiry(context.Background(), types.Inquiry{ID: "i1"}, types.Room{ID: "r1"}, types.SelectedAgent{AgentID: "a1"})
	r.Wait()

	assert.Equal(t, int32(2), calls.Load())
}

func TestNilRegistryIsPassThrough(t *testing.T) {
	var r *Registry
	agent := &types.SelectedAgent{AgentID: "a1"}

	assert.Same(t, agent, r.BeforeDelegateAgent(context.Background(), agent, ""))
	r.AfterInquiryQueued(context.Background(), types.Inquiry{})
	r.Wait()
}
