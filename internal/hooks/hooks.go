// Package hooks is the extension point registry of the routing engine.
//
// Invocation points, in lifecycle order:
//
//	BeforeDelegateAgent  requestRoom, before department resolution; may replace the preferred agent
//	BeforeRouteChat      queueInquiry and requeueInquiry, before delegation; may rewrite the inquiry
//	AfterInquiryQueued   an inquiry was persisted as queued
//	AfterTakeInquiry     an inquiry was delegated and the room is served
//
// Before-hooks run synchronously in registration order. A failing before-hook
// is logged and its input passes through unchanged. After-hooks run in the
// background and never affect the caller.
package hooks

import (
	"context"
	"sync"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/rs/zerolog"
)

type BeforeDelegateAgentFunc func(ctx context.Context, agent *types.SelectedAgent, department string) (*types.SelectedAgent, error)

type BeforeRouteChatFunc func(ctx context.Context, inquiry *types.Inquiry, agent *types.SelectedAgent) (*types.Inquiry, error)

type AfterInquiryQueuedFunc func(ctx context.Context, inquiry types.Inquiry) error

type AfterTakeInquiryFunc func(ctx context.Context, inquiry types.Inquiry, room types.Room, agent types.SelectedAgent) error

type named[F any] struct {
	name string
	fn   F
}

// Registry holds ordered, named hooks per invocation point
type Registry struct {
	mu                  sync.RWMutex
	beforeDelegateAgent []named[BeforeDelegateAgentFunc]
	beforeRouteChat     []named[BeforeRouteChatFunc]
	afterInquiryQueued  []named[AfterInquiryQueuedFunc]
	afterTakeInquiry    []named[AfterTakeInquiryFunc]
	wg                  sync.WaitGroup
	logger              zerolog.Logger
}

// NewRegistry creates an empty Registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{logger: logger.With().Str("component", "hooks").Logger()}
}

func (r *Registry) OnBeforeDelegateAgent(name string, fn BeforeDelegateAgentFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeDelegateAgent = append(r.beforeDelegateAgent, named[BeforeDelegateAgentFunc]{name, fn})
}

func (r *Registry) OnBeforeRouteChat(name string, fn BeforeRouteChatFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeRouteChat = append(r.beforeRouteChat, named[BeforeRouteChatFunc]{name, fn})
}

func (r *Registry) OnAfterInquiryQueued(name string, fn AfterInquiryQueuedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterInquiryQueued = append(r.afterInquiryQueued, named[AfterInquiryQueuedFunc]{name, fn})
}

func (r *Registry) OnAfterTakeInquiry(name string, fn AfterTakeInquiryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterTakeInquiry = append(r.afterTakeInquiry, named[AfterTakeInquiryFunc]{name, fn})
}

// BeforeDelegateAgent threads the preferred agent through every hook. A nil
// registry returns agent unchanged.
func (r *Registry) BeforeDelegateAgent(ctx context.Context, agent *types.SelectedAgent, department string) *types.SelectedAgent {
	if r == nil {
		return agent
	}
	r.mu.RLock()
	list := r.beforeDelegateAgent
	r.mu.RUnlock()

	for _, h := range list {
		next, err := h.fn(ctx, agent, department)
		if err != nil {
			r.logger.Warn().Err(err).Str("hook", h.name).Msg("beforeDelegateAgent hook failed")
			continue
		}
		agent = next
	}
	return agent
}

// BeforeRouteChat threads the inquiry through every hook. A hook returning a
// nil inquiry leaves it unchanged.
func (r *Registry) BeforeRouteChat(ctx context.Context, inquiry *types.Inquiry, agent *types.SelectedAgent) *types.Inquiry {
	if r == nil {
		return inquiry
	}
	r.mu.RLock()
	list := r.beforeRouteChat
	r.mu.RUnlock()

	for _, h := range list {
		next, err := h.fn(ctx, inquiry, agent)
		if err != nil {
			r.logger.Warn().Err(err).Str("hook", h.name).Str("inquiry_id", inquiry.ID).Msg("beforeRouteChat hook failed")
			continue
		}
		if next != nil {
			inquiry = next
		}
	}
	return inquiry
}

// AfterInquiryQueued runs every hook in the background
func (r *Registry) AfterInquiryQueued(ctx context.Context, inquiry types.Inquiry) {
	if r == nil {
		return
	}
	r.mu.RLock()
	list := r.afterInquiryQueued
	r.mu.RUnlock()

	for _, h := range list {
		r.async(ctx, h.name, "afterInquiryQueued", func(ctx context.Context) error {
			return h.fn(ctx, inquiry)
		})
	}
}

// AfterTakeInquiry runs every hook in the background
func (r *Registry) AfterTakeInquiry(ctx context.Context, inquiry types.Inquiry, room types.Room, agent types.SelectedAgent) {
	if r == nil {
		return
	}
	r.mu.RLock()
	list := r.afterTakeInquiry
	r.mu.RUnlock()

	for _, h := range list {
		r.async(ctx, h.name, "afterTakeInquiry", func(ctx context.Context) error {
			return h.fn(ctx, inquiry, room, agent)
		})
	}
}

func (r *Registry) async(ctx context.Context, name, point string, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().Interface("panic", rec).Str("hook", name).Msg(point + " hook panicked")
			}
		}()
		if err := fn(ctx); err != nil {
			r.logger.Error().Err(err).Str("hook", name).Msg(point + " hook failed")
		}
	}()
}

// Wait blocks until all background hooks have returned
func (r *Registry) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}
