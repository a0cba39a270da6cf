package queue

import (
	"context"

	"github.com/dennisdiepolder/monti/omnichannel/internal/config"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
)

// StatusInput is what the initial inquiry status is computed from
type StatusInput struct {
	Room  *types.Room
	Agent *types.SelectedAgent
}

// InquiryStatusFunc computes the initial status of an inquiry
type InquiryStatusFunc func(ctx context.Context, in StatusInput) types.InquiryStatus

// StatusMiddleware wraps the default status computation. It is injected once,
// through Options.InquiryStatus.
type StatusMiddleware func(next InquiryStatusFunc) InquiryStatusFunc

// defaultInquiryStatus: over capacity, awaiting verification, or waiting
// queue enabled → queued. Auto routing → ready. Manual routing → ready only
// for an agent allowed to skip the queue.
func (m *Manager) defaultInquiryStatus(ctx context.Context, in StatusInput) types.InquiryStatus {
	if !m.capacity.IsWithinLimit(ctx, in.Room) {
		return types.InquiryQueued
	}
	if in.Room != nil && in.Room.AwaitingVerification() {
		return types.InquiryQueued
	}
	if m.opts.WaitingQueueEnabled {
		return types.InquiryQueued
	}
	if m.opts.Method == config.RoutingAuto {
		return types.InquiryReady
	}
	if in.Agent == nil || !m.agents.AllowSkipQueue(in.Agent.AgentID) {
		return types.InquiryQueued
	}
	return types.InquiryReady
}

// GetInquiryStatus returns the status a new inquiry for room starts in
func (m *Manager) GetInquiryStatus(ctx context.Context, room *types.Room, agent *types.SelectedAgent) types.InquiryStatus {
	return m.status(ctx, StatusInput{Room: room, Agent: agent})
}
