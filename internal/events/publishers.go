package events

import (
	"context"

	"github.com/dennisdiepolder/monti/omnichannel/internal/broker"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/rs/zerolog"
)

// BrokerPublisher publishes events on the topic exchange, keyed by event type
type BrokerPublisher struct {
	pub broker.Publisher
}

// NewBrokerPublisher creates a new BrokerPublisher
func NewBrokerPublisher(pub broker.Publisher) *BrokerPublisher {
	return &BrokerPublisher{pub: pub}
}

func (b *BrokerPublisher) Name() string { return "broker" }

func (b *BrokerPublisher) Publish(ctx context.Context, evt types.Event) error {
	return b.pub.Publish(ctx, string(evt.Type), ToEnvelope(evt))
}

// ToEnvelope wraps an event in the broker envelope. The room ID is the
// correlation ID so every event of one conversation can be joined.
func ToEnvelope(evt types.Event) broker.Envelope {
	meta := broker.Meta{
		ID:   evt.ID,
		Time: evt.Time,
		Type: string(evt.Type),
	}
	if evt.RoomID != "" {
		roomID := evt.RoomID
		meta.CorrelationID = &roomID
	}
	return broker.Envelope{Meta: meta, Data: evt}
}

// LogPublisher writes events to the log
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher creates a new LogPublisher
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (l *LogPublisher) Name() string { return "log" }

func (l *LogPublisher) Publish(_ context.Context, evt types.Event) error {
	l.logger.Info().
		Str("event_id", evt.ID).
		Str("event_type", string(evt.Type)).
		Str("room_id", evt.RoomID).
		Str("inquiry_id", evt.InquiryID).
		Str("agent_id", evt.AgentID).
		Str("department", evt.Department).
		Msg("event")
	return nil
}
