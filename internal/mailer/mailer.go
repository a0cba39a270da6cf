package mailer

import (
	"context"
	"fmt"

	"github.com/dennisdiepolder/monti/omnichannel/internal/broker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// VerificationCodeNotification is the notification code the mail worker renders
const VerificationCodeNotification = "omnichannel.verification.code"

// Mailer delivers one-time codes to a visitor
type Mailer interface {
	Send(ctx context.Context, address, code string) error
}

// Notification is the payload consumed by the mail worker
type Notification struct {
	NotificationCode string         `json:"notification_code"`
	Recipient        string         `json:"recipient"`
	Body             string         `json:"body"`
	Meta             map[string]any `json:"meta"`
}

// AMQPMailer hands codes to the mail worker over the broker
type AMQPMailer struct {
	pub      broker.Publisher
	routeKey string
	logger   zerolog.Logger
}

// NewAMQPMailer creates a new AMQPMailer
func NewAMQPMailer(pub broker.Publisher, routeKey string, logger zerolog.Logger) *AMQPMailer {
	return &AMQPMailer{
		pub:      pub,
		routeKey: routeKey,
		logger:   logger.With().Str("component", "mailer").Logger(),
	}
}

func (m *AMQPMailer) Send(ctx context.Context, address, code string) error {
	msg := broker.Envelope{
		Meta: broker.Meta{
			ID:   uuid.NewString(),
			Type: m.routeKey,
		},
		Data: Notification{
			NotificationCode: VerificationCodeNotification,
			Recipient:        address,
			Body:             code,
			Meta:             map[string]any{"channel": "email"},
		},
	}

	if err := m.pub.Publish(ctx, m.routeKey, msg); err != nil {
		return fmt.Errorf("failed to queue verification mail: %w", err)
	}
	m.logger.Debug().Str("message_id", msg.Meta.ID).Msg("verification mail queued")
	return nil
}

// LogMailer logs codes instead of sending them. Development only.
type LogMailer struct {
	logger zerolog.Logger
}

// NewLogMailer creates a new LogMailer
func NewLogMailer(logger zerolog.Logger) *LogMailer {
	return &LogMailer{logger: logger.With().Str("component", "mailer").Logger()}
}

func (m *LogMailer) Send(_ context.Context, address, code string) error {
	m.logger.Info().Str("address", address).Str("code", code).Msg("verification code (not sent)")
	return nil
}
