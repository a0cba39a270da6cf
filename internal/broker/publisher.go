package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// maxDialDelay caps the backoff between dial attempts
const maxDialDelay = 60 * time.Second

// Publisher sends envelopes to a topic exchange
type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

// ConnectionOptions controls how the broker connection is established
type ConnectionOptions struct {
	URL           string
	Exchange      string
	Producer      string
	RetryAttempts int
	Delay         time.Duration
}

type rmqPublisher struct {
	conn     *amqp091.Connection
	exchange string
	producer string
	logger   zerolog.Logger
}

// Dial connects to RabbitMQ, declares the durable topic exchange and returns a Publisher
func Dial(ctx context.Context, opts ConnectionOptions, logger zerolog.Logger) (Publisher, error) {
	logger = logger.With().Str("component", "broker").Str("exchange", opts.Exchange).Logger()

	conn, err := dialWithRetry(ctx, opts, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	logger.Info().Msg("connected to broker")
	return &rmqPublisher{
		conn:     conn,
		exchange: opts.Exchange,
		producer: opts.Producer,
		logger:   logger,
	}, nil
}

// dialWithRetry tries to connect with exponential backoff, respecting ctx
func dialWithRetry(ctx context.Context, opts ConnectionOptions, logger zerolog.Logger) (*amqp091.Connection, error) {
	attempts := opts.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				logger.Info().Int("attempt", i).Msg("broker connected")
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := opts.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		logger.Warn().Err(err).Int("attempt", i).Dur("sleep", sleep).Msg("broker dial failed")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("failed to connect to broker after %d attempts: %w", attempts, lastErr)
}

func (p *rmqPublisher) Publish(ctx context.Context, key string, msg Envelope) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable confirms: %w", err)
	}

	if msg.Meta.ID == "" {
		msg.Meta.ID = uuid.NewString()
	}
	if msg.Meta.Time.IsZero() {
		msg.Meta.Time = time.Now().UTC()
	}
	if msg.Meta.Producer == nil && p.producer != "" {
		producer := p.producer
		msg.Meta.Producer = &producer
	}
	cid := msg.Meta.ID
	if msg.Meta.CorrelationID != nil {
		cid = *msg.Meta.CorrelationID
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx, p.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     msg.Meta.ID,
			CorrelationId: cid,
			Timestamp:     msg.Meta.Time,
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message %s", msg.Meta.ID)
	}

	p.logger.Debug().Str("key", key).Str("message_id", msg.Meta.ID).Msg("published")
	return nil
}

func (p *rmqPublisher) Close() error {
	return p.conn.Close()
}
