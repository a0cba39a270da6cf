package events

import (
	"context"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/metrics"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single delivery to one sink
const DefaultTimeout = 5 * time.Second

// Publisher is a sink for lifecycle events
type Publisher interface {
	Publish(ctx context.Context, evt types.Event) error
	Name() string
}

// Notifier fans lifecycle events out to every sink without blocking the caller
type Notifier struct {
	publishers []Publisher
	timeout    time.Duration
	wg         sync.WaitGroup
	logger     zerolog.Logger
}

// NewNotifier creates a new Notifier
func NewNotifier(timeout time.Duration, logger zerolog.Logger, publishers ...Publisher) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Notifier{
		publishers: publishers,
		timeout:    timeout,
		logger:     logger.With().Str("component", "notifier").Logger(),
	}
}

// AddPublisher registers another sink. Not safe to call concurrently with Notify.
func (n *Notifier) AddPublisher(p Publisher) {
	n.publishers = append(n.publishers, p)
}

// Notify delivers evt to every sink in the background. Failures are logged and counted.
func (n *Notifier) Notify(ctx context.Context, evt types.Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}

	// outlive the request that triggered the event
	base := context.WithoutCancel(ctx)

	for _, p := range n.publishers {
		n.wg.Add(1)
		go func(p Publisher) {
			defer n.wg.Done()

			pubCtx, cancel := context.WithTimeout(base, n.timeout)
			defer cancel()

			if err := p.Publish(pubCtx, evt); err != nil {
				metrics.Get().RecordNotifyFailure(p.Name())
				n.logger.Error().Err(err).
					Str("sink", p.Name()).
					Str("event_type", string(evt.Type)).
					Str("room_id", evt.RoomID).
					Msg("failed to deliver event")
			}
		}(p)
	}
}

// Wait blocks until every in-flight delivery has finished
func (n *Notifier) Wait() {
	n.wg.Wait()
}
