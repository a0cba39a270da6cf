package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/metrics"
	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/rs/zerolog"
)

// Checker answers whether a room's visitor fits under the monthly active contact quota
type Checker interface {
	IsWithinMacLimit(ctx context.Context, room *types.Room) (bool, error)
}

// Period returns the bookkeeping period (calendar month, UTC) for t
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// MACLimiter is a Checker backed by the contact store. A limit of 0 is unlimited.
type MACLimiter struct {
	limit    int
	contacts storage.ContactStore
	now      func() time.Time
}

// NewMACLimiter creates a monthly active contact checker
func NewMACLimiter(limit int, contacts storage.ContactStore) *MACLimiter {
	return &MACLimiter{limit: limit, contacts: contacts, now: time.Now}
}

// Limit returns the configured quota
func (l *MACLimiter) Limit() int { return l.limit }

func (l *MACLimiter) IsWithinMacLimit(ctx context.Context, room *types.Room) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}

	period := Period(l.now())
	if room != nil && room.Visitor.Token != "" {
		active, err := l.contacts.IsContactActive(ctx, period, room.Visitor.Token)
		if err != nil {
			return false, fmt.Errorf("failed to check active contact: %w", err)
		}
		// already counted this month
		if active {
			return true, nil
		}
	}

	count, err := l.contacts.CountActiveContacts(ctx, period)
	if err != nil {
		return false, fmt.Errorf("failed to count active contacts: %w", err)
	}
	return count < l.limit, nil
}

// Limiter wraps a Checker with the never-fail contract routing relies on
type Limiter struct {
	checker  Checker
	contacts storage.ContactStore
	now      func() time.Time
	logger   zerolog.Logger
}

// NewLimiter creates a new Limiter. contacts may be nil when no bookkeeping is wanted.
func NewLimiter(checker Checker, contacts storage.ContactStore, logger zerolog.Logger) *Limiter {
	return &Limiter{
		checker:  checker,
		contacts: contacts,
		now:      time.Now,
		logger:   logger.With().Str("component", "capacity").Logger(),
	}
}

// IsWithinLimit never fails: errors are logged and treated as within limit
func (l *Limiter) IsWithinLimit(ctx context.Context, room *types.Room) bool {
	if l.checker == nil {
		return true
	}

	ok, err := l.checker.IsWithinMacLimit(ctx, room)
	if err != nil {
		ev := l.logger.Warn().Err(err)
		if room != nil {
			ev = ev.Str("room_id", room.ID)
		}
		ev.Msg("capacity check failed, treating as within limit")
		return true
	}
	if !ok {
		metrics.Get().RecordCapacityExceeded()
	}
	return ok
}

// MarkActive records the room's visitor as an active contact for the current period
func (l *Limiter) MarkActive(ctx context.Context, room *types.Room) {
	if l.contacts == nil || room == nil || room.Visitor.Token == "" {
		return
	}
	if err := l.contacts.MarkContactActive(ctx, Period(l.now()), room.Visitor.Token); err != nil {
		l.logger.Error().Err(err).
			Str("room_id", room.ID).
			Str("visitor_token", room.Visitor.Token).
			Msg("failed to record active contact")
	}
}
