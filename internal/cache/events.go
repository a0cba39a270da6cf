package cache

import (
	"context"
	"sync"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
)

// maxCachedEvents bounds the buffer when no aggregator drains it
const maxCachedEvents = 10000

// EventCache buffers lifecycle events between aggregator ticks
type EventCache struct {
	mu      sync.RWMutex
	events  []types.Event
	dropped int
}

// NewEventCache creates a new event cache
func NewEventCache() *EventCache {
	return &EventCache{
		events: make([]types.Event, 0, 256),
	}
}

// Add appends an event, evicting the oldest once the buffer is full
func (c *EventCache) Add(event types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) >= maxCachedEvents {
		copy(c.events, c.events[1:])
		c.events = c.events[:len(c.events)-1]
		c.dropped++
	}
	c.events = append(c.events, event)
}

// Publish lets the cache act as a notifier sink
func (c *EventCache) Publish(_ context.Context, event types.Event) error {
	c.Add(event)
	return nil
}

// Name identifies the sink in notifier logs
func (c *EventCache) Name() string { return "event_cache" }

// GetAndClear returns the buffered events and how many were evicted since
// the last call, then resets the cache
func (c *EventCache) GetAndClear() ([]types.Event, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	events, dropped := c.events, c.dropped
	c.events = make([]types.Event, 0, 256)
	c.dropped = 0
	return events, dropped
}

// Size returns the current number of cached events
func (c *EventCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}
