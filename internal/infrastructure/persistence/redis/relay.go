package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
)

// EventRelay forwards domain events to Redis pub/sub so dashboards and other
// processes can follow a run. Each event goes to <prefix>events:<type>.
type EventRelay struct {
	cache   *Cache
	timeout time.Duration
}

// NewEventRelay creates a relay on cache.
func NewEventRelay(cache *Cache) *EventRelay {
	return &EventRelay{cache: cache, timeout: 2 * time.Second}
}

// Channel returns the channel events of eventType are published to.
func (r *EventRelay) Channel(eventType shared.EventType) string {
	return r.cache.Key(segmentEvents, string(eventType))
}

// Handle publishes the event envelope. It matches shared.EventHandler so the
// relay can subscribe to the in-process bus.
func (r *EventRelay) Handle(event shared.Event) error {
	envelope, err := shared.NewEnvelope(event)
	if err != nil {
		return fmt.Errorf("redis: encode %s: %w", event.EventType(), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.cache.Publish(ctx, r.Channel(event.EventType()), envelope); err != nil {
		return fmt.Errorf("redis: relay %s: %w", event.EventType(), err)
	}
	return nil
}
