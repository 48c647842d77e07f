// Package relay fans ephemeral job progress events out to live
// subscribers. Delivery is best-effort: events may be dropped and are
// never persisted. Clients recover missed progress from the durable
// message log.
package relay

import (
	"context"

	"github.com/promptline/agentd/internal/domain/model"
)

// Relay publishes job progress events and lets consumers subscribe to
// a session's event stream.
type Relay interface {
	// Publish delivers an event to current subscribers of its session.
	// Publish never blocks on slow subscribers.
	Publish(ctx context.Context, event model.RelayEvent) error

	// Subscribe returns a channel of events for the session. The channel
	// is closed when ctx is done or Close is called.
	Subscribe(ctx context.Context, sessionID string) (<-chan model.RelayEvent, error)

	// Close releases relay resources and closes all subscriptions.
	Close() error
}
