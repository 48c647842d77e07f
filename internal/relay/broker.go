package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/promptline/agentd/internal/domain/model"
)

// Broker is the in-process relay backend. Events are fanned out to
// per-session subscriber channels with a bounded buffer; an event that
// does not fit a subscriber's buffer is dropped for that subscriber.
type Broker struct {
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	closed bool
	subs   map[string]map[chan model.RelayEvent]struct{}
}

// BrokerOptions configure a Broker.
type BrokerOptions struct {
	Logger *slog.Logger
	// Buffer is the per-subscriber channel capacity.
	Buffer int
}

// NewBroker constructs an in-process event broker.
func NewBroker(opts BrokerOptions) *Broker {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger: logger.With("component", "relay_broker"),
		buffer: buffer,
		subs:   make(map[string]map[chan model.RelayEvent]struct{}),
	}
}

// Publish delivers the event to all current subscribers of its session.
func (b *Broker) Publish(ctx context.Context, event model.RelayEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	for ch := range b.subs[event.SessionID] {
		select {
		case ch <- event:
		default:
			b.logger.DebugContext(ctx, "dropping event for slow subscriber",
				"session_id", event.SessionID,
				"event_type", event.Type,
			)
		}
	}
	return nil
}

// Subscribe registers a subscriber for the session's events. The
// returned channel is closed when ctx is done or the broker closes.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) (<-chan model.RelayEvent, error) {
	ch := make(chan model.RelayEvent, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan model.RelayEvent]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(sessionID, ch)
	}()

	return ch, nil
}

func (b *Broker) unsubscribe(sessionID string, ch chan model.RelayEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers := b.subs[sessionID]
	if subscribers == nil {
		return
	}
	if _, ok := subscribers[ch]; !ok {
		return
	}
	delete(subscribers, ch)
	close(ch)
	if len(subscribers) == 0 {
		delete(b.subs, sessionID)
	}
}

// SubscriberCount reports the number of live subscriptions for a session.
func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

// Close closes all subscriptions and marks the broker unusable.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for sessionID, subscribers := range b.subs {
		for ch := range subscribers {
			close(ch)
		}
		delete(b.subs, sessionID)
	}
	return nil
}

var _ Relay = (*Broker)(nil)
