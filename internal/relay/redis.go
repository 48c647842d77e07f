package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/promptline/agentd/internal/domain/model"
)

// RedisRelay is the Redis pub/sub relay backend. Each session has its
// own channel; events are JSON-encoded on the wire. Multiple agentd
// instances sharing a Redis see each other's events, which is what
// makes this the backend for horizontally scaled deployments.
type RedisRelay struct {
	client redis.UniversalClient
	logger *slog.Logger
	buffer int
}

// RedisRelayOptions configure a RedisRelay.
type RedisRelayOptions struct {
	Client redis.UniversalClient
	Logger *slog.Logger
	// Buffer is the per-subscriber channel capacity.
	Buffer int
}

// NewRedisRelay constructs a Redis-backed relay.
func NewRedisRelay(opts RedisRelayOptions) (*RedisRelay, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client: opts.Client,
		logger: logger.With("component", "relay_redis"),
		buffer: buffer,
	}, nil
}

// Publish sends the event on the session's pub/sub channel.
func (r *RedisRelay) Publish(ctx context.Context, event model.RelayEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal relay event: %w", err)
	}
	if err := r.client.Publish(ctx, event.Channel(), payload).Err(); err != nil {
		return fmt.Errorf("publish relay event: %w", err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the session's channel and
// pumps decoded events into the returned channel until ctx is done.
func (r *RedisRelay) Subscribe(ctx context.Context, sessionID string) (<-chan model.RelayEvent, error) {
	pubsub := r.client.Subscribe(ctx, model.SessionChannel(sessionID))

	// Confirm the subscription before handing the channel out so the
	// caller never misses events published after Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		if closeErr := pubsub.Close(); closeErr != nil {
			_ = closeErr
		}
		return nil, fmt.Errorf("subscribe session %s: %w", sessionID, err)
	}

	out := make(chan model.RelayEvent, r.buffer)
	go func() {
		defer close(out)
		defer func() {
			if closeErr := pubsub.Close(); closeErr != nil {
				_ = closeErr
			}
		}()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event model.RelayEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					r.logger.WarnContext(ctx, "dropping malformed relay event",
						"session_id", sessionID,
						"error", err,
					)
					continue
				}
				select {
				case out <- event:
				default:
					r.logger.DebugContext(ctx, "dropping event for slow subscriber",
						"session_id", sessionID,
						"event_type", event.Type,
					)
				}
			}
		}
	}()

	return out, nil
}

// Close is a no-op: the shared Redis client is owned by the caller.
func (r *RedisRelay) Close() error {
	return nil
}

var _ Relay = (*RedisRelay)(nil)
