package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptline/agentd/internal/domain/model"
)

func testEvent(sessionID string, eventType model.EventType) model.RelayEvent {
	return model.RelayEvent{
		SessionID: sessionID,
		JobID:     "job-1",
		Type:      eventType,
		Data:      json.RawMessage(`{"text":"hi"}`),
		Timestamp: time.Now(),
	}
}

func TestBroker_PublishReachesSubscriber(t *testing.T) {
	broker := NewBroker(BrokerOptions{})
	t.Cleanup(func() { _ = broker.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := broker.Subscribe(ctx, "sess-1")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, testEvent("sess-1", model.EventTypeMessage)))

	select {
	case got := <-ch:
		assert.Equal(t, "sess-1", got.SessionID)
		assert.Equal(t, model.EventTypeMessage, got.Type)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected event to be delivered")
	}
}

func TestBroker_EventsDoNotCrossSessions(t *testing.T) {
	broker := NewBroker(BrokerOptions{})
	t.Cleanup(func() { _ = broker.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chA, err := broker.Subscribe(ctx, "sess-a")
	require.NoError(t, err)
	chB, err := broker.Subscribe(ctx, "sess-b")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, testEvent("sess-a", model.EventTypeComplete)))

	select {
	case got := <-chA:
		assert.Equal(t, "sess-a", got.SessionID)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected event on session a")
	}

	select {
	case got := <-chB:
		t.Fatalf("unexpected event on session b: %+v", got)
	default:
	}
}

func TestBroker_DropsWhenSubscriberBufferFull(t *testing.T) {
	broker := NewBroker(BrokerOptions{Buffer: 1})
	t.Cleanup(func() { _ = broker.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := broker.Subscribe(ctx, "sess-1")
	require.NoError(t, err)

	// Second publish overflows the buffer and must not block.
	require.NoError(t, broker.Publish(ctx, testEvent("sess-1", model.EventTypeMessage)))
	require.NoError(t, broker.Publish(ctx, testEvent("sess-1", model.EventTypeUsage)))

	got := <-ch
	assert.Equal(t, model.EventTypeMessage, got.Type)

	select {
	case extra := <-ch:
		t.Fatalf("expected overflow event to be dropped, got %+v", extra)
	default:
	}
}

func TestBroker_ContextCancelClosesSubscription(t *testing.T) {
	broker := NewBroker(BrokerOptions{})
	t.Cleanup(func() { _ = broker.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := broker.Subscribe(ctx, "sess-1")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close after context cancellation")
	case <-time.After(time.Second):
		t.Fatal("expected channel to close")
	}
}

func TestBroker_CloseClosesAllSubscriptions(t *testing.T) {
	broker := NewBroker(BrokerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := broker.Subscribe(ctx, "sess-1")
	require.NoError(t, err)

	require.NoError(t, broker.Close())

	_, ok := <-ch
	assert.False(t, ok, "channel should close after broker close")

	// Publishing after close is a no-op, not an error.
	require.NoError(t, broker.Publish(ctx, testEvent("sess-1", model.EventTypeMessage)))
}
