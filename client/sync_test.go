package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubAPI struct {
	mu sync.Mutex

	pages     map[string]*MessagePage
	getErr    error
	getCalls  []string
	submitErr error
	frames    chan LiveFrame
	liveErr   error
}

func newStubAPI() *stubAPI {
	return &stubAPI{pages: make(map[string]*MessagePage)}
}

func (a *stubAPI) setPage(after string, page *MessagePage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pages[after] = page
}

func (a *stubAPI) getCallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.getCalls)
}

func (a *stubAPI) SubmitMessage(_ context.Context, sessionID, _, messageID string) (*SubmitAck, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.submitErr != nil {
		return nil, a.submitErr
	}
	return &SubmitAck{JobID: "job-" + sessionID, MessageID: messageID}, nil
}

func (a *stubAPI) GetMessages(_ context.Context, _, after string, _ int) (*MessagePage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getCalls = append(a.getCalls, after)
	if a.getErr != nil {
		return nil, a.getErr
	}
	if page, ok := a.pages[after]; ok {
		return page, nil
	}
	return &MessagePage{NextCursor: after}, nil
}

func (a *stubAPI) CancelJob(_ context.Context, sessionID string) (*CancelAck, error) {
	return &CancelAck{JobID: "job-" + sessionID, Status: "cancelled"}, nil
}

func (a *stubAPI) LiveUpdates(context.Context, string) (<-chan LiveFrame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.liveErr != nil {
		return nil, a.liveErr
	}
	return a.frames, nil
}

func serverMessage(id, kind string) Message {
	return Message{
		ID:        id,
		SessionID: "s1",
		Kind:      kind,
		Payload:   json.RawMessage(`{"text":"hi"}`),
		CreatedAt: time.Now().UTC(),
	}
}

func newTestEngine(t *testing.T, api API) *SyncEngine {
	t.Helper()
	eng, err := NewSyncEngine(SyncOptions{API: api, SessionID: "s1"})
	require.NoError(t, err)
	return eng
}

func TestNewSyncEngineRequiresAPIAndSession(t *testing.T) {
	_, err := NewSyncEngine(SyncOptions{SessionID: "s1"})
	require.Error(t, err)

	_, err = NewSyncEngine(SyncOptions{API: newStubAPI()})
	require.Error(t, err)
}

func TestSendOptimisticThenConfirmed(t *testing.T) {
	api := newStubAPI()
	eng := newTestEngine(t, api)

	ack, err := eng.Send(context.Background(), "hello")
	require.NoError(t, err)
	require.NotEmpty(t, ack.MessageID)

	msgs := eng.Messages()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Local)
	require.Equal(t, ack.MessageID, msgs[0].ID)
	require.True(t, eng.Working())

	confirmed := serverMessage(ack.MessageID, "user")
	api.setPage("", &MessagePage{
		Messages:   []Message{confirmed},
		Session:    SessionState{ID: "s1", IsWorking: true},
		NextCursor: "c1",
	})

	require.NoError(t, eng.Poll(context.Background()))

	msgs = eng.Messages()
	require.Len(t, msgs, 1, "confirmed message must replace the optimistic copy, not join it")
	require.False(t, msgs[0].Local)
	require.Equal(t, "c1", eng.Cursor())
}

func TestSendPendingClearsWhenJobFinishesBetweenPolls(t *testing.T) {
	api := newStubAPI()
	eng := newTestEngine(t, api)

	ack, err := eng.Send(context.Background(), "hello")
	require.NoError(t, err)
	require.True(t, eng.Working())

	// The job ran to completion within one poll interval, so the client
	// never observes is_working=true: the first page it sees already has
	// the confirmed user message, the result, and an idle session.
	status := "completed"
	api.setPage("", &MessagePage{
		Messages:   []Message{serverMessage(ack.MessageID, "user"), serverMessage("m-result", "result")},
		Session:    SessionState{ID: "s1", IsWorking: false, LastJobStatus: &status},
		NextCursor: "c1",
	})

	require.NoError(t, eng.Poll(context.Background()))
	require.False(t, eng.Working(), "send pending must clear once the optimistic message is durable")
	require.Len(t, eng.Messages(), 2)
}

func TestSendFailureRollsBack(t *testing.T) {
	api := newStubAPI()
	api.submitErr = errors.New("connection refused")
	eng := newTestEngine(t, api)

	_, err := eng.Send(context.Background(), "hello")
	require.Error(t, err)

	require.Empty(t, eng.Messages())
	require.False(t, eng.Working())
}

func TestSendFailurePreservesEarlierMessages(t *testing.T) {
	api := newStubAPI()
	api.setPage("", &MessagePage{
		Messages:   []Message{serverMessage("m1", "assistant")},
		Session:    SessionState{ID: "s1"},
		NextCursor: "c1",
	})
	eng := newTestEngine(t, api)
	require.NoError(t, eng.InitialLoad(context.Background()))

	api.mu.Lock()
	api.submitErr = errors.New("connection refused")
	api.mu.Unlock()

	_, err := eng.Send(context.Background(), "hello")
	require.Error(t, err)

	msgs := eng.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].ID)
}

func TestMergeIsIdempotent(t *testing.T) {
	api := newStubAPI()
	page := &MessagePage{
		Messages: []Message{serverMessage("m1", "user"), serverMessage("m2", "assistant")},
		Session:  SessionState{ID: "s1"},
	}
	api.setPage("", page)
	eng := newTestEngine(t, api)

	require.NoError(t, eng.InitialLoad(context.Background()))
	require.NoError(t, eng.InitialLoad(context.Background()))

	msgs := eng.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, "m2", msgs[1].ID)
}

func TestCursorAdvancesMonotonically(t *testing.T) {
	api := newStubAPI()
	api.setPage("", &MessagePage{
		Messages:   []Message{serverMessage("m1", "user")},
		NextCursor: "c1",
	})
	api.setPage("c1", &MessagePage{
		Messages:   []Message{serverMessage("m2", "assistant")},
		NextCursor: "c2",
	})
	// An empty-page response keeps the cursor where it is.
	api.setPage("c2", &MessagePage{})
	eng := newTestEngine(t, api)

	require.NoError(t, eng.Poll(context.Background()))
	require.Equal(t, "c1", eng.Cursor())

	require.NoError(t, eng.Poll(context.Background()))
	require.Equal(t, "c2", eng.Cursor())

	require.NoError(t, eng.Poll(context.Background()))
	require.Equal(t, "c2", eng.Cursor())
	require.Len(t, eng.Messages(), 2)
}

func TestRepeatedPollFailuresStall(t *testing.T) {
	api := newStubAPI()
	api.getErr = errors.New("server unavailable")
	eng, err := NewSyncEngine(SyncOptions{API: api, SessionID: "s1", MaxFailures: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Error(t, eng.Poll(context.Background()))
	}
	require.True(t, eng.Stalled())

	eng.Retry()
	require.False(t, eng.Stalled())

	api.mu.Lock()
	api.getErr = nil
	api.mu.Unlock()
	require.NoError(t, eng.Poll(context.Background()))
}

func TestRunReturnsErrSyncStalled(t *testing.T) {
	api := newStubAPI()
	api.getErr = errors.New("server unavailable")
	eng, err := NewSyncEngine(SyncOptions{
		API:          api,
		SessionID:    "s1",
		PollInterval: time.Millisecond,
		IdleInterval: time.Millisecond,
		MaxFailures:  2,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = eng.Run(ctx)
	require.ErrorIs(t, err, ErrSyncStalled)
}

func TestRunLivePollsOnUpdate(t *testing.T) {
	api := newStubAPI()
	api.frames = make(chan LiveFrame, 4)
	eng, err := NewSyncEngine(SyncOptions{API: api, SessionID: "s1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- eng.RunLive(ctx) }()

	// One catch-up poll on connect, then one per update frame.
	api.frames <- LiveFrame{Type: "heartbeat"}
	api.frames <- LiveFrame{Type: "update", Data: &LiveEvent{SessionID: "s1", JobID: "j1"}}

	require.Eventually(t, func() bool {
		return api.getCallCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunLiveExhaustsReconnectBudget(t *testing.T) {
	api := newStubAPI()
	api.liveErr = errors.New("connection refused")
	eng, err := NewSyncEngine(SyncOptions{
		API:       api,
		SessionID: "s1",
		Reconnect: Backoff{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 3},
	})
	require.NoError(t, err)

	err = eng.RunLive(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, context.Canceled)
}
