package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSyncStalled is returned when polling fails too many times in a
// row. The local log is left intact; call Retry and resume.
var ErrSyncStalled = errors.New("sync stalled after repeated failures")

// Defaults for the sync engine.
const (
	DefaultPollInterval = 1 * time.Second
	DefaultIdleInterval = 5 * time.Second
	DefaultMaxFailures  = 5
	DefaultPageLimit    = 200
)

// API is the server surface the sync engine needs. *Client satisfies it.
type API interface {
	SubmitMessage(ctx context.Context, sessionID, prompt, messageID string) (*SubmitAck, error)
	GetMessages(ctx context.Context, sessionID, after string, limit int) (*MessagePage, error)
	CancelJob(ctx context.Context, sessionID string) (*CancelAck, error)
	LiveUpdates(ctx context.Context, sessionID string) (<-chan LiveFrame, error)
}

// SyncOptions configure a SyncEngine.
type SyncOptions struct {
	// API is the server client. Required.
	API API
	// SessionID is the session whose log is synchronized. Required.
	SessionID string
	// PollInterval is the cadence while a job is active or a send is
	// pending. Defaults to 1s.
	PollInterval time.Duration
	// IdleInterval is the cadence while the session is quiet. Defaults
	// to 5s.
	IdleInterval time.Duration
	// MaxFailures bounds consecutive poll failures before the engine
	// reports ErrSyncStalled. Defaults to 5.
	MaxFailures int
	// PageLimit is the page size for log fetches. Defaults to 200.
	PageLimit int
	// Reconnect is the backoff schedule for live-stream reconnects.
	// Zero fields take the package defaults.
	Reconnect Backoff
	// Logger is optional.
	Logger *slog.Logger
}

// SyncEngine keeps a local copy of a session's message log converged
// with the server. The durable log is the source of truth: optimistic
// local messages are replaced by their server counterparts on merge, or
// rolled back when the submission fails. Merging is idempotent, so
// refetching an overlapping window never duplicates entries.
type SyncEngine struct {
	api          API
	sessionID    string
	pollInterval time.Duration
	idleInterval time.Duration
	maxFailures  int
	pageLimit    int
	reconnect    Backoff
	logger       *slog.Logger

	mu          sync.Mutex
	messages    []Message
	index       map[string]int
	cursor      string
	session     SessionState
	working     bool
	sendPending bool
	inFlight    bool
	failures    int
	stalled     bool
}

// NewSyncEngine constructs a sync engine for one session.
func NewSyncEngine(opts SyncOptions) (*SyncEngine, error) {
	if opts.API == nil {
		return nil, errors.New("api client is required")
	}
	if opts.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = DefaultPageLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncEngine{
		api:          opts.API,
		sessionID:    opts.SessionID,
		pollInterval: opts.PollInterval,
		idleInterval: opts.IdleInterval,
		maxFailures:  opts.MaxFailures,
		pageLimit:    opts.PageLimit,
		reconnect:    opts.Reconnect,
		logger:       logger.With("component", "sync_engine", "session_id", opts.SessionID),
		index:        make(map[string]int),
	}, nil
}

// Messages returns a snapshot of the local log in log order.
func (s *SyncEngine) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Session returns the last observed session state.
func (s *SyncEngine) Session() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Cursor returns the current sync cursor.
func (s *SyncEngine) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Working reports whether the session has an active job, including the
// optimistic window between a local send and its server confirmation.
func (s *SyncEngine) Working() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working || s.sendPending
}

// Stalled reports whether polling has hit the consecutive-failure
// bound. A stalled engine keeps its local state and resumes after
// Retry.
func (s *SyncEngine) Stalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalled
}

// Retry clears the stalled state and failure count so polling can
// resume.
func (s *SyncEngine) Retry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = false
	s.failures = 0
}

// InitialLoad fetches the full log from the beginning and resets the
// cursor baseline. Existing local entries are merged, not discarded.
func (s *SyncEngine) InitialLoad(ctx context.Context) error {
	return s.fetch(ctx, "")
}

// Poll fetches messages after the current cursor and merges them. At
// most one fetch runs at a time; overlapping calls return immediately.
func (s *SyncEngine) Poll(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return nil
	}
	s.inFlight = true
	after := s.cursor
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	return s.fetch(ctx, after)
}

func (s *SyncEngine) fetch(ctx context.Context, after string) error {
	page, err := s.api.GetMessages(ctx, s.sessionID, after, s.pageLimit)
	if err != nil {
		s.recordFailure()
		return fmt.Errorf("fetch messages: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.merge(page.Messages)
	s.session = page.Session
	s.working = page.Session.IsWorking
	if s.working {
		// The server has picked the job up; the optimistic flag has
		// served its purpose.
		s.sendPending = false
	}
	if page.NextCursor != "" {
		s.cursor = page.NextCursor
	}
	return nil
}

// merge folds server messages into the local log, keyed by id. Existing
// entries, including optimistic local ones, are overwritten in place so
// log order is stable. Caller holds s.mu.
func (s *SyncEngine) merge(msgs []Message) {
	for _, m := range msgs {
		m.Local = false
		if i, ok := s.index[m.ID]; ok {
			if s.messages[i].Local {
				// The optimistic copy is now durable on the server, even
				// if the job already finished before this poll.
				s.sendPending = false
			}
			s.messages[i] = m
			continue
		}
		s.index[m.ID] = len(s.messages)
		s.messages = append(s.messages, m)
	}
}

// Send submits a prompt and records it locally before the server
// confirms, so the UI reflects the message immediately. The local entry
// carries the id the server will persist; when it comes back on a poll
// the merge replaces the optimistic copy. On failure the entry and the
// optimistic working flag are rolled back and the error is returned.
func (s *SyncEngine) Send(ctx context.Context, prompt string) (*SubmitAck, error) {
	id := uuid.NewString()
	local := Message{
		ID:        id,
		SessionID: s.sessionID,
		Kind:      "user",
		Payload:   mustJSON(map[string]string{"text": prompt}),
		CreatedAt: time.Now().UTC(),
		Local:     true,
	}

	s.mu.Lock()
	wasWorking := s.working
	s.index[id] = len(s.messages)
	s.messages = append(s.messages, local)
	s.working = true
	s.sendPending = true
	s.mu.Unlock()

	ack, err := s.api.SubmitMessage(ctx, s.sessionID, prompt, id)
	if err != nil {
		s.mu.Lock()
		s.removeMessage(id)
		s.working = wasWorking
		s.sendPending = false
		s.mu.Unlock()
		return nil, fmt.Errorf("submit message: %w", err)
	}
	return ack, nil
}

// Cancel requests cancellation of the session's active job.
func (s *SyncEngine) Cancel(ctx context.Context) (*CancelAck, error) {
	return s.api.CancelJob(ctx, s.sessionID)
}

// removeMessage drops one entry and reindexes the tail. Caller holds
// s.mu.
func (s *SyncEngine) removeMessage(id string) {
	i, ok := s.index[id]
	if !ok {
		return
	}
	delete(s.index, id)
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	for j := i; j < len(s.messages); j++ {
		s.index[s.messages[j].ID] = j
	}
}

func (s *SyncEngine) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	if s.failures >= s.maxFailures {
		s.stalled = true
	}
}

// Run polls the server until ctx is cancelled or the engine stalls.
// While a job is active or a send is pending it polls at PollInterval;
// otherwise it slows to IdleInterval. Returns ErrSyncStalled once the
// consecutive-failure bound is hit; call Retry and Run again to resume.
func (s *SyncEngine) Run(ctx context.Context) error {
	if err := s.InitialLoad(ctx); err != nil {
		s.logger.WarnContext(ctx, "initial load failed", "error", err)
	}

	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err := s.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.WarnContext(ctx, "poll failed", "error", err)
		}
		if s.Stalled() {
			return ErrSyncStalled
		}
		timer.Reset(s.interval())
	}
}

// RunLive consumes the live stream, polling the durable log whenever an
// update arrives. Disconnects trigger a reconnect with exponential
// backoff and a catch-up poll; Run's cursor makes the catch-up cheap
// and the merge makes it safe. Returns once the backoff budget is
// exhausted or ctx is cancelled.
func (s *SyncEngine) RunLive(ctx context.Context) error {
	backoff := s.reconnect

	for {
		frames, err := s.api.LiveUpdates(ctx, s.sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay, ok := backoff.Next()
			if !ok {
				return fmt.Errorf("live stream reconnect budget exhausted: %w", err)
			}
			s.logger.WarnContext(ctx, "live stream connect failed, retrying",
				"error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		backoff.Reset()

		// Catch up on anything published while disconnected.
		if err := s.Poll(ctx); err != nil {
			s.logger.WarnContext(ctx, "catch-up poll failed", "error", err)
		}

		if err := s.consumeFrames(ctx, frames); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.InfoContext(ctx, "live stream closed, reconnecting")
	}
}

func (s *SyncEngine) consumeFrames(ctx context.Context, frames <-chan LiveFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if frame.Type != "update" {
				continue
			}
			// Events are hints; the durable log stays authoritative.
			if err := s.Poll(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.WarnContext(ctx, "poll after update failed", "error", err)
			}
			if s.Stalled() {
				return ErrSyncStalled
			}
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func (s *SyncEngine) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.working || s.sendPending {
		return s.pollInterval
	}
	return s.idleInterval
}
