package httpx

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/promptline/agentd/internal/data"
	"github.com/promptline/agentd/internal/domain/model"
	"github.com/promptline/agentd/internal/relay"
	"github.com/promptline/agentd/internal/service"
)

// memJobRepo is an in-memory JobRepository for handler tests. Create
// mirrors the real repository: the user message lands with the job and
// a second active job for a session is rejected.
type memJobRepo struct {
	mu       sync.Mutex
	seq      int
	jobs     map[string]*model.Job
	messages *memMessageRepo
}

func newMemJobRepo(messages *memMessageRepo) *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*model.Job), messages: messages}
}

func (m *memJobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.jobs {
		if existing.SessionID == req.SessionID &&
			(existing.Status == model.JobStatusPending || existing.Status == model.JobStatusRunning) {
			return nil, data.ErrSessionBusy
		}
	}
	m.seq++
	job := &model.Job{
		ID:          fmt.Sprintf("job-%d", m.seq),
		SessionID:   req.SessionID,
		Status:      model.JobStatusPending,
		Prompt:      req.Prompt,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		CreatedAt:   time.Now(),
	}
	m.jobs[job.ID] = job
	if m.messages != nil && req.MessageID != "" {
		jobID := job.ID
		if _, err := m.messages.Append(ctx, &model.Message{
			ID:        req.MessageID,
			SessionID: req.SessionID,
			Kind:      model.MessageKindUser,
			Payload:   []byte(`{"text":` + strconv.Quote(req.Prompt) + `}`),
			JobID:     &jobID,
		}); err != nil {
			return nil, err
		}
	}
	copied := *job
	return &copied, nil
}

func (m *memJobRepo) GetByID(_ context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, data.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memJobRepo) ActiveJobForSession(_ context.Context, sessionID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.SessionID == sessionID && (job.Status == model.JobStatusPending || job.Status == model.JobStatusRunning) {
			copied := *job
			return &copied, nil
		}
	}
	return nil, data.ErrJobNotFound
}

func (m *memJobRepo) ReserveNext(context.Context, int) (*model.Job, error) {
	return nil, model.ErrNoJobsAvailable
}

func (m *memJobRepo) WaitForNotification(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (m *memJobRepo) WaitForCancelNotification(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (m *memJobRepo) Heartbeat(context.Context, string, int) (bool, bool, error) {
	return true, false, nil
}

func (m *memJobRepo) Complete(context.Context, string) (bool, error) {
	return true, nil
}

func (m *memJobRepo) Fail(context.Context, string, string) (model.JobStatus, error) {
	return model.JobStatusFailed, nil
}

func (m *memJobRepo) Cancel(context.Context, string) (bool, error) {
	return true, nil
}

func (m *memJobRepo) RequestCancel(_ context.Context, id string) (model.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return "", data.ErrJobNotFound
	}
	switch job.Status {
	case model.JobStatusPending:
		job.Status = model.JobStatusCancelled
		return model.JobStatusCancelled, nil
	case model.JobStatusRunning:
		job.CancelRequested = true
		return model.JobStatusRunning, nil
	default:
		return "", data.ErrJobNotCancellable
	}
}

func (m *memJobRepo) Stats(context.Context) (*model.JobStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &model.JobStats{}
	for _, job := range m.jobs {
		switch job.Status {
		case model.JobStatusPending:
			stats.Pending++
		case model.JobStatusRunning:
			stats.Running++
		case model.JobStatusCompleted:
			stats.Completed++
		case model.JobStatusFailed:
			stats.Failed++
		case model.JobStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func (m *memJobRepo) DeleteOldJobs(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

func (m *memJobRepo) FailStalePendingJobs(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

// memSessionRepo is an in-memory SessionRepository for handler tests.
type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*model.Session)}
}

func (m *memSessionRepo) Get(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, data.ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (m *memSessionRepo) GetOrCreate(_ context.Context, id, projectContext string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[id]; ok {
		copied := *session
		return &copied, nil
	}
	session := &model.Session{ID: id, ProjectContext: projectContext}
	m.sessions[id] = session
	copied := *session
	return &copied, nil
}

func (m *memSessionRepo) BeginWork(_ context.Context, sessionID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return data.ErrSessionNotFound
	}
	if session.IsWorking {
		return data.ErrSessionBusy
	}
	session.IsWorking = true
	session.CurrentJobID = &jobID
	return nil
}

func (m *memSessionRepo) FinishWork(_ context.Context, sessionID string, status model.JobStatus, continuationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return data.ErrSessionNotFound
	}
	session.IsWorking = false
	session.CurrentJobID = nil
	statusStr := string(status)
	session.LastJobStatus = &statusStr
	if continuationID != "" {
		session.ContinuationID = &continuationID
	}
	return nil
}

func (m *memSessionRepo) ReconcileStranded(context.Context) (int64, error) {
	return 0, nil
}

// memMessageRepo is an in-memory MessageRepository. Cursors are the
// decimal index of the last returned message.
type memMessageRepo struct {
	mu       sync.Mutex
	messages []model.Message
}

func (m *memMessageRepo) Append(_ context.Context, msg *model.Message) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == msg.ID {
			copied := m.messages[i]
			return &copied, nil
		}
	}
	stored := *msg
	stored.CreatedAt = time.Now()
	m.messages = append(m.messages, stored)
	copied := stored
	return &copied, nil
}

func (m *memMessageRepo) GetByID(_ context.Context, id string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == id {
			copied := m.messages[i]
			return &copied, nil
		}
	}
	return nil, data.ErrJobNotFound
}

func (m *memMessageRepo) ListAfter(_ context.Context, sessionID, cursor string, limit int) ([]model.Message, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	if cursor != "" {
		idx, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", data.ErrInvalidCursor, err)
		}
		start = idx
	}

	var all []model.Message
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			all = append(all, msg)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	if start >= len(all) {
		return nil, cursor, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], strconv.Itoa(end), nil
}

// apiFixture wires an in-memory API server for handler tests.
type apiFixture struct {
	jobs     *memJobRepo
	sessions *memSessionRepo
	messages *memMessageRepo
	broker   *relay.Broker
	server   *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	sessions := newMemSessionRepo()
	messages := &memMessageRepo{}
	jobs := newMemJobRepo(messages)

	jobService, err := service.NewJobService(service.JobServiceOptions{
		Repo:         jobs,
		Sessions:     sessions,
		DefaultLease: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(jobService.StopNotifier)

	messageService, err := service.NewMessageService(service.MessageServiceOptions{
		Repo:     messages,
		Sessions: sessions,
	})
	require.NoError(t, err)

	broker := relay.NewBroker(relay.BrokerOptions{})
	t.Cleanup(func() { _ = broker.Close() })

	handler := NewRouter(RouterServices{
		Jobs:              jobService,
		Messages:          messageService,
		Relay:             broker,
		HeartbeatInterval: 50 * time.Millisecond,
	})

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &apiFixture{
		jobs:     jobs,
		sessions: sessions,
		messages: messages,
		broker:   broker,
		server:   server,
	}
}

func (f *apiFixture) url(path string) string {
	return f.server.URL + path
}

func closeBody(t *testing.T, resp *http.Response) {
	t.Helper()
	t.Cleanup(func() { _ = resp.Body.Close() })
}
