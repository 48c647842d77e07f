package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engineadapter "github.com/promptline/agentd/internal/adapters/engine"
	"github.com/promptline/agentd/internal/data"
	domain "github.com/promptline/agentd/internal/domain/engine"
	"github.com/promptline/agentd/internal/domain/model"
	"github.com/promptline/agentd/internal/service"
)

type finishCall struct {
	status         model.JobStatus
	continuationID string
}

type stubSessionRepo struct {
	mu           sync.Mutex
	sessions     map[string]*model.Session
	beginWorkErr error
	beginCalls   []string
	finishCalls  []finishCall
}

func newStubSessionRepo() *stubSessionRepo {
	return &stubSessionRepo{sessions: make(map[string]*model.Session)}
}

func (s *stubSessionRepo) Get(_ context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, data.ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *stubSessionRepo) GetOrCreate(_ context.Context, id, projectContext string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		copied := *session
		return &copied, nil
	}
	session := &model.Session{ID: id, ProjectContext: projectContext}
	s.sessions[id] = session
	copied := *session
	return &copied, nil
}

func (s *stubSessionRepo) BeginWork(_ context.Context, sessionID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beginWorkErr != nil {
		return s.beginWorkErr
	}
	s.beginCalls = append(s.beginCalls, sessionID)
	if session, ok := s.sessions[sessionID]; ok {
		session.IsWorking = true
		session.CurrentJobID = &jobID
	}
	return nil
}

func (s *stubSessionRepo) FinishWork(_ context.Context, sessionID string, status model.JobStatus, continuationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishCalls = append(s.finishCalls, finishCall{status: status, continuationID: continuationID})
	if session, ok := s.sessions[sessionID]; ok {
		session.IsWorking = false
		session.CurrentJobID = nil
		statusStr := string(status)
		session.LastJobStatus = &statusStr
		if continuationID != "" {
			session.ContinuationID = &continuationID
		}
	}
	return nil
}

func (s *stubSessionRepo) ReconcileStranded(context.Context) (int64, error) {
	return 0, nil
}

func (s *stubSessionRepo) finished() []finishCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]finishCall(nil), s.finishCalls...)
}

type stubJobRepo struct {
	mu           sync.Mutex
	queue        []*model.Job
	completed    []string
	failed       map[string]string
	failStatus   model.JobStatus
	cancelled    []string
	cancelNotify chan string
}

func newStubJobRepo() *stubJobRepo {
	return &stubJobRepo{
		failed:       make(map[string]string),
		failStatus:   model.JobStatusFailed,
		cancelNotify: make(chan string),
	}
}

func (s *stubJobRepo) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := &model.Job{
		ID:          "job-" + req.SessionID,
		SessionID:   req.SessionID,
		Status:      model.JobStatusPending,
		Prompt:      req.Prompt,
		MaxAttempts: req.MaxAttempts,
	}
	s.queue = append(s.queue, job)
	return job, nil
}

func (s *stubJobRepo) GetByID(context.Context, string) (*model.Job, error) {
	return nil, data.ErrJobNotFound
}

func (s *stubJobRepo) ActiveJobForSession(context.Context, string) (*model.Job, error) {
	return nil, nil
}

func (s *stubJobRepo) ReserveNext(context.Context, int) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, model.ErrNoJobsAvailable
	}
	job := s.queue[0]
	s.queue = s.queue[1:]
	job.Status = model.JobStatusRunning
	job.Attempts++
	copied := *job
	return &copied, nil
}

func (s *stubJobRepo) WaitForNotification(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stubJobRepo) WaitForCancelNotification(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case jobID := <-s.cancelNotify:
		return jobID, nil
	}
}

func (s *stubJobRepo) Heartbeat(context.Context, string, int) (bool, bool, error) {
	return true, false, nil
}

func (s *stubJobRepo) Complete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return true, nil
}

func (s *stubJobRepo) Fail(_ context.Context, id, errMsg string) (model.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = errMsg
	return s.failStatus, nil
}

func (s *stubJobRepo) Cancel(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	return true, nil
}

func (s *stubJobRepo) RequestCancel(context.Context, string) (model.JobStatus, error) {
	return model.JobStatusCancelled, nil
}

func (s *stubJobRepo) Stats(context.Context) (*model.JobStats, error) {
	return &model.JobStats{}, nil
}

func (s *stubJobRepo) DeleteOldJobs(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

func (s *stubJobRepo) FailStalePendingJobs(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

func (s *stubJobRepo) completedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.completed...)
}

func (s *stubJobRepo) failedMsg(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.failed[id]
	return msg, ok
}

func (s *stubJobRepo) cancelledIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

type stubMessageRepo struct {
	mu       sync.Mutex
	appended []model.Message
}

func (s *stubMessageRepo) Append(_ context.Context, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, *msg)
	copied := *msg
	return &copied, nil
}

func (s *stubMessageRepo) GetByID(context.Context, string) (*model.Message, error) {
	return nil, errors.New("not implemented")
}

func (s *stubMessageRepo) ListAfter(context.Context, string, string, int) ([]model.Message, string, error) {
	return nil, "", nil
}

func (s *stubMessageRepo) kinds() []model.MessageKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]model.MessageKind, 0, len(s.appended))
	for _, msg := range s.appended {
		kinds = append(kinds, msg.Kind)
	}
	return kinds
}

type sinkCall struct {
	name string
	tags map[string]string
}

type stubSink struct {
	mu      sync.Mutex
	counts  []sinkCall
	timings []sinkCall
}

func (s *stubSink) Count(name string, _ int64, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = append(s.counts, sinkCall{name: name, tags: tags})
}

func (s *stubSink) Gauge(string, float64, map[string]string) {}

func (s *stubSink) Timing(name string, _ time.Duration, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timings = append(s.timings, sinkCall{name: name, tags: tags})
}

func (s *stubSink) countTags(name string) []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]string
	for _, call := range s.counts {
		if call.name == name {
			out = append(out, call.tags)
		}
	}
	return out
}

type workerFixture struct {
	jobs     *stubJobRepo
	sessions *stubSessionRepo
	messages *stubMessageRepo
	runner   *Runner
}

func newWorkerFixture(t *testing.T, eng domain.Engine) *workerFixture {
	t.Helper()

	jobs := newStubJobRepo()
	sessions := newStubSessionRepo()
	messages := &stubMessageRepo{}

	jobService, err := service.NewJobService(service.JobServiceOptions{
		Repo:         jobs,
		Sessions:     sessions,
		DefaultLease: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(jobService.StopNotifier)

	sessionService, err := service.NewSessionService(service.SessionServiceOptions{Repo: sessions})
	require.NoError(t, err)

	messageService, err := service.NewMessageService(service.MessageServiceOptions{
		Repo:     messages,
		Sessions: sessions,
	})
	require.NoError(t, err)

	runner, err := NewRunner(RunnerOptions{
		Jobs:     jobService,
		Sessions: sessionService,
		Messages: messageService,
		Engine:   eng,
		Lease:    30 * time.Second,
	})
	require.NoError(t, err)

	return &workerFixture{
		jobs:     jobs,
		sessions: sessions,
		messages: messages,
		runner:   runner,
	}
}

func (f *workerFixture) seedSession(id string) {
	f.sessions.mu.Lock()
	defer f.sessions.mu.Unlock()
	f.sessions.sessions[id] = &model.Session{ID: id}
}

func TestNewRunnerRequiresDependencies(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)
}

func TestProcessJobCompletesAndPersistsMessages(t *testing.T) {
	fixture := newWorkerFixture(t, engineadapter.NewScripted())
	fixture.seedSession("s1")

	job := &model.Job{ID: "job-1", SessionID: "s1", Prompt: "hello", Status: model.JobStatusRunning}
	fixture.runner.processJob(context.Background(), job)

	assert.Equal(t, []string{"job-1"}, fixture.jobs.completedIDs())
	assert.Equal(t, []model.MessageKind{model.MessageKindAssistant, model.MessageKindResult}, fixture.messages.kinds())

	finished := fixture.sessions.finished()
	require.Len(t, finished, 1)
	assert.Equal(t, model.JobStatusCompleted, finished[0].status)
	assert.Equal(t, "cont-job-1", finished[0].continuationID)

	session, err := fixture.sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, session.IsWorking)
}

func TestProcessJobEmitsOutcomeMetrics(t *testing.T) {
	fixture := newWorkerFixture(t, engineadapter.NewScripted())
	fixture.seedSession("s1")
	sink := &stubSink{}
	fixture.runner.metrics = sink

	job := &model.Job{ID: "job-1", SessionID: "s1", Prompt: "hello", Status: model.JobStatusRunning, Attempts: 1}
	fixture.runner.processJob(context.Background(), job)

	outcomes := sink.countTags("job.finished")
	require.Len(t, outcomes, 1)
	assert.Equal(t, "completed", outcomes[0]["status"])

	require.Len(t, sink.timings, 1)
	assert.Equal(t, "job.duration", sink.timings[0].name)
}

func TestProcessJobEngineErrorFailsJob(t *testing.T) {
	eng := &engineadapter.Scripted{
		Script: func(domain.InvokeRequest) []domain.Event {
			return []domain.Event{
				{Type: domain.EventAssistant, Data: json.RawMessage(`{"text":"partial"}`)},
				{Type: domain.EventError, Err: "engine exploded"},
			}
		},
	}

	fixture := newWorkerFixture(t, eng)
	fixture.seedSession("s1")

	job := &model.Job{ID: "job-1", SessionID: "s1", Prompt: "hello", Status: model.JobStatusRunning}
	fixture.runner.processJob(context.Background(), job)

	msg, ok := fixture.jobs.failedMsg("job-1")
	require.True(t, ok)
	assert.Contains(t, msg, "engine exploded")

	// The partial assistant message and the error are both on the durable log.
	assert.Equal(t, []model.MessageKind{model.MessageKindAssistant, model.MessageKindError}, fixture.messages.kinds())

	finished := fixture.sessions.finished()
	require.Len(t, finished, 1)
	assert.Equal(t, model.JobStatusFailed, finished[0].status)
}

func TestProcessJobAbortCancelsWithoutErrorMessage(t *testing.T) {
	eng := &engineadapter.Scripted{
		StepDelay: 20 * time.Millisecond,
		Script: func(req domain.InvokeRequest) []domain.Event {
			events := make([]domain.Event, 0, 101)
			for range 100 {
				events = append(events, domain.Event{Type: domain.EventAssistant, Data: json.RawMessage(`{"text":"chunk"}`)})
			}
			return append(events, domain.Event{Type: domain.EventComplete, Result: &domain.Result{}})
		},
	}

	fixture := newWorkerFixture(t, eng)
	fixture.seedSession("s1")

	job := &model.Job{ID: "job-1", SessionID: "s1", Prompt: "hello", Status: model.JobStatusRunning}

	done := make(chan struct{})
	go func() {
		defer close(done)
		fixture.runner.processJob(context.Background(), job)
	}()

	require.Eventually(t, func() bool {
		return fixture.runner.registry.size() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, fixture.runner.registry.abort("job-1"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processJob did not return after abort")
	}

	assert.Equal(t, []string{"job-1"}, fixture.jobs.cancelledIDs())
	assert.Empty(t, fixture.jobs.completedIDs())

	// Cancellation leaves no error message on the log.
	for _, kind := range fixture.messages.kinds() {
		assert.NotEqual(t, model.MessageKindError, kind)
	}

	finished := fixture.sessions.finished()
	require.Len(t, finished, 1)
	assert.Equal(t, model.JobStatusCancelled, finished[0].status)
	assert.Empty(t, finished[0].continuationID)
}

func TestProcessJobBusySessionFailsJob(t *testing.T) {
	fixture := newWorkerFixture(t, engineadapter.NewScripted())
	fixture.seedSession("s1")
	fixture.sessions.beginWorkErr = data.ErrSessionBusy

	job := &model.Job{ID: "job-1", SessionID: "s1", Prompt: "hello", Status: model.JobStatusRunning}
	fixture.runner.processJob(context.Background(), job)

	msg, ok := fixture.jobs.failedMsg("job-1")
	require.True(t, ok)
	assert.Contains(t, msg, "begin work")
	assert.Empty(t, fixture.messages.kinds())
}

func TestRunDrainsQueueAndStopsOnCancel(t *testing.T) {
	fixture := newWorkerFixture(t, engineadapter.NewScripted())
	fixture.seedSession("s1")

	_, err := fixture.jobs.Create(context.Background(), &model.CreateJobRequest{
		SessionID:   "s1",
		Prompt:      "hello",
		MaxAttempts: 1,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- fixture.runner.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(fixture.jobs.completedIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after context cancel")
	}
}

func TestCancelListenerAbortsLiveInvocation(t *testing.T) {
	eng := &engineadapter.Scripted{
		StepDelay: 20 * time.Millisecond,
		Script: func(req domain.InvokeRequest) []domain.Event {
			events := make([]domain.Event, 0, 101)
			for range 100 {
				events = append(events, domain.Event{Type: domain.EventAssistant, Data: json.RawMessage(`{"text":"chunk"}`)})
			}
			return append(events, domain.Event{Type: domain.EventComplete, Result: &domain.Result{}})
		},
	}

	fixture := newWorkerFixture(t, eng)
	fixture.seedSession("s1")

	_, err := fixture.jobs.Create(context.Background(), &model.CreateJobRequest{
		SessionID:   "s1",
		Prompt:      "hello",
		MaxAttempts: 1,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- fixture.runner.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return fixture.runner.registry.size() == 1
	}, 2*time.Second, 5*time.Millisecond)

	fixture.jobs.cancelNotify <- "job-s1"

	require.Eventually(t, func() bool {
		return len(fixture.jobs.cancelledIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after context cancel")
	}
}
