// Package service implements the business logic layer over the
// repository contracts.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/promptline/agentd/internal/core"
	"github.com/promptline/agentd/internal/data"
	domainjob "github.com/promptline/agentd/internal/domain/job"
	"github.com/promptline/agentd/internal/domain/model"
	apperrors "github.com/promptline/agentd/internal/errors"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	Sessions        core.SessionRepository    // Required: session repository
	DefaultLease    time.Duration             // Required: default lease duration for jobs
	DefaultAttempts int                       // Optional: default max attempts per job (defaults to 1)
	Logger          *slog.Logger              // Optional: structured logger
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
}

// JobService provides business logic for agent job operations.
//
// This service manages:
// - Job submission with the one-active-job-per-session invariant
// - Job reservation and lease management for workers
// - Cancellation requests
// - Pub/sub notification plumbing for job availability.
type JobService struct {
	repo            core.JobRepository
	sessions        core.SessionRepository
	leasePolicy     *domainjob.LeasePolicy
	notifier        domainjob.Notifier
	defaultAttempts int
	logger          *slog.Logger
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("SessionRepository is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	defaultAttempts := opts.DefaultAttempts
	if defaultAttempts <= 0 {
		defaultAttempts = 1
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
	}

	return &JobService{
		repo:            opts.Repo,
		sessions:        opts.Sessions,
		leasePolicy:     leasePolicy,
		notifier:        notifier,
		defaultAttempts: defaultAttempts,
		logger:          logger,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Submit enqueues a new agent job for a session, creating the session on
// first use. A session can only ever have one pending or running job:
// submitting against a busy session returns a Conflict error. The user
// message is recorded with the job under req.MessageID; a fresh id is
// generated when the caller did not supply one.
func (s *JobService) Submit(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, apperrors.Validation("submit request is required")
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = s.defaultAttempts
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	if _, err := s.sessions.GetOrCreate(ctx, req.SessionID, ""); err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}

	if active, err := s.repo.ActiveJobForSession(ctx, req.SessionID); err == nil && active != nil {
		return nil, apperrors.Conflictf("session %s already has an active job %s", req.SessionID, active.ID)
	} else if err != nil && !errors.Is(err, data.ErrJobNotFound) {
		return nil, fmt.Errorf("check active job: %w", err)
	}

	job, err := s.repo.Create(ctx, req)
	if errors.Is(err, data.ErrSessionBusy) {
		// A concurrent submission won the race between the active-job
		// check and the insert.
		return nil, apperrors.Conflictf("session %s already has an active job", req.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job submitted",
			"job_id", job.ID,
			"session_id", job.SessionID,
		)
	}

	return job, nil
}

// GetByID retrieves a job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, data.ErrJobNotFound) {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ReserveNext reserves the next available job for processing.
func (s *JobService) ReserveNext(ctx context.Context, lease time.Duration) (*model.Job, error) {
	decision := s.leasePolicy.Resolve(lease)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second lease duration to 1 second",
			"requested_duration", decision.Requested)
	}

	job, err := s.repo.ReserveNext(ctx, decision.Seconds)
	if err != nil {
		return nil, fmt.Errorf("reserve next job: %w", err)
	}

	if s.logger != nil && job != nil {
		s.logger.DebugContext(ctx, "job reserved",
			"job_id", job.ID,
			"session_id", job.SessionID,
			"lease_seconds", decision.Seconds,
		)
	}

	return job, nil
}

// Subscribe creates a subscription for job availability notifications.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *JobService) Subscribe() (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe()
}

// StopNotifier shuts down the availability notifier and its listeners.
func (s *JobService) StopNotifier() {
	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

// Heartbeat extends the lease on a job. It reports whether the lease is
// still held and whether cancellation has been requested for the job.
func (s *JobService) Heartbeat(ctx context.Context, id string, extend time.Duration) (held, cancelRequested bool, err error) {
	decision := s.leasePolicy.Resolve(extend)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second heartbeat duration to 1 second",
			"requested_duration", decision.Requested,
			"job_id", id)
	}

	held, cancelRequested, err = s.repo.Heartbeat(ctx, id, decision.Seconds)
	if err != nil {
		return false, false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	return held, cancelRequested, nil
}

// Complete marks a job as completed.
func (s *JobService) Complete(ctx context.Context, id string) (bool, error) {
	completed, err := s.repo.Complete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}
	return completed, nil
}

// Fail records a failure on a job and returns the resulting status:
// pending when another attempt remains, failed when the budget is spent.
func (s *JobService) Fail(ctx context.Context, id, errMsg string) (model.JobStatus, error) {
	status, err := s.repo.Fail(ctx, id, errMsg)
	if err != nil {
		return "", fmt.Errorf("fail job %s: %w", id, err)
	}
	if s.logger != nil {
		s.logger.WarnContext(ctx, "job failed",
			"job_id", id,
			"status", status,
			"error", errMsg,
		)
	}
	return status, nil
}

// CancelRunning marks a running job as cancelled after its execution was
// aborted. Cancellation is terminal and never retried.
func (s *JobService) CancelRunning(ctx context.Context, id string) (bool, error) {
	cancelled, err := s.repo.Cancel(ctx, id)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return cancelled, nil
}

// RequestCancel asks for a job to be cancelled. Pending jobs are
// cancelled immediately; running jobs are flagged and their worker is
// notified to abort.
func (s *JobService) RequestCancel(ctx context.Context, id string) (model.JobStatus, error) {
	status, err := s.repo.RequestCancel(ctx, id)
	if errors.Is(err, data.ErrJobNotFound) {
		return "", apperrors.NotFoundf("job %s not found", id)
	}
	if errors.Is(err, data.ErrJobNotCancellable) {
		return "", apperrors.Conflictf("job %s is already finished", id)
	}
	if err != nil {
		return "", fmt.Errorf("request cancel %s: %w", id, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job cancellation requested",
			"job_id", id,
			"status", status,
		)
	}
	return status, nil
}

// CancelActive requests cancellation of the session's active job. It
// returns the job id and resulting status, or NotFound when the session
// has no pending or running job.
func (s *JobService) CancelActive(ctx context.Context, sessionID string) (string, model.JobStatus, error) {
	active, err := s.repo.ActiveJobForSession(ctx, sessionID)
	if errors.Is(err, data.ErrJobNotFound) || (err == nil && active == nil) {
		return "", "", apperrors.NotFoundf("session %s has no active job", sessionID)
	}
	if err != nil {
		return "", "", fmt.Errorf("find active job: %w", err)
	}

	status, err := s.RequestCancel(ctx, active.ID)
	if err != nil {
		return "", "", err
	}
	return active.ID, status, nil
}

// WaitForCancelNotification blocks until a cancellation request arrives
// and returns the id of the job to abort.
func (s *JobService) WaitForCancelNotification(ctx context.Context) (string, error) {
	return s.repo.WaitForCancelNotification(ctx)
}

// Stats returns queue statistics.
func (s *JobService) Stats(ctx context.Context) (*model.JobStats, error) {
	return s.repo.Stats(ctx)
}
