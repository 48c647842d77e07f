package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/promptline/agentd/internal/core"
	"github.com/promptline/agentd/internal/data"
	"github.com/promptline/agentd/internal/domain/model"
	apperrors "github.com/promptline/agentd/internal/errors"
)

// SessionServiceOptions groups dependencies for SessionService.
type SessionServiceOptions struct {
	Repo   core.SessionRepository // Required
	Logger *slog.Logger           // Optional
}

// SessionService provides business logic for session lifecycle.
type SessionService struct {
	repo   core.SessionRepository
	logger *slog.Logger
}

// NewSessionService constructs a new SessionService.
func NewSessionService(opts SessionServiceOptions) (*SessionService, error) {
	if opts.Repo == nil {
		return nil, errors.New("SessionRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "session_service")
	}

	return &SessionService{
		repo:   opts.Repo,
		logger: logger,
	}, nil
}

// MustNewSessionService constructs a new SessionService and panics on error.
func MustNewSessionService(opts SessionServiceOptions) *SessionService {
	svc, err := NewSessionService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create SessionService: %v", err))
	}
	return svc
}

// Get retrieves a session by id.
func (s *SessionService) Get(ctx context.Context, id string) (*model.Session, error) {
	session, err := s.repo.Get(ctx, id)
	if errors.Is(err, data.ErrSessionNotFound) {
		return nil, apperrors.NotFoundf("session %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetOrCreate retrieves a session, creating it on first use.
func (s *SessionService) GetOrCreate(ctx context.Context, id, projectContext string) (*model.Session, error) {
	session, err := s.repo.GetOrCreate(ctx, id, projectContext)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// BeginWork transitions a session into the working state for a job.
// Returns a Conflict error if the session is already working.
func (s *SessionService) BeginWork(ctx context.Context, sessionID, jobID string) error {
	err := s.repo.BeginWork(ctx, sessionID, jobID)
	if errors.Is(err, data.ErrSessionBusy) {
		return apperrors.Conflictf("session %s is already working", sessionID)
	}
	if errors.Is(err, data.ErrSessionNotFound) {
		return apperrors.NotFoundf("session %s not found", sessionID)
	}
	if err != nil {
		return err
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "session working", "session_id", sessionID, "job_id", jobID)
	}
	return nil
}

// FinishWork clears the working state and records the job's terminal
// status plus the continuation id for the next turn.
func (s *SessionService) FinishWork(ctx context.Context, sessionID string, status model.JobStatus, continuationID string) error {
	if err := s.repo.FinishWork(ctx, sessionID, status, continuationID); err != nil {
		return err
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "session idle",
			"session_id", sessionID,
			"last_job_status", status,
		)
	}
	return nil
}

// ReconcileStranded recovers sessions stuck in the working state whose
// job is no longer running.
func (s *SessionService) ReconcileStranded(ctx context.Context) (int64, error) {
	return s.repo.ReconcileStranded(ctx)
}
