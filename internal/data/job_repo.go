// Package data implements PostgreSQL-backed repositories for sessions,
// jobs, and the append-only message log.
package data

import (
	"database/sql"
	"errors"
	"log/slog"
)

var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotCancellable is returned when attempting to cancel a job that is already terminal.
	ErrJobNotCancellable = errors.New("job is already in a terminal state")
	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionBusy is returned when a session already has a job being worked.
	ErrSessionBusy = errors.New("session already has an active job")
	// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Notification channels used by the job queue.
const (
	// jobAddedChannel announces newly enqueued jobs to idle workers.
	jobAddedChannel = "agent_job_added"
	// jobCancelChannel announces cancellation requests for running jobs.
	jobCancelChannel = "agent_job_cancel"
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	RetryDelaySeconds int
	Logger            *slog.Logger
	TimeProvider      TimeProvider
}

// JobRepo provides database operations for agent job queue management.
type JobRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  session_id,
  status,
  prompt,
  priority,
  attempts,
  max_attempts,
  last_error,
  cancel_requested,
  scheduled_at,
  started_at,
  completed_at,
  lease_expires_at,
  created_at,
  updated_at
`
