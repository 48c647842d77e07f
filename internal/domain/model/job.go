// Package model defines the core data types and structures used throughout the agentd job system.
package model

import (
	"errors"
	"time"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates a job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates a job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates a job has finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job has failed to complete.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates a job was cancelled before or during processing.
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusRunning || s == JobStatusCompleted ||
		s == JobStatusFailed || s == JobStatusCancelled
}

// Terminal returns true if the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job represents an agent job in the system with all its metadata and status information.
type Job struct {
	ID              string     `json:"id"                         db:"id"`
	SessionID       string     `json:"session_id"                 db:"session_id"`
	Status          JobStatus  `json:"status"                     db:"status"`
	Prompt          string     `json:"prompt"                     db:"prompt"`
	Priority        int        `json:"priority"                   db:"priority"`
	Attempts        int        `json:"attempts"                   db:"attempts"`
	MaxAttempts     int        `json:"max_attempts"               db:"max_attempts"`
	LastError       *string    `json:"last_error,omitempty"       db:"last_error"`
	CancelRequested bool       `json:"cancel_requested"           db:"cancel_requested"`
	ScheduledAt     time.Time  `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"     db:"completed_at"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt       time.Time  `json:"created_at"                 db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"                 db:"updated_at"`
}

// CreateJobRequest represents a request to enqueue a new agent job.
type CreateJobRequest struct {
	SessionID   string     `json:"session_id"`
	Prompt      string     `json:"prompt"`
	Priority    int        `json:"priority,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	MaxAttempts int        `json:"max_attempts"`
	// MessageID is the durable id of the user message recorded with the
	// job. The message is inserted in the same transaction that enqueues
	// the job, so it is on the log before any worker output and the two
	// never exist without each other.
	MessageID string `json:"message_id,omitempty"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if r.SessionID == "" {
		return errors.New("session id is required")
	}
	if r.Prompt == "" {
		return errors.New("prompt is required")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return errors.New("priority must be between 0 and 100")
	}
	if r.MaxAttempts < 0 {
		return errors.New("max attempts must be >= 0")
	}
	return nil
}

// JobStats represents statistics about jobs in different states.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// JobStatusResponse represents the status information for a specific job.
type JobStatusResponse struct {
	Status      JobStatus  `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}
