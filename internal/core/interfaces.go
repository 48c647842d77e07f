// Package core defines the repository contracts between the service
// layer and the data layer. Services depend on these interfaces, not on
// concrete implementations.
package core

import (
	"context"
	"time"

	"github.com/promptline/agentd/internal/domain/model"
)

// JobRepository defines the interface for agent job queue operations.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	ActiveJobForSession(ctx context.Context, sessionID string) (*model.Job, error)
	ReserveNext(ctx context.Context, leaseSeconds int) (*model.Job, error)
	WaitForNotification(ctx context.Context) error
	WaitForCancelNotification(ctx context.Context) (string, error)
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (held, cancelRequested bool, err error)
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (model.JobStatus, error)
	Cancel(ctx context.Context, id string) (bool, error)
	RequestCancel(ctx context.Context, id string) (model.JobStatus, error)
	Stats(ctx context.Context) (*model.JobStats, error)
	DeleteOldJobs(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	FailStalePendingJobs(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// SessionRepository defines the interface for session data operations.
type SessionRepository interface {
	Get(ctx context.Context, id string) (*model.Session, error)
	GetOrCreate(ctx context.Context, id, projectContext string) (*model.Session, error)
	BeginWork(ctx context.Context, sessionID, jobID string) error
	FinishWork(ctx context.Context, sessionID string, status model.JobStatus, continuationID string) error
	ReconcileStranded(ctx context.Context) (int64, error)
}

// MessageRepository defines the interface for the append-only message log.
type MessageRepository interface {
	Append(ctx context.Context, msg *model.Message) (*model.Message, error)
	GetByID(ctx context.Context, id string) (*model.Message, error)
	ListAfter(ctx context.Context, sessionID, cursor string, limit int) ([]model.Message, string, error)
}
