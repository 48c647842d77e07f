package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/promptline/agentd/internal/domain/model"
)

// SessionRepo provides database operations for conversation sessions.
type SessionRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// SessionRepoOptions configure a SessionRepo.
type SessionRepoOptions struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// NewSessionRepo creates a new SessionRepo instance.
func NewSessionRepo(db *sql.DB, opts SessionRepoOptions) *SessionRepo {
	tp := opts.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &SessionRepo{
		DB:           db,
		timeProvider: tp,
		logger:       opts.Logger,
	}
}

const sessionColumns = `
  id,
  project_context,
  continuation_id,
  is_working,
  current_job_id,
  last_job_status,
  created_at,
  updated_at
`

type sessionRowScanner interface {
	Scan(dest ...any) error
}

func scanSessionFromRow(scanner sessionRowScanner) (*model.Session, error) {
	session := &model.Session{}
	var continuationID, currentJobID, lastJobStatus sql.NullString
	if err := scanner.Scan(
		&session.ID,
		&session.ProjectContext,
		&continuationID,
		&session.IsWorking,
		&currentJobID,
		&lastJobStatus,
		&session.CreatedAt,
		&session.UpdatedAt,
	); err != nil {
		return nil, err
	}
	session.ContinuationID = cloneNullableString(continuationID)
	session.CurrentJobID = cloneNullableString(currentJobID)
	session.LastJobStatus = cloneNullableString(lastJobStatus)
	return session, nil
}

// Get retrieves a session by id.
func (r *SessionRepo) Get(ctx context.Context, id string) (*model.Session, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE id = $1
	`, id)

	session, err := scanSessionFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// GetOrCreate retrieves a session by id, creating it if absent. Creation
// is idempotent under concurrent callers.
func (r *SessionRepo) GetOrCreate(ctx context.Context, id, projectContext string) (*model.Session, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO sessions (id, project_context)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET updated_at = sessions.updated_at
		RETURNING `+sessionColumns, id, projectContext)

	session, err := scanSessionFromRow(row)
	if err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}
	return session, nil
}

// BeginWork transitions a session to the working state for the given
// job. The transition is conditional on is_working being false, which
// keeps at most one job executing per session regardless of how many
// workers race on the queue.
func (r *SessionRepo) BeginWork(ctx context.Context, sessionID, jobID string) error {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE sessions
		SET is_working = TRUE,
		    current_job_id = $2,
		    updated_at = $3
		WHERE id = $1 AND is_working = FALSE
	`, sessionID, jobID, currentTime)
	if err != nil {
		return fmt.Errorf("begin work: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("begin work rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists bool
		if checkErr := r.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists); checkErr != nil {
			return fmt.Errorf("check session existence: %w", checkErr)
		}
		if !exists {
			return ErrSessionNotFound
		}
		return ErrSessionBusy
	}
	return nil
}

// FinishWork clears the working state of a session and records the
// terminal status of its job. An empty continuationID leaves the stored
// continuation untouched.
func (r *SessionRepo) FinishWork(ctx context.Context, sessionID string, status model.JobStatus, continuationID string) error {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE sessions
		SET is_working = FALSE,
		    current_job_id = NULL,
		    last_job_status = $2,
		    continuation_id = COALESCE(NULLIF($3, ''), continuation_id),
		    updated_at = $4
		WHERE id = $1
	`, sessionID, string(status), continuationID, currentTime)
	if err != nil {
		return fmt.Errorf("finish work: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish work rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ReconcileStranded clears the working flag on sessions whose current
// job is no longer running. Sessions end up stranded when a worker dies
// between reserving a job and finishing it; the lease requeue recovers
// the job, this recovers the session.
func (r *SessionRepo) ReconcileStranded(ctx context.Context) (int64, error) {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE sessions s
		SET is_working = FALSE,
		    current_job_id = NULL,
		    last_job_status = COALESCE(
		        (SELECT j.status FROM jobs j WHERE j.id = s.current_job_id AND j.status NOT IN ('pending', 'running')),
		        s.last_job_status
		    ),
		    updated_at = $1
		WHERE s.is_working = TRUE
		  AND (
		    s.current_job_id IS NULL
		    OR NOT EXISTS (
		      SELECT 1 FROM jobs j
		      WHERE j.id = s.current_job_id AND j.status = 'running'
		    )
		  )
	`, currentTime)
	if err != nil {
		return 0, fmt.Errorf("reconcile stranded sessions: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected > 0 && r.logger != nil {
		r.logger.WarnContext(ctx, "reconciled stranded sessions", "count", rowsAffected)
	}
	return rowsAffected, nil
}
