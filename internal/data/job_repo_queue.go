package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/promptline/agentd/internal/data/pgxutil"
	"github.com/promptline/agentd/internal/domain/model"
)

const defaultRetryDelaySeconds = 30

func (r *JobRepo) retryDelay() int {
	if r.cfg.RetryDelaySeconds > 0 {
		return r.cfg.RetryDelaySeconds
	}
	return defaultRetryDelaySeconds
}

// SQL used by ReserveNext to atomically reserve the next job.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE status = 'pending' AND scheduled_at <= $1
    ORDER BY priority DESC, scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'running',
    attempts = j.attempts + 1,
    started_at = COALESCE(j.started_at, $2),
    lease_expires_at = $3,
    updated_at = $4
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.session_id, j.status, j.prompt, j.priority, j.attempts, j.max_attempts, j.last_error, j.cancel_requested, j.scheduled_at, j.started_at, j.completed_at, j.lease_expires_at, j.created_at, j.updated_at`

// Create enqueues a new pending job and notifies waiting workers. When
// the request carries a MessageID the user message is inserted in the
// same transaction, before the notification commits, so workers can
// never observe the job without its prompt on the log. The partial
// unique index on active jobs makes the one-active-job-per-session
// invariant hold even when two submissions race past the service-level
// check; the loser gets ErrSessionBusy.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if validateErr := req.Validate(); validateErr != nil {
		return nil, validateErr
	}

	var scheduledAt time.Time
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	} else {
		scheduledAt = r.timeProvider.Now().UTC()
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var job *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
        INSERT INTO jobs(session_id, status, prompt, priority, scheduled_at, max_attempts)
        VALUES ($1, 'pending', $2, $3, $4, $5)
        RETURNING `+jobColumns,
			req.SessionID, req.Prompt, req.Priority, scheduledAt, maxAttempts,
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		j, collectErr := collectJobFromRows(rows)
		rows.Close()
		if collectErr != nil {
			return fmt.Errorf("collect job: %w", collectErr)
		}

		if req.MessageID != "" {
			payload, marshalErr := json.Marshal(map[string]string{"text": req.Prompt})
			if marshalErr != nil {
				return fmt.Errorf("marshal user message: %w", marshalErr)
			}
			if _, execErr := tx.Exec(ctx, `
        INSERT INTO messages (id, session_id, kind, payload, job_id, created_at)
        VALUES ($1, $2, 'user', $3, $4, $5)
        ON CONFLICT (id) DO NOTHING`,
				req.MessageID, req.SessionID, payload, j.ID, r.timeProvider.Now().UTC(),
			); execErr != nil {
				return fmt.Errorf("insert user message: %w", execErr)
			}
		}

		if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, jobAddedChannel, j.ID); execErr != nil {
			return fmt.Errorf("send job notification: %w", execErr)
		}

		job = j
		return nil
	})
	if isUniqueViolation(txErr, "jobs_one_active_per_session") {
		return nil, ErrSessionBusy
	}
	if txErr != nil {
		return nil, txErr
	}
	return job, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == constraint
}

// collectJobFromRows collects a single job from pgx rows using pgx v5 helpers.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return job, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	lastError                              sql.NullString
	startedAt, completedAt, leaseExpiresAt sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.SessionID,
		&job.Status,
		&job.Prompt,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&d.lastError,
		&job.CancelRequested,
		&job.ScheduledAt,
		&d.startedAt,
		&d.completedAt,
		&d.leaseExpiresAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.LastError = cloneNullableString(d.lastError)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
	job.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}

	data.apply(job)
	return job, nil
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Advisory lock keys guarding requeueExpired so only one worker pays
// the requeue cost per scan.
const (
	advisoryLockRequeueMajor int64 = 1001
	advisoryLockRequeueMinor int64 = 1
)

// requeueExpired returns lease-expired running jobs to the pending state
// and returns the number of jobs requeued. Jobs whose attempts budget is
// already exhausted are failed instead of requeued.
func (r *JobRepo) requeueExpired(ctx context.Context) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithPgxTx(ctx, r.DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var locked bool
		if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)",
			advisoryLockRequeueMajor, advisoryLockRequeueMinor).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			rowsAffected = 0
			return nil
		}

		currentTime := r.timeProvider.Now().UTC()
		res, err := tx.Exec(ctx, `
        UPDATE jobs
        SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
            last_error = CASE WHEN attempts >= max_attempts THEN 'job lease expired' ELSE last_error END,
            completed_at = CASE WHEN attempts >= max_attempts THEN $1::timestamptz ELSE NULL END,
            lease_expires_at = NULL,
            updated_at = $1
        WHERE status = 'running'
          AND lease_expires_at IS NOT NULL
          AND lease_expires_at < $1
      `, currentTime)
		if err != nil {
			return fmt.Errorf("requeue expired: %w", err)
		}
		rowsAffected = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// ReserveNext reserves the next available job for processing.
// Expired leases are requeued first so stalled work is recovered before
// new reservations happen.
func (r *JobRepo) ReserveNext(ctx context.Context, leaseSeconds int) (*model.Job, error) {
	if _, err := r.requeueExpired(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired jobs: %w", err)
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		currentTime := r.timeProvider.Now()
		leaseExpiresAt := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

		rows, qerr := tx.Query(
			ctx,
			reserveNextUpdateSQL,
			currentTime.UTC(),
			currentTime.UTC(),
			leaseExpiresAt.UTC(),
			currentTime.UTC(),
		)
		if qerr != nil {
			return fmt.Errorf("reserve job: %w", qerr)
		}
		defer rows.Close()

		j, cerr := collectJobFromRows(rows)
		if errors.Is(cerr, pgx.ErrNoRows) {
			return model.ErrNoJobsAvailable
		}
		if cerr != nil {
			return fmt.Errorf("reserve job: %w", cerr)
		}
		job = j
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the lease on a running job. It returns whether the
// lease is still held and whether cancellation has been requested, so
// a worker that missed the cancel notification still observes it.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (held, cancelRequested bool, err error) {
	if leaseSeconds <= 0 {
		return false, false, errors.New("leaseSeconds must be positive")
	}

	currentTime := r.timeProvider.Now().UTC()
	leaseExpiration := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

	query := `
		UPDATE jobs
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
		RETURNING cancel_requested
	`

	if scanErr := r.DB.QueryRowContext(ctx, query, jobID, leaseExpiration, currentTime).Scan(&cancelRequested); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("heartbeat job: %w", scanErr)
	}

	return true, cancelRequested, nil
}

// Complete marks a running job as completed successfully.
func (r *JobRepo) Complete(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    completed_at = $2,
		    updated_at = $3,
		    lease_expires_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND status = 'running'
	`, id, currentTime, currentTime)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Fail records a failure on a running job. The job returns to pending
// for another attempt while the attempts budget allows, otherwise it
// becomes failed. The resulting status is returned.
func (r *JobRepo) Fail(ctx context.Context, id, errMsg string) (model.JobStatus, error) {
	retryDelay := r.retryDelay()
	currentTime := r.timeProvider.Now()
	retryScheduledAt := currentTime.Add(time.Duration(retryDelay) * time.Second)

	query := `
      UPDATE jobs
      SET
        last_error = $2,
        status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
        completed_at = CASE WHEN attempts >= max_attempts THEN $3::timestamptz ELSE NULL END,
        lease_expires_at = NULL,
        scheduled_at = CASE WHEN attempts >= max_attempts THEN scheduled_at
                            ELSE $4::timestamptz END,
        updated_at = $5
      WHERE id = $1 AND status = 'running'
      RETURNING status
    `

	var status model.JobStatus
	if err := r.DB.QueryRowContext(ctx, query,
		id, errMsg, currentTime.UTC(), retryScheduledAt.UTC(), currentTime.UTC(),
	).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrJobNotFound
		}
		return "", fmt.Errorf("fail job: %w", err)
	}

	return status, nil
}

// Cancel marks a running job as cancelled. Cancellation is terminal and
// never consumes a retry.
func (r *JobRepo) Cancel(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelled',
		    completed_at = $2,
		    updated_at = $2,
		    lease_expires_at = NULL
		WHERE id = $1 AND status IN ('pending', 'running')
	`, id, currentTime)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// RequestCancel requests cancellation of a job. Pending jobs are
// cancelled immediately; running jobs are flagged and the owning worker
// is notified so it can abort the execution. The job's status after the
// request is returned.
func (r *JobRepo) RequestCancel(ctx context.Context, id string) (model.JobStatus, error) {
	currentTime := r.timeProvider.Now().UTC()

	var status model.JobStatus
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE jobs
			SET cancel_requested = TRUE,
			    status = CASE WHEN status = 'pending' THEN 'cancelled' ELSE status END,
			    completed_at = CASE WHEN status = 'pending' THEN $2::timestamptz ELSE completed_at END,
			    updated_at = $2
			WHERE id = $1 AND status IN ('pending', 'running')
			RETURNING status
		`, id, currentTime).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			// Either missing or already terminal; disambiguate for the caller.
			var exists bool
			if checkErr := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); checkErr != nil {
				return fmt.Errorf("check job existence: %w", checkErr)
			}
			if !exists {
				return ErrJobNotFound
			}
			return ErrJobNotCancellable
		}
		if err != nil {
			return fmt.Errorf("request cancel: %w", err)
		}

		if status == model.JobStatusRunning {
			if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, jobCancelChannel, id); execErr != nil {
				return fmt.Errorf("send cancel notification: %w", execErr)
			}
		}
		return nil
	})
	if txErr != nil {
		return "", txErr
	}
	return status, nil
}

// Stats returns statistics about jobs in different states.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')   AS pending,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed,
    count(*) FILTER (WHERE status = 'cancelled') AS cancelled
  FROM jobs
  `).Scan(
		&s.Pending,
		&s.Running,
		&s.Completed,
		&s.Failed,
		&s.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification waits for a PostgreSQL notification indicating new jobs are available.
func (r *JobRepo) WaitForNotification(ctx context.Context) error {
	return r.waitOnChannel(ctx, jobAddedChannel)
}

// WaitForCancelNotification waits for a cancellation request and returns
// the id of the job to cancel.
func (r *JobRepo) WaitForCancelNotification(ctx context.Context) (string, error) {
	var jobID string
	err := r.waitOnChannelPayload(ctx, jobCancelChannel, &jobID)
	return jobID, err
}

func (r *JobRepo) waitOnChannel(ctx context.Context, channel string) error {
	var discard string
	return r.waitOnChannelPayload(ctx, channel, &discard)
}

func (r *JobRepo) waitOnChannelPayload(ctx context.Context, channel string, payload *string) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		notification, notifyErr := sc.Conn().WaitForNotification(ctx)
		if notifyErr != nil {
			return notifyErr
		}
		*payload = notification.Payload
		return nil
	})
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE id = $1
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		job, err = collectJobFromRows(rows)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ActiveJobForSession returns the pending or running job for a session,
// or ErrJobNotFound when the session has no active job.
func (r *JobRepo) ActiveJobForSession(ctx context.Context, sessionID string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE session_id = $1 AND status IN ('pending', 'running')
			ORDER BY created_at DESC
			LIMIT 1
		`, sessionID)
		if err != nil {
			return err
		}
		defer rows.Close()
		job, err = collectJobFromRows(rows)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return job, nil
}

// DeleteOldJobs deletes terminal jobs older than the cutoff, up to limit rows.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status IN ('completed', 'failed', 'cancelled')
			  AND completed_at IS NOT NULL
			  AND completed_at < $1
			LIMIT $2
		)
	`, cutoff.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// FailStalePendingJobs fails pending jobs older than the cutoff, up to
// limit rows. Jobs stuck pending this long will never be picked up by a
// healthy worker and would otherwise pin their sessions forever.
func (r *JobRepo) FailStalePendingJobs(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	currentTime := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    last_error = 'job expired before being processed',
		    completed_at = $2,
		    updated_at = $2
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND created_at < $1
			LIMIT $3
		)
	`, cutoff.UTC(), currentTime, limit)
	if err != nil {
		return 0, fmt.Errorf("fail stale pending jobs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return rowsAffected, nil
}
