package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/promptline/agentd/internal/domain/engine"
	"github.com/promptline/agentd/internal/domain/model"
	"github.com/promptline/agentd/internal/observability/metrics"
	"github.com/promptline/agentd/internal/observability/statsd"
	"github.com/promptline/agentd/internal/relay"
	"github.com/promptline/agentd/internal/service"
)

// RunnerOptions configures the worker runner.
type RunnerOptions struct {
	Jobs     *service.JobService     // Required
	Sessions *service.SessionService // Required
	Messages *service.MessageService // Required
	Engine   engine.Engine           // Required
	Relay    relay.Relay             // Optional: progress events are dropped without one
	Metrics  statsd.Sink             // Optional: job outcome metrics are dropped without one
	Logger   *slog.Logger            // Optional

	// Lease is the per-job lease duration; defaults to 30s.
	Lease time.Duration
	// Concurrency is the number of worker goroutines; defaults to 5.
	Concurrency int
}

// Runner pulls agent jobs off the queue and executes them. At most
// Concurrency jobs run at once; each runs in its own execution with its
// own engine invocation.
type Runner struct {
	jobs     *service.JobService
	sessions *service.SessionService
	messages *service.MessageService
	engine   engine.Engine
	relay    relay.Relay
	metrics  statsd.Sink
	logger   *slog.Logger
	lease    time.Duration
	workers  int
	registry *registry
}

// NewRunner constructs a worker runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("SessionService is required")
	}
	if opts.Messages == nil {
		return nil, errors.New("MessageService is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("Engine is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lease := opts.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 5
	}

	return &Runner{
		jobs:     opts.Jobs,
		sessions: opts.Sessions,
		messages: opts.Messages,
		engine:   opts.Engine,
		relay:    opts.Relay,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "worker"),
		lease:    lease,
		workers:  workers,
		registry: newRegistry(),
	}, nil
}

// Run starts the worker goroutines and the cancel listener, processing
// jobs until the context is cancelled. On shutdown every live engine
// invocation is aborted before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting worker runner", "workers", r.workers, "lease", r.lease)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsub, notify := r.jobs.Subscribe()
	defer unsub()

	g, gctx := errgroup.WithContext(ctx)

	for range r.workers {
		g.Go(func() error {
			return r.workerLoop(gctx, notify)
		})
	}

	g.Go(func() error {
		r.cancelListenLoop(gctx)
		return nil
	})

	err := g.Wait()

	// Abort anything still live so no engine process outlives the worker.
	r.registry.abortAll()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		job, err := r.jobs.ReserveNext(ctx, r.lease)
		switch {
		case err == nil:
			if job != nil {
				r.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForNotify(ctx, notify) {
				return nil
			}
		default:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return nil
}

func (r *Runner) waitForNotify(ctx context.Context, notify <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	}
}

// cancelListenLoop turns cancel notifications into aborts on the live
// invocation registry. Misses are harmless: the heartbeat fallback
// observes the cancel flag within one lease tick.
func (r *Runner) cancelListenLoop(ctx context.Context) {
	for ctx.Err() == nil {
		jobID, err := r.jobs.WaitForCancelNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.WarnContext(ctx, "cancel listener error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if r.registry.abort(jobID) {
			r.logger.InfoContext(ctx, "aborted execution on cancel request", "job_id", jobID)
		}
	}
}

// processJob runs one reserved job to a terminal state. Durable state
// (messages, job row, session row) is always updated before the outcome
// propagates anywhere else.
func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()

	session, err := r.sessions.Get(ctx, job.SessionID)
	if err != nil {
		r.failJob(ctx, job, fmt.Sprintf("load session: %v", err))
		r.recordOutcome(model.JobStatusFailed, job, start)
		return
	}

	if beginErr := r.sessions.BeginWork(ctx, job.SessionID, job.ID); beginErr != nil {
		// A busy session means a stranded working flag or a submission
		// race; the job fails and the reaper reconciles the session.
		r.failJob(ctx, job, fmt.Sprintf("begin work: %v", beginErr))
		r.recordOutcome(model.JobStatusFailed, job, start)
		return
	}

	exec := &execution{
		job:      job,
		session:  session,
		engine:   r.engine,
		messages: r.messages,
		relay:    r.relay,
		registry: r.registry,
		logger:   r.logger,
		leaseTick: r.lease / 3,
		heartbeat: func(hctx context.Context) (bool, bool, error) {
			return r.jobs.Heartbeat(hctx, job.ID, r.lease)
		},
	}

	result, runErr := exec.run(ctx)

	switch {
	case runErr == nil:
		continuationID := ""
		if result != nil {
			continuationID = result.continuationID
		}
		if _, err := r.jobs.Complete(ctx, job.ID); err != nil {
			r.logger.ErrorContext(ctx, "complete job error", "job_id", job.ID, "error", err)
		}
		r.finishSession(ctx, job.SessionID, model.JobStatusCompleted, continuationID)
		r.recordOutcome(model.JobStatusCompleted, job, start)

	case errors.Is(runErr, engine.ErrAborted):
		if _, err := r.jobs.CancelRunning(ctx, job.ID); err != nil {
			r.logger.ErrorContext(ctx, "cancel job error", "job_id", job.ID, "error", err)
		}
		r.finishSession(ctx, job.SessionID, model.JobStatusCancelled, "")
		r.logger.InfoContext(ctx, "job cancelled", "job_id", job.ID, "session_id", job.SessionID)
		r.recordOutcome(model.JobStatusCancelled, job, start)

	default:
		status, failErr := r.jobs.Fail(ctx, job.ID, runErr.Error())
		if failErr != nil {
			r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", failErr, "original_error", runErr)
			status = model.JobStatusFailed
		}
		r.finishSession(ctx, job.SessionID, status, "")
		r.recordOutcome(status, job, start)
	}
}

// recordOutcome emits the attempt outcome. A failed attempt with
// retries left goes back to pending, which the status tag reflects.
func (r *Runner) recordOutcome(status model.JobStatus, job *model.Job, start time.Time) {
	metrics.EmitJobOutcome(r.metrics, metrics.JobOutcome{
		Status:   status,
		Attempts: job.Attempts,
		Duration: time.Since(start),
	})
}

func (r *Runner) failJob(ctx context.Context, job *model.Job, msg string) {
	if _, err := r.jobs.Fail(ctx, job.ID, msg); err != nil {
		r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", err)
	}
}

func (r *Runner) finishSession(ctx context.Context, sessionID string, status model.JobStatus, continuationID string) {
	if err := r.sessions.FinishWork(ctx, sessionID, status, continuationID); err != nil {
		r.logger.ErrorContext(ctx, "finish session error",
			"session_id", sessionID,
			"status", status,
			"error", err,
		)
	}
}
