package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/promptline/agentd/config"
	"github.com/promptline/agentd/internal/core"
	"github.com/promptline/agentd/internal/data"
	"github.com/promptline/agentd/internal/observability/metrics"
	"github.com/promptline/agentd/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Jobs     core.JobRepository     // Required: job repository
	Sessions core.SessionRepository // Required: session repository
	Config   config.ReaperConfig    // Required: reaper configuration
	Logger   *slog.Logger           // Optional: structured logger
	Metrics  statsd.Sink            // Optional: pass counts are dropped without one
	Time     data.TimeProvider      // Optional: time source (defaults to real time)
}

// ReaperService provides periodic queue hygiene.
//
// This service manages:
// - Failing stale pending jobs that were never picked up.
// - Deleting old terminal jobs to prevent database bloat.
// - Reconciling sessions stranded in the working state by crashed workers.
type ReaperService struct {
	jobs     core.JobRepository
	sessions core.SessionRepository
	config   config.ReaperConfig
	logger   *slog.Logger
	metrics  statsd.Sink
	time     data.TimeProvider
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("SessionRepository is required")
	}

	tp := opts.Time
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"pending_max_age", opts.Config.PendingMaxAge,
			"completed_max_age", opts.Config.CompletedMaxAge,
		)
	}

	return &ReaperService{
		jobs:     opts.Jobs,
		sessions: opts.Sessions,
		config:   opts.Config,
		logger:   logger,
		metrics:  opts.Metrics,
		time:     tp,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Jitter prevents a thundering herd when multiple instances start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.RunCleanup(ctx); err != nil {
		s.logCleanupError(ctx, err, "initial cleanup")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.RunCleanup(ctx); err != nil {
				s.logCleanupError(ctx, err, "cleanup")
				// Continue running despite errors
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// RunCleanup performs one full pass of all cleanup operations.
func (s *ReaperService) RunCleanup(ctx context.Context) error {
	var errs []error
	var pass metrics.ReaperPass

	if count, err := s.failStalePendingJobs(ctx); err != nil {
		errs = append(errs, fmt.Errorf("fail stale pending jobs: %w", err))
	} else {
		pass.StaleFailed = count
		if count > 0 && s.logger != nil {
			s.logger.InfoContext(ctx, "failed stale pending jobs", "count", count)
		}
	}

	if count, err := s.deleteOldJobs(ctx); err != nil {
		errs = append(errs, fmt.Errorf("delete old jobs: %w", err))
	} else {
		pass.Deleted = count
		if count > 0 && s.logger != nil {
			s.logger.InfoContext(ctx, "deleted old terminal jobs", "count", count)
		}
	}

	if count, err := s.sessions.ReconcileStranded(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reconcile stranded sessions: %w", err))
	} else {
		pass.Reconciled = count
		if count > 0 && s.logger != nil {
			s.logger.InfoContext(ctx, "reconciled stranded sessions", "count", count)
		}
	}

	metrics.EmitReaperPass(s.metrics, pass)

	if len(errs) > 0 {
		return fmt.Errorf("cleanup failed: %w", errors.Join(errs...))
	}
	return nil
}

// failStalePendingJobs marks pending jobs older than the configured max
// age as failed. Loops in batches so large backlogs don't hold locks.
func (s *ReaperService) failStalePendingJobs(ctx context.Context) (int64, error) {
	cutoff := s.time.Now().Add(-s.config.PendingMaxAge)
	var totalCount int64
	for {
		count, err := s.jobs.FailStalePendingJobs(ctx, cutoff, s.config.BatchSize)
		if err != nil {
			return totalCount, err
		}
		totalCount += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}
	return totalCount, nil
}

// deleteOldJobs removes terminal jobs past the retention window, in batches.
func (s *ReaperService) deleteOldJobs(ctx context.Context) (int64, error) {
	cutoff := s.time.Now().Add(-s.config.CompletedMaxAge)
	var totalCount int64
	for {
		count, err := s.jobs.DeleteOldJobs(ctx, cutoff, s.config.BatchSize)
		if err != nil {
			return totalCount, err
		}
		totalCount += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}
	return totalCount, nil
}

func (s *ReaperService) logCleanupError(ctx context.Context, err error, label string) {
	if s.logger == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.ErrorContext(ctx, label+" failed", "error", err)
}
