// Package metrics defines the metric names and tag shapes emitted by
// the job pipeline.
package metrics

import (
	"time"

	"github.com/promptline/agentd/internal/domain/model"
	"github.com/promptline/agentd/internal/observability/statsd"
)

// JobOutcome captures one job attempt reaching a terminal status, or
// going back to pending for a retry.
type JobOutcome struct {
	Status   model.JobStatus
	Attempts int
	Duration time.Duration
}

// EmitJobOutcome records the end of a job attempt: one count per
// outcome plus the wall-clock duration of the attempt.
func EmitJobOutcome(sink statsd.Sink, out JobOutcome) {
	if sink == nil {
		return
	}

	tags := map[string]string{"status": string(out.Status)}
	if out.Attempts > 1 {
		tags["retried"] = "true"
	}

	sink.Count("job.finished", 1, tags)

	if out.Duration > 0 {
		sink.Timing("job.duration", out.Duration, map[string]string{
			"status": string(out.Status),
		})
	}
}

// ReaperPass summarizes the row counts of one cleanup pass.
type ReaperPass struct {
	StaleFailed int64
	Deleted     int64
	Reconciled  int64
}

// EmitReaperPass records one reaper cleanup pass.
func EmitReaperPass(sink statsd.Sink, pass ReaperPass) {
	if sink == nil {
		return
	}

	sink.Count("reaper.passes", 1, nil)
	sink.Count("reaper.stale_jobs_failed", pass.StaleFailed, nil)
	sink.Count("reaper.jobs_deleted", pass.Deleted, nil)
	sink.Count("reaper.sessions_reconciled", pass.Reconciled, nil)
}
