package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/your-org/eventfaces/internal/jobs"
	"github.com/your-org/eventfaces/internal/models"
	"github.com/your-org/eventfaces/internal/observability"
)

// execute claims a job, runs it to completion and records the terminal
// status. It reports false when another worker holds the job. The error is
// set only for job store failures.
func (p *Pool) execute(ctx context.Context, id string) (bool, error) {
	job, err := p.Jobs.Claim(ctx, id, time.Now().Add(-p.opts.VisibilityTimeout))
	switch {
	case errors.Is(err, jobs.ErrLeaseHeld):
		return false, nil
	case errors.Is(err, jobs.ErrInvalidTransition), errors.Is(err, jobs.ErrNotFound):
		// Finished or removed since it was read.
		return true, nil
	case err != nil:
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}

	log := slog.With("job_id", job.ID, "kind", job.Kind)
	if job.Attempts > 1 {
		log.Info("job re-claimed", "attempts", job.Attempts)
	}

	// A started job is finished even when shutdown is requested.
	work := context.WithoutCancel(ctx)
	rec := jobs.NewRecorder(jobs.TotalItems(job.Kind, job.Payload), p.opts.ErrorLimit)
	status := p.run(work, job, rec)

	counts := rec.Counts()
	done, err := p.Jobs.Transition(work, job.ID, status, jobs.Update{Counts: &counts, Errors: rec.Errors()})
	if err != nil {
		return false, fmt.Errorf("finish job %s: %w", job.ID, err)
	}

	observability.JobsProcessed.WithLabelValues(string(job.Kind), string(done.Status)).Inc()
	observability.JobDuration.WithLabelValues(string(job.Kind)).Observe(done.Duration.Seconds())
	log.Info("job finished",
		"status", done.Status,
		"duration", done.Duration.String(),
		"success", counts.Success,
		"errors", counts.Errors,
	)
	return true, nil
}

// run dispatches to the job's handler. A panic fails every item the
// handler had not finished.
func (p *Pool) run(ctx context.Context, job *models.Job, rec *jobs.Recorder) (status models.JobStatus) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			observability.CapturePanic(r, map[string]string{"job_id": job.ID, "kind": string(job.Kind)})
			rec.Abort("panic", fmt.Errorf("panic: %v", r))
			status = rec.Final()
		}
	}()

	switch job.Kind {
	case models.JobKindIngest:
		p.ingest(ctx, job, rec)
	case models.JobKindSelfie:
		p.selfie(ctx, job, rec)
	case models.JobKindDelete:
		p.deletePhotos(ctx, job, rec)
	default:
		rec.Failure("job", fmt.Errorf("unknown job kind %q", job.Kind))
	}
	return rec.Final()
}
