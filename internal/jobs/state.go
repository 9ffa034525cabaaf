// Package jobs holds the processing-job state machine and the helpers shared
// by job stores, producers and the worker pool.
package jobs

import (
	"errors"
	"time"

	"github.com/your-org/eventfaces/internal/models"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrDuplicateJob is returned by Create when the id exists with a different kind.
	ErrDuplicateJob = errors.New("job id already used by a different job")
	// ErrLeaseHeld is returned by Claim while another worker's lease is live.
	ErrLeaseHeld = errors.New("job is held by another worker")
)

// sources lists, for every target status, the statuses it may be entered from.
//
//	PENDING -> IN_PROGRESS -> {DONE | PARTIAL | FAILED}
//
// IN_PROGRESS -> IN_PROGRESS re-claims a job whose lease expired.
// IN_PROGRESS -> PENDING is only used by recovery at startup.
var sources = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending:    {models.JobStatusInProgress},
	models.JobStatusInProgress: {models.JobStatusPending, models.JobStatusInProgress},
	models.JobStatusDone:       {models.JobStatusInProgress},
	models.JobStatusPartial:    {models.JobStatusInProgress},
	models.JobStatusFailed:     {models.JobStatusInProgress},
}

// SourcesOf returns the statuses from which to is reachable.
func SourcesOf(to models.JobStatus) []models.JobStatus {
	return sources[to]
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.JobStatus) bool {
	for _, s := range sources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// FinalStatus derives the terminal status from the counts:
// DONE with zero errors, FAILED with zero successes, PARTIAL otherwise.
func FinalStatus(c models.JobCounts) models.JobStatus {
	switch {
	case c.Errors == 0:
		return models.JobStatusDone
	case c.Success == 0:
		return models.JobStatusFailed
	default:
		return models.JobStatusPartial
	}
}

// Claimable reports whether a job may be claimed: it is PENDING, or
// IN_PROGRESS with a lease that started before leaseExpiry.
func Claimable(job *models.Job, leaseExpiry time.Time) bool {
	switch job.Status {
	case models.JobStatusPending:
		return true
	case models.JobStatusInProgress:
		return job.StartedAt == nil || job.StartedAt.Before(leaseExpiry)
	}
	return false
}

// Update carries the optional fields written together with a transition.
type Update struct {
	Counts *models.JobCounts
	Errors []models.JobError
}

// Apply moves job to status at now, mutating timestamps the way every store must.
func Apply(job *models.Job, to models.JobStatus, upd Update, now time.Time) {
	switch {
	case to == models.JobStatusInProgress:
		job.StartedAt = &now
		job.CompletedAt = nil
		job.Attempts++
	case to.Terminal():
		job.CompletedAt = &now
		if job.StartedAt != nil {
			job.Duration = now.Sub(*job.StartedAt)
		}
	}
	job.Status = to
	if upd.Counts != nil {
		job.Counts = *upd.Counts
	}
	if upd.Errors != nil {
		job.Errors = upd.Errors
	}
}
