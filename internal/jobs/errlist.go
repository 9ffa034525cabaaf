package jobs

import (
	"time"

	"github.com/your-org/eventfaces/internal/models"
)

// DefaultErrorLimit bounds a job's error list when no limit is configured.
const DefaultErrorLimit = 50

// Recorder accumulates per-item outcomes of one job run and keeps only the
// most recent errors.
type Recorder struct {
	limit  int
	counts models.JobCounts
	errs   []models.JobError
}

// NewRecorder starts a run over total items.
func NewRecorder(total, limit int) *Recorder {
	if limit <= 0 {
		limit = DefaultErrorLimit
	}
	return &Recorder{limit: limit, counts: models.JobCounts{Total: total}}
}

func (r *Recorder) Success() {
	r.counts.Processed++
	r.counts.Success++
}

func (r *Recorder) Failure(item string, err error) {
	r.counts.Processed++
	r.counts.Errors++
	r.errs = append(r.errs, models.JobError{Item: item, Message: err.Error(), At: time.Now().UTC()})
	if len(r.errs) > r.limit {
		r.errs = append(r.errs[:0], r.errs[len(r.errs)-r.limit:]...)
	}
}

// Abort fails every item not processed yet with err, recorded as a single
// error entry.
func (r *Recorder) Abort(item string, err error) {
	if remaining := r.counts.Total - r.counts.Processed; remaining > 0 {
		r.counts.Processed += remaining
		r.counts.Errors += remaining
	}
	r.errs = append(r.errs, models.JobError{Item: item, Message: err.Error(), At: time.Now().UTC()})
	if len(r.errs) > r.limit {
		r.errs = append(r.errs[:0], r.errs[len(r.errs)-r.limit:]...)
	}
}

func (r *Recorder) Counts() models.JobCounts {
	return r.counts
}

// Errors returns a copy of the retained error entries, never nil.
func (r *Recorder) Errors() []models.JobError {
	out := make([]models.JobError, len(r.errs))
	copy(out, r.errs)
	return out
}

// Final returns the terminal status for the recorded outcomes.
func (r *Recorder) Final() models.JobStatus {
	return FinalStatus(r.counts)
}
