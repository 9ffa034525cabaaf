// Package memstore is an in-memory implementation of the job, catalog, face
// and match stores with the same semantics as the Postgres store.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/your-org/eventfaces/internal/faults"
	"github.com/your-org/eventfaces/internal/jobs"
	"github.com/your-org/eventfaces/internal/models"
	"github.com/your-org/eventfaces/internal/storage"
)

type profileKey struct{ eventID, userID int64 }
type matchKey struct{ photoID, userID int64 }

type Store struct {
	mu sync.Mutex

	jobs         map[string]*models.Job
	photos       map[int64]models.Photo
	participants map[profileKey]models.Participant
	profiles     map[profileKey]models.FaceProfile
	photoFaces   map[int64][]models.PhotoFace
	matches      map[matchKey]models.FaceMatch
	nextPhotoID  int64

	// FailPhotoDelete makes DeletePhoto fail for these ids.
	FailPhotoDelete map[int64]error
	// FailJobs makes every job store call fail while set.
	FailJobs error
}

var (
	_ jobs.Store         = (*Store)(nil)
	_ storage.Catalog    = (*Store)(nil)
	_ storage.FaceStore  = (*Store)(nil)
	_ storage.MatchStore = (*Store)(nil)
)

func New() *Store {
	return &Store{
		jobs:         make(map[string]*models.Job),
		photos:       make(map[int64]models.Photo),
		participants: make(map[profileKey]models.Participant),
		profiles:     make(map[profileKey]models.FaceProfile),
		photoFaces:   make(map[int64][]models.PhotoFace),
		matches:      make(map[matchKey]models.FaceMatch),
	}
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.Errors = slices.Clone(j.Errors)
	if c.Errors == nil {
		c.Errors = []models.JobError{}
	}
	c.Payload.PhotoIDs = slices.Clone(j.Payload.PhotoIDs)
	return &c
}

// --- Jobs ---

func (s *Store) Create(ctx context.Context, job *models.Job) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailJobs != nil {
		return nil, s.FailJobs
	}
	if existing, ok := s.jobs[job.ID]; ok {
		if existing.Kind != job.Kind {
			return nil, faults.Invariant("create job", fmt.Errorf("%w: %s is a %s job", jobs.ErrDuplicateJob, job.ID, existing.Kind))
		}
		return cloneJob(existing), nil
	}
	stored := cloneJob(job)
	stored.Status = models.JobStatusPending
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.jobs[job.ID] = stored
	return cloneJob(stored), nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailJobs != nil {
		return nil, s.FailJobs
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	return cloneJob(job), nil
}

func (s *Store) Transition(ctx context.Context, id string, to models.JobStatus, upd jobs.Update) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailJobs != nil {
		return nil, s.FailJobs
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if !jobs.CanTransition(job.Status, to) {
		return nil, faults.Invariant("transition job",
			fmt.Errorf("%w: %s %s -> %s", jobs.ErrInvalidTransition, id, job.Status, to))
	}
	if upd.Errors != nil {
		upd.Errors = slices.Clone(upd.Errors)
	}
	jobs.Apply(job, to, upd, time.Now().UTC())
	return cloneJob(job), nil
}

func (s *Store) Claim(ctx context.Context, id string, leaseExpiry time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailJobs != nil {
		return nil, s.FailJobs
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if !jobs.Claimable(job, leaseExpiry) {
		if job.Status == models.JobStatusInProgress {
			return nil, fmt.Errorf("%w: %s", jobs.ErrLeaseHeld, id)
		}
		return nil, faults.Invariant("claim job",
			fmt.Errorf("%w: %s %s -> %s", jobs.ErrInvalidTransition, id, job.Status, models.JobStatusInProgress))
	}
	jobs.Apply(job, models.JobStatusInProgress, jobs.Update{}, time.Now().UTC())
	return cloneJob(job), nil
}

func (s *Store) Progress(ctx context.Context, id string, counts models.JobCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailJobs != nil {
		return s.FailJobs
	}
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if job.Status != models.JobStatusInProgress {
		return faults.Invariant("job progress",
			fmt.Errorf("%w: %s is %s", jobs.ErrInvalidTransition, id, job.Status))
	}
	job.Counts = counts
	return nil
}

func (s *Store) RecoverUnfinished(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailJobs != nil {
		return nil, s.FailJobs
	}
	var unfinished []*models.Job
	for _, job := range s.jobs {
		switch job.Status {
		case models.JobStatusInProgress:
			job.Status = models.JobStatusPending
			job.CompletedAt = nil
			unfinished = append(unfinished, job)
		case models.JobStatusPending:
			unfinished = append(unfinished, job)
		}
	}
	sortJobs(unfinished)
	ids := make([]string, 0, len(unfinished))
	for _, job := range unfinished {
		ids = append(ids, job.ID)
	}
	return ids, nil
}

func (s *Store) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailJobs != nil {
		return nil, s.FailJobs
	}
	var pending []*models.Job
	for _, job := range s.jobs {
		if job.Status == models.JobStatusPending && job.CreatedAt.Before(olderThan) {
			pending = append(pending, job)
		}
	}
	sortJobs(pending)
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]models.Job, 0, len(pending))
	for _, job := range pending {
		out = append(out, *cloneJob(job))
	}
	return out, nil
}

// SetJobStatus forces a job's status, for simulating crashed workers.
func (s *Store) SetJobStatus(id string, status models.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.Status = status
	}
}

func sortJobs(js []*models.Job) {
	sort.Slice(js, func(i, j int) bool {
		if js[i].CreatedAt.Equal(js[j].CreatedAt) {
			return js[i].ID < js[j].ID
		}
		return js[i].CreatedAt.Before(js[j].CreatedAt)
	})
}
