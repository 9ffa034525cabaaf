package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/your-org/eventfaces/internal/faults"
	"github.com/your-org/eventfaces/internal/jobs"
	"github.com/your-org/eventfaces/internal/models"
)

const jobColumns = `id, kind, owner_id, payload, status, counts, errors, attempts,
	created_at, started_at, completed_at, duration_ms`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j  models.Job
		ms int64
	)
	err := row.Scan(&j.ID, &j.Kind, &j.OwnerID, &j.Payload, &j.Status, &j.Counts, &j.Errors,
		&j.Attempts, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &ms)
	if err != nil {
		return nil, err
	}
	j.Duration = time.Duration(ms) * time.Millisecond
	if j.Errors == nil {
		j.Errors = []models.JobError{}
	}
	return &j, nil
}

func (s *PostgresStore) Create(ctx context.Context, job *models.Job) (*models.Job, error) {
	errs := job.Errors
	if errs == nil {
		errs = []models.JobError{}
	}
	created, err := scanJob(s.pool.QueryRow(ctx,
		`INSERT INTO processing_jobs (id, kind, owner_id, payload, status, counts, errors, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING `+jobColumns,
		job.ID, job.Kind, job.OwnerID, job.Payload, models.JobStatusPending, job.Counts, errs, job.CreatedAt,
	))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.Transient("create job", err)
	}

	existing, err := s.Get(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if existing.Kind != job.Kind {
		return nil, faults.Invariant("create job", fmt.Errorf("%w: %s is a %s job", jobs.ErrDuplicateJob, job.ID, existing.Kind))
	}
	return existing, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
		}
		return nil, faults.Transient("get job", err)
	}
	return job, nil
}

// Transition performs a compare-and-set on the status column: the row is
// updated only while its status is one of the legal sources of to.
func (s *PostgresStore) Transition(ctx context.Context, id string, to models.JobStatus, upd jobs.Update) (*models.Job, error) {
	var from []string
	for _, st := range jobs.SourcesOf(to) {
		from = append(from, string(st))
	}

	var counts, errs any
	if upd.Counts != nil {
		counts = *upd.Counts
	}
	if upd.Errors != nil {
		errs = upd.Errors
	}

	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE processing_jobs SET
			status       = $3,
			attempts     = attempts + CASE WHEN $5 THEN 1 ELSE 0 END,
			started_at   = CASE WHEN $5 THEN $4 ELSE started_at END,
			completed_at = CASE WHEN $6 THEN $4 ELSE NULL END,
			duration_ms  = CASE WHEN $6 THEN (EXTRACT(EPOCH FROM ($4 - COALESCE(started_at, $4))) * 1000)::BIGINT ELSE 0 END,
			counts       = COALESCE($7, counts),
			errors       = COALESCE($8, errors)
		 WHERE id = $1 AND status = ANY($2)
		 RETURNING `+jobColumns,
		id, from, to, time.Now().UTC(), to == models.JobStatusInProgress, to.Terminal(), counts, errs,
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.Transient("transition job", err)
	}
	return nil, s.transitionFailure(ctx, id, to)
}

// Claim takes a PENDING job, or an IN_PROGRESS job whose lease started
// before leaseExpiry, in one statement.
func (s *PostgresStore) Claim(ctx context.Context, id string, leaseExpiry time.Time) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE processing_jobs SET
			status       = $2,
			attempts     = attempts + 1,
			started_at   = $3,
			completed_at = NULL,
			duration_ms  = 0
		 WHERE id = $1
		   AND (status = $4 OR (status = $2 AND (started_at IS NULL OR started_at < $5)))
		 RETURNING `+jobColumns,
		id, models.JobStatusInProgress, time.Now().UTC(), models.JobStatusPending, leaseExpiry,
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.Transient("claim job", err)
	}

	var current models.JobStatus
	err = s.pool.QueryRow(ctx, `SELECT status FROM processing_jobs WHERE id = $1`, id).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	case err != nil:
		return nil, faults.Transient("claim job", err)
	case current == models.JobStatusInProgress:
		return nil, fmt.Errorf("%w: %s", jobs.ErrLeaseHeld, id)
	}
	return nil, faults.Invariant("claim job",
		fmt.Errorf("%w: %s %s -> %s", jobs.ErrInvalidTransition, id, current, models.JobStatusInProgress))
}

func (s *PostgresStore) transitionFailure(ctx context.Context, id string, to models.JobStatus) error {
	var current models.JobStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM processing_jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if err != nil {
		return faults.Transient("transition job", err)
	}
	return faults.Invariant("transition job",
		fmt.Errorf("%w: %s %s -> %s", jobs.ErrInvalidTransition, id, current, to))
}

func (s *PostgresStore) Progress(ctx context.Context, id string, counts models.JobCounts) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_jobs SET counts = $2 WHERE id = $1 AND status = $3`,
		id, counts, models.JobStatusInProgress)
	if err != nil {
		return faults.Transient("job progress", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id, models.JobStatusInProgress)
	}
	return nil
}

func (s *PostgresStore) RecoverUnfinished(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`WITH reset AS (
			UPDATE processing_jobs SET status = $1, completed_at = NULL
			WHERE status = $2
			RETURNING id, created_at
		)
		SELECT id FROM (
			SELECT id, created_at FROM reset
			UNION
			SELECT id, created_at FROM processing_jobs WHERE status = $1
		) unfinished
		ORDER BY created_at`,
		models.JobStatusPending, models.JobStatusInProgress)
	if err != nil {
		return nil, faults.Transient("recover jobs", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, faults.Transient("recover jobs", err)
	}
	return ids, nil
}

func (s *PostgresStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at
		 LIMIT $3`,
		models.JobStatusPending, olderThan, limit)
	if err != nil {
		return nil, faults.Transient("list pending jobs", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Transient("list pending jobs", err)
	}
	return out, nil
}
