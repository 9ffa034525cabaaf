package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/your-org/eventfaces/internal/faults"
	"github.com/your-org/eventfaces/internal/jobs"
	"github.com/your-org/eventfaces/internal/models"
	"github.com/your-org/eventfaces/internal/observability"
	"github.com/your-org/eventfaces/internal/storage"
)

func photoItem(id int64) string {
	return fmt.Sprintf("photo:%d", id)
}

func (p *Pool) ingest(ctx context.Context, job *models.Job, rec *jobs.Recorder) {
	pl := job.Payload
	item := photoItem(pl.PhotoID)

	if _, err := p.Catalog.GetPhoto(ctx, pl.PhotoID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = faults.DataIntegrity("ingest", err)
		}
		rec.Failure(item, err)
		return
	}
	data, err := p.Blobs.Get(ctx, pl.BlobKey)
	if err != nil {
		rec.Failure(item, err)
		return
	}
	if _, err := p.Matcher.ProcessPhoto(ctx, pl.EventID, pl.PhotoID, data); err != nil {
		rec.Failure(item, err)
		return
	}
	rec.Success()
}

func (p *Pool) selfie(ctx context.Context, job *models.Job, rec *jobs.Recorder) {
	pl := job.Payload
	item := fmt.Sprintf("user:%d", pl.UserID)

	data, err := p.Blobs.Get(ctx, pl.BlobKey)
	if err != nil {
		rec.Failure(item, err)
		return
	}
	if _, err := p.Matcher.ProcessSelfieUpdate(ctx, pl.EventID, pl.UserID, data); err != nil {
		rec.Failure(item, err)
		return
	}
	rec.Success()
}

// deletePhotos removes every photo of the payload in batches, continuing
// past per-photo failures, then deletes the collected blobs in one call.
func (p *Pool) deletePhotos(ctx context.Context, job *models.Job, rec *jobs.Recorder) {
	ids := job.Payload.PhotoIDs
	var keys []string

	for start := 0; start < len(ids); start += p.opts.DeleteBatchSize {
		for _, id := range ids[start:min(start+p.opts.DeleteBatchSize, len(ids))] {
			key, err := p.deletePhoto(ctx, id)
			if err != nil {
				slog.Warn("delete photo", "job_id", job.ID, "photo_id", id, "error", err)
				rec.Failure(photoItem(id), err)
				continue
			}
			rec.Success()
			if key != "" {
				keys = append(keys, key)
			}
		}
		if err := p.Jobs.Progress(ctx, job.ID, rec.Counts()); err != nil {
			slog.Warn("record job progress", "job_id", job.ID, "error", err)
		}
	}

	p.deleteBlobs(ctx, job.ID, keys)
}

// deletePhoto removes the photo's matches, faces and row, returning its blob
// key. A photo whose row is already gone counts as deleted.
func (p *Pool) deletePhoto(ctx context.Context, id int64) (string, error) {
	photo, err := p.Catalog.GetPhoto(ctx, id)
	gone := errors.Is(err, storage.ErrNotFound)
	if err != nil && !gone {
		return "", fmt.Errorf("load photo: %w", err)
	}

	if _, err := p.Matches.DeletePhotoMatches(ctx, id); err != nil {
		return "", fmt.Errorf("delete matches: %w", err)
	}
	var eventID int64
	if !gone {
		eventID = photo.EventID
	}
	if err := p.Faces.DeletePhotoFaces(ctx, eventID, id); err != nil {
		return "", fmt.Errorf("delete faces: %w", err)
	}
	if gone {
		return "", nil
	}
	if err := p.Catalog.DeletePhoto(ctx, id); err != nil {
		return "", fmt.Errorf("delete photo row: %w", err)
	}
	return photo.BlobKey, nil
}

// deleteBlobs issues the batched blob delete. Failures are logged and
// counted, never recorded on the job.
func (p *Pool) deleteBlobs(ctx context.Context, jobID string, keys []string) {
	if len(keys) == 0 {
		return
	}
	res, err := p.Blobs.DeleteBatch(ctx, keys)
	if err != nil {
		observability.BlobDeleteFailures.Add(float64(len(keys)))
		slog.Error("delete blobs", "job_id", jobID, "keys", len(keys), "error", err)
		return
	}
	for _, ke := range res.Errors {
		observability.BlobDeleteFailures.Inc()
		slog.Warn("delete blob", "job_id", jobID, "key", ke.Key, "error", ke.Err)
	}
	slog.Info("blobs deleted", "job_id", jobID, "deleted", len(res.Deleted), "failed", len(res.Errors))
}
