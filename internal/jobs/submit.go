package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/your-org/eventfaces/internal/models"
	"github.com/your-org/eventfaces/internal/queue"
)

// Sender publishes an encoded job reference.
type Sender interface {
	Send(ctx context.Context, body []byte) error
}

// Submitter is the producer side: it creates the PENDING row first and only
// then enqueues the reference. A failed enqueue leaves the row PENDING for the
// worker's store poll to pick up.
type Submitter struct {
	store  Store
	sender Sender
}

func NewSubmitter(store Store, sender Sender) *Submitter {
	return &Submitter{store: store, sender: sender}
}

func (s *Submitter) SubmitPhoto(ctx context.Context, eventID, photoID, ownerID int64, blobKey string) (*models.Job, error) {
	job := New(models.JobKindIngest, ownerID, models.JobPayload{EventID: eventID, PhotoID: photoID, BlobKey: blobKey})
	job.ID = PhotoJobID(photoID, blobKey)
	return s.Submit(ctx, job)
}

func (s *Submitter) SubmitSelfie(ctx context.Context, eventID, userID int64, blobKey string) (*models.Job, error) {
	job := New(models.JobKindSelfie, userID, models.JobPayload{EventID: eventID, UserID: userID, BlobKey: blobKey})
	job.ID = SelfieJobID(eventID, userID, blobKey)
	return s.Submit(ctx, job)
}

func (s *Submitter) SubmitDeletion(ctx context.Context, ownerID int64, photoIDs []int64) (*models.Job, error) {
	if len(photoIDs) == 0 {
		return nil, fmt.Errorf("deletion job needs at least one photo id")
	}
	job := New(models.JobKindDelete, ownerID, models.JobPayload{PhotoIDs: photoIDs})
	return s.Submit(ctx, job)
}

// Submit stores job and enqueues its reference unless it is already terminal.
func (s *Submitter) Submit(ctx context.Context, job *models.Job) (*models.Job, error) {
	stored, err := s.store.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if stored.Status.Terminal() {
		return stored, nil
	}

	body, err := MessageFor(stored).Encode()
	if err != nil {
		return stored, fmt.Errorf("encode job message: %w", err)
	}
	if err := s.sender.Send(ctx, body); err != nil {
		slog.Warn("enqueue job failed, left pending for store poll", "job_id", stored.ID, "error", err)
		return stored, fmt.Errorf("enqueue job %s: %w", stored.ID, err)
	}
	return stored, nil
}

// MessageFor builds the queue reference for a stored job.
func MessageFor(job *models.Job) queue.JobMessage {
	switch job.Kind {
	case models.JobKindDelete:
		return queue.JobMessage{JobType: queue.TypeDeletePhotos, JobID: job.ID, OwnerID: job.OwnerID}
	case models.JobKindSelfie:
		return queue.JobMessage{
			JobType: queue.TypeProcessSelfie,
			JobID:   job.ID,
			EventID: job.Payload.EventID,
			UserID:  job.Payload.UserID,
			BlobKey: job.Payload.BlobKey,
		}
	default:
		return queue.JobMessage{
			JobType: queue.TypeProcessPhoto,
			JobID:   job.ID,
			EventID: job.Payload.EventID,
			PhotoID: job.Payload.PhotoID,
			BlobKey: job.Payload.BlobKey,
		}
	}
}

// JobFromMessage reconstructs the job a photo or selfie message describes,
// using the message's id when present and the derived stable id otherwise.
func JobFromMessage(msg queue.JobMessage) *models.Job {
	switch msg.JobType {
	case queue.TypeProcessSelfie:
		job := New(models.JobKindSelfie, msg.UserID, models.JobPayload{EventID: msg.EventID, UserID: msg.UserID, BlobKey: msg.BlobKey})
		job.ID = msg.JobID
		if job.ID == "" {
			job.ID = SelfieJobID(msg.EventID, msg.UserID, msg.BlobKey)
		}
		return job
	default:
		job := New(models.JobKindIngest, msg.OwnerID, models.JobPayload{EventID: msg.EventID, PhotoID: msg.PhotoID, BlobKey: msg.BlobKey})
		job.ID = msg.JobID
		if job.ID == "" {
			job.ID = PhotoJobID(msg.PhotoID, msg.BlobKey)
		}
		return job
	}
}
