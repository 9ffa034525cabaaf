package jobs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/eventfaces/internal/models"
)

// Store is the durable job record contract. Implementations must apply
// transitions atomically and validate them with SourcesOf.
type Store interface {
	// Create inserts a PENDING job. Creating an id that already exists
	// returns the stored job unchanged.
	Create(ctx context.Context, job *models.Job) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	// Transition moves a job to a new status, failing with ErrNotFound or
	// ErrInvalidTransition.
	Transition(ctx context.Context, id string, to models.JobStatus, upd Update) (*models.Job, error)
	// Claim moves a claimable job (see Claimable) to IN_PROGRESS. It fails
	// with ErrLeaseHeld while another lease is live and ErrInvalidTransition
	// for terminal jobs.
	Claim(ctx context.Context, id string, leaseExpiry time.Time) (*models.Job, error)
	// Progress records counts of a job that is still IN_PROGRESS.
	Progress(ctx context.Context, id string, counts models.JobCounts) error
	// RecoverUnfinished resets IN_PROGRESS jobs to PENDING and returns the ids
	// of every job left PENDING.
	RecoverUnfinished(ctx context.Context) ([]string, error)
	// ListPending returns PENDING jobs created before olderThan, oldest first.
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error)
}

var idNamespace = uuid.MustParse("6f1c3c0e-9a57-4f0c-9d43-1c1f5a7e2b11")

// New builds a PENDING job with a random id.
func New(kind models.JobKind, ownerID int64, payload models.JobPayload) *models.Job {
	return &models.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		OwnerID:   ownerID,
		Payload:   payload,
		Status:    models.JobStatusPending,
		Counts:    models.JobCounts{Total: TotalItems(kind, payload)},
		Errors:    []models.JobError{},
		CreatedAt: time.Now().UTC(),
	}
}

// PhotoJobID derives a stable id for a photo ingestion, so redelivered
// messages without an explicit id map to the same row.
func PhotoJobID(photoID int64, blobKey string) string {
	return uuid.NewSHA1(idNamespace, []byte("process_photo|"+strconv.FormatInt(photoID, 10)+"|"+blobKey)).String()
}

// SelfieJobID derives a stable id for a selfie update.
func SelfieJobID(eventID, userID int64, blobKey string) string {
	name := fmt.Sprintf("process_selfie|%d|%d|%s", eventID, userID, blobKey)
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// TotalItems is the number of work items a payload describes.
func TotalItems(kind models.JobKind, p models.JobPayload) int {
	if kind == models.JobKindDelete {
		return len(p.PhotoIDs)
	}
	return 1
}
