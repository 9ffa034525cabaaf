package dto

import (
	"time"

	"github.com/your-org/eventfaces/internal/models"
)

type SubmitPhotoRequest struct {
	EventID int64  `json:"event_id" binding:"required,gt=0"`
	PhotoID int64  `json:"photo_id" binding:"required,gt=0"`
	OwnerID int64  `json:"owner_id"`
	BlobKey string `json:"blob_key" binding:"required"`
}

type SubmitSelfieRequest struct {
	EventID int64  `json:"event_id" binding:"required,gt=0"`
	UserID  int64  `json:"user_id" binding:"required,gt=0"`
	BlobKey string `json:"blob_key" binding:"required"`
}

type SubmitDeletionRequest struct {
	OwnerID  int64   `json:"owner_id"`
	PhotoIDs []int64 `json:"photo_ids" binding:"required,min=1,dive,gt=0"`
}

type JobErrorResponse struct {
	Item    string `json:"item"`
	Message string `json:"message"`
	At      string `json:"at"`
}

type JobResponse struct {
	ID          string             `json:"id"`
	Kind        string             `json:"kind"`
	Status      string             `json:"status"`
	OwnerID     int64              `json:"owner_id"`
	Payload     models.JobPayload  `json:"payload"`
	Counts      models.JobCounts   `json:"counts"`
	Errors      []JobErrorResponse `json:"errors"`
	Attempts    int                `json:"attempts"`
	CreatedAt   string             `json:"created_at"`
	StartedAt   string             `json:"started_at,omitempty"`
	CompletedAt string             `json:"completed_at,omitempty"`
	DurationMS  int64              `json:"duration_ms"`
	// Queued is false when the job was stored but its queue message could
	// not be sent; the worker's store poll picks it up later.
	Queued bool `json:"queued"`
}

type PurgeResponse struct {
	EventID int64 `json:"event_id"`
	Purged  int   `json:"purged"`
}

func NewJobResponse(j *models.Job, queued bool) JobResponse {
	resp := JobResponse{
		ID:         j.ID,
		Kind:       string(j.Kind),
		Status:     string(j.Status),
		OwnerID:    j.OwnerID,
		Payload:    j.Payload,
		Counts:     j.Counts,
		Errors:     make([]JobErrorResponse, 0, len(j.Errors)),
		Attempts:   j.Attempts,
		CreatedAt:  j.CreatedAt.Format(time.RFC3339),
		DurationMS: j.Duration.Milliseconds(),
		Queued:     queued,
	}
	for _, e := range j.Errors {
		resp.Errors = append(resp.Errors, JobErrorResponse{Item: e.Item, Message: e.Message, At: e.At.Format(time.RFC3339)})
	}
	if j.StartedAt != nil {
		resp.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if j.CompletedAt != nil {
		resp.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	return resp
}
