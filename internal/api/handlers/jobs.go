package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/eventfaces/internal/jobs"
	"github.com/your-org/eventfaces/internal/models"
	"github.com/your-org/eventfaces/pkg/dto"
)

// JobReader is the read side of the job store.
type JobReader interface {
	Get(ctx context.Context, id string) (*models.Job, error)
}

type JobHandler struct {
	jobs      JobReader
	submitter *jobs.Submitter
}

func NewJobHandler(store JobReader, submitter *jobs.Submitter) *JobHandler {
	return &JobHandler{jobs: store, submitter: submitter}
}

func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.NewJobResponse(job, !job.Status.Terminal()))
}

func (h *JobHandler) SubmitPhoto(c *gin.Context) {
	var req dto.SubmitPhotoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := h.submitter.SubmitPhoto(c.Request.Context(), req.EventID, req.PhotoID, req.OwnerID, req.BlobKey)
	h.respond(c, job, err)
}

func (h *JobHandler) SubmitSelfie(c *gin.Context) {
	var req dto.SubmitSelfieRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := h.submitter.SubmitSelfie(c.Request.Context(), req.EventID, req.UserID, req.BlobKey)
	h.respond(c, job, err)
}

func (h *JobHandler) SubmitDeletion(c *gin.Context) {
	var req dto.SubmitDeletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := h.submitter.SubmitDeletion(c.Request.Context(), req.OwnerID, req.PhotoIDs)
	h.respond(c, job, err)
}

// respond maps a submission outcome. A job that was stored but not enqueued
// is still accepted.
func (h *JobHandler) respond(c *gin.Context, job *models.Job, err error) {
	switch {
	case job == nil && errors.Is(err, jobs.ErrDuplicateJob):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case job == nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case err != nil:
		slog.Warn("job stored without queue message", "job_id", job.ID, "error", err)
		c.JSON(http.StatusAccepted, dto.NewJobResponse(job, false))
	case job.Status.Terminal():
		c.JSON(http.StatusOK, dto.NewJobResponse(job, false))
	default:
		c.JSON(http.StatusAccepted, dto.NewJobResponse(job, true))
	}
}
