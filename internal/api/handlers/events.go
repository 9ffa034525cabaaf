package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/your-org/eventfaces/pkg/dto"
)

// Purger removes orphaned faces from an event's collection.
type Purger interface {
	Purge(ctx context.Context, eventID int64) (int, error)
}

type EventHandler struct {
	purger Purger
}

func NewEventHandler(purger Purger) *EventHandler {
	return &EventHandler{purger: purger}
}

func (h *EventHandler) Purge(c *gin.Context) {
	eventID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || eventID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	n, err := h.purger.Purge(c.Request.Context(), eventID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.PurgeResponse{EventID: eventID, Purged: n})
}
