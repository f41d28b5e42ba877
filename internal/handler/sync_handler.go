package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"inbox-sync-go/internal/repository"
	"inbox-sync-go/internal/service"
)

// TriggerSync runs a bounded catch-up sync for one channel and returns its
// counters
func (h *Handlers) TriggerSync(c *gin.Context) {
	if h.opts.InternalToken != "" && !tokenMatches(c.GetHeader("X-Internal-Token"), h.opts.InternalToken) {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "unauthorized",
			Message: "Invalid internal token",
			Code:    http.StatusUnauthorized,
		})
		return
	}

	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}

	c.Set(ChannelIDKey, req.ChannelID)
	res, err := h.syncer.CatchUp(c.Request.Context(), req.ChannelID, req.TenantID)
	switch {
	case errors.Is(err, repository.ErrChannelNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Channel not found",
			Code:    http.StatusNotFound,
		})
	case errors.Is(err, service.ErrSyncIncomplete):
		c.JSON(http.StatusAccepted, gin.H{
			"message": "Sync incomplete, retry later",
			"result":  res,
		})
	case err != nil:
		logrus.WithField("channel_id", req.ChannelID).Errorf("Catch-up sync failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "sync_error",
			Message: "Failed to sync channel",
			Code:    http.StatusInternalServerError,
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"message": "Sync completed",
			"result":  res,
		})
	}
}
