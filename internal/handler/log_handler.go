package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// GetLogs returns a channel's processing logs with pagination
func (h *Handlers) GetLogs(c *gin.Context) {
	channelID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid channel ID",
			Code:    http.StatusBadRequest,
		})
		return
	}
	c.Set(ChannelIDKey, uint(channelID))

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}

	logs, total, err := h.store.ListProcessingLogs(c.Request.Context(), uint(channelID), c.Query("event_type"), page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch logs",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	responses := make([]ProcessingLogResponse, 0, len(logs))
	for _, log := range logs {
		responses = append(responses, ProcessingLogResponse{
			ID:         log.ID,
			EventID:    log.EventID,
			ChannelID:  log.ChannelID,
			ExternalID: log.ExternalID,
			EventType:  log.EventType,
			LatencyMS:  log.LatencyMS,
			Payload:    json.RawMessage(log.Payload),
			CreatedAt:  log.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"logs": responses,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}
