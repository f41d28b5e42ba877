package scheduler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RunOnce polls every channel once
func RunOnce(s Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		synced, err := s.RunOnce(c.Request.Context())
		if err != nil {
			logrus.Errorf("Manual poll failed: %v", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "scheduler_error",
				Message: "Failed to poll channels",
				Code:    http.StatusInternalServerError,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message":         "Channel poll completed",
			"channels_synced": synced,
		})
	}
}
