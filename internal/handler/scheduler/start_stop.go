package scheduler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Start starts the channel poll scheduler
func Start(s Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.Start(); err != nil {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "scheduler_error",
				Message: err.Error(),
				Code:    http.StatusConflict,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "Scheduler started successfully",
			"status":  "running",
		})
	}
}

// Stop stops the channel poll scheduler
func Stop(s Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.Stop(); err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "scheduler_error",
				Message: "Failed to stop scheduler",
				Code:    http.StatusInternalServerError,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "Scheduler stopped successfully",
			"status":  "stopped",
		})
	}
}
