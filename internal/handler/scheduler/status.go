package scheduler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// CycleSummary describes the last completed poll cycle
type CycleSummary struct {
	ChannelsSynced int `json:"channels_synced"`
	ChannelsTotal  int `json:"channels_total"`
}

// StatusResponse is the scheduler state reported over HTTP
type StatusResponse struct {
	Status    string        `json:"status"`
	NextRun   *time.Time    `json:"next_run,omitempty"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	LastCycle *CycleSummary `json:"last_cycle,omitempty"`
}

// Status reports whether channels are being polled, when the next poll is
// due and how the last one went
func Status(s Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := StatusResponse{Status: "stopped"}
		if s.IsRunning() {
			resp.Status = "running"
			if next := s.GetNextRun(); !next.IsZero() {
				resp.NextRun = &next
			}
		}
		if last := s.GetLastRun(); !last.IsZero() {
			resp.LastRun = &last
			synced, total := s.LastCycle()
			resp.LastCycle = &CycleSummary{ChannelsSynced: synced, ChannelsTotal: total}
		}

		c.JSON(http.StatusOK, resp)
	}
}
