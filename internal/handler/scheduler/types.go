package scheduler

import (
	"context"
	"time"
)

// Runner is the scheduler surface exposed over HTTP
type Runner interface {
	Start() error
	Stop() error
	IsRunning() bool
	RunOnce(ctx context.Context) (int, error)
	GetNextRun() time.Time
	GetLastRun() time.Time
	LastCycle() (synced, total int)
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
