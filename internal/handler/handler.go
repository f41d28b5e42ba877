package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	schedulerHandler "inbox-sync-go/internal/handler/scheduler"
	"inbox-sync-go/internal/model"
	"inbox-sync-go/internal/service"
)

// ChannelStore is the persistence the handlers read from
type ChannelStore interface {
	Ping(ctx context.Context) error
	GetChannelByEmail(ctx context.Context, address string) (*model.Channel, error)
	ListProcessingLogs(ctx context.Context, channelID uint, eventType string, page, limit int) ([]model.ProcessingLog, int64, error)
}

// Syncer reconciles channels
type Syncer interface {
	Reconcile(ctx context.Context, channelID uint, observed uint64) (*service.SyncResult, error)
	CatchUp(ctx context.Context, channelID uint, tenantID string) (*service.SyncResult, error)
}

// ActionApplier applies conversation actions
type ActionApplier interface {
	Apply(ctx context.Context, tenantID string, conversationID uint, action service.Action) (*service.ActionResult, error)
	ApplyBulk(ctx context.Context, tenantID string, conversationIDs []uint, action service.Action) []service.ActionResult
}

// JobRunner runs work after the response has been written
type JobRunner interface {
	Submit(name string, fn func(ctx context.Context))
}

// Context keys shared with the access log
const (
	RequestIDKey = "request_id"
	ChannelIDKey = "channel_id"
)

// Options holds the shared secrets the endpoints verify
type Options struct {
	WebhookToken  string
	InternalToken string
}

// Handlers contains all HTTP handlers
type Handlers struct {
	store     ChannelStore
	syncer    Syncer
	actions   ActionApplier
	jobs      JobRunner
	scheduler schedulerHandler.Runner
	gatherer  prometheus.Gatherer
	opts      Options
}

// NewHandlers creates new HTTP handlers
func NewHandlers(store ChannelStore, syncer Syncer, actions ActionApplier, jobs JobRunner, scheduler schedulerHandler.Runner, gatherer prometheus.Gatherer, opts Options) *Handlers {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handlers{
		store:     store,
		syncer:    syncer,
		actions:   actions,
		jobs:      jobs,
		scheduler: scheduler,
		gatherer:  gatherer,
		opts:      opts,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	router.POST("/webhooks/gmail", h.GmailWebhook)
	router.POST("/internal/sync", h.TriggerSync)

	api := router.Group("/api/v1")
	{
		api.POST("/conversations/:id/actions/:action", h.ApplyAction)
		api.POST("/conversations/actions", h.ApplyBulkAction)

		api.GET("/channels/:id/logs", h.GetLogs)

		api.POST("/scheduler/start", schedulerHandler.Start(h.scheduler))
		api.POST("/scheduler/stop", schedulerHandler.Stop(h.scheduler))
		api.POST("/scheduler/run-once", schedulerHandler.RunOnce(h.scheduler))
		api.GET("/scheduler/status", schedulerHandler.Status(h.scheduler))
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Metrics:   make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.scheduler.IsRunning() {
		response.Metrics["scheduler"] = "running"
		response.Metrics["next_run"] = h.scheduler.GetNextRun().Format(time.RFC3339)
	} else {
		response.Metrics["scheduler"] = "stopped"
	}
	if last := h.scheduler.GetLastRun(); !last.IsZero() {
		response.Metrics["last_run"] = last.Format(time.RFC3339)
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}
