package router

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"inbox-sync-go/internal/handler"
)

// RequestIDHeader carries the id correlating a request with its log lines
const RequestIDHeader = "X-Request-ID"

// SetupRouter configures the Gin router with routes and middleware
func SetupRouter(h *handler.Handlers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(loggerMiddleware())
	h.SetupRoutes(r)
	return r
}

// requestIDMiddleware keeps a caller supplied request id or assigns one
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(handler.RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func loggerMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(formatAccessLog)
}

// formatAccessLog writes one line per request. Channel routes also carry the
// channel the request resolved to.
func formatAccessLog(param gin.LogFormatterParams) string {
	channel := "-"
	if id, ok := param.Keys[handler.ChannelIDKey]; ok {
		channel = fmt.Sprint(id)
	}
	requestID := "-"
	if id, ok := param.Keys[handler.RequestIDKey].(string); ok {
		requestID = id
	}

	return fmt.Sprintf("%s - [%s] %s \"%s %s\" %d %s channel=%s \"%s\"\n",
		param.ClientIP,
		param.TimeStamp.Format(time.RFC3339),
		requestID,
		param.Method,
		param.Path,
		param.StatusCode,
		param.Latency,
		channel,
		param.ErrorMessage,
	)
}
