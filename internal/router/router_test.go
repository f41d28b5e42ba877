package router

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-sync-go/internal/handler"
	"inbox-sync-go/internal/model"
	"inbox-sync-go/internal/repository"
)

type emptyStore struct{}

func (emptyStore) Ping(context.Context) error { return nil }

func (emptyStore) GetChannelByEmail(context.Context, string) (*model.Channel, error) {
	return nil, repository.ErrChannelNotFound
}

func (emptyStore) ListProcessingLogs(context.Context, uint, string, int, int) ([]model.ProcessingLog, int64, error) {
	return nil, 0, nil
}

type idleRunner struct{}

func (idleRunner) Start() error                         { return nil }
func (idleRunner) Stop() error                          { return nil }
func (idleRunner) IsRunning() bool                      { return false }
func (idleRunner) RunOnce(context.Context) (int, error) { return 0, nil }
func (idleRunner) GetNextRun() time.Time                { return time.Time{} }
func (idleRunner) GetLastRun() time.Time                { return time.Time{} }
func (idleRunner) LastCycle() (int, int)                { return 0, 0 }

func newTestRouter(t *testing.T) (*gin.Engine, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	prev := gin.DefaultWriter
	gin.DefaultWriter = &buf
	t.Cleanup(func() { gin.DefaultWriter = prev })

	h := handler.NewHandlers(emptyStore{}, nil, nil, nil, idleRunner{}, prometheus.NewRegistry(), handler.Options{})
	return SetupRouter(h), &buf
}

func TestAccessLogCarriesRequestAndChannel(t *testing.T) {
	r, buf := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/channels/7/logs", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), " req-123 ")
	assert.Contains(t, buf.String(), `"GET /api/v1/channels/7/logs" 200`)
	assert.Contains(t, buf.String(), "channel=7")
}

func TestRequestIDIsAssigned(t *testing.T) {
	r, buf := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	id := w.Header().Get(RequestIDHeader)
	assert.Len(t, id, 36)
	assert.Contains(t, buf.String(), id)
	assert.Contains(t, buf.String(), "channel=-")
}
