package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/privd/internal/server/responses"
)

type stubDaemon struct{ start time.Time }

func (s stubDaemon) StartTime() time.Time  { return s.start }
func (s stubDaemon) ChannelReady() bool    { return true }
func (s stubDaemon) QueueLength() int      { return 2 }
func (s stubDaemon) TargetAddress() string { return "127.0.0.1:5555" }

func TestHandleHealthCheck(t *testing.T) {
	h := NewMonitoringHandlers(stubDaemon{start: time.Now().Add(-time.Minute)})
	rec := httptest.NewRecorder()
	h.HandleHealthCheck(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp responses.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "healthy", resp.Status)
	require.True(t, resp.ChannelReady)
	require.Equal(t, 2, resp.QueueLength)
	require.Equal(t, "127.0.0.1:5555", resp.Target)
	require.GreaterOrEqual(t, resp.Uptime, 59.0)
}

func TestHandleHealthCheckMethod(t *testing.T) {
	h := NewMonitoringHandlers(stubDaemon{start: time.Now()})
	rec := httptest.NewRecorder()
	h.HandleHealthCheck(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
