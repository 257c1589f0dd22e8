package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/server/responses"
	"git.home.luguber.info/inful/privd/internal/version"
)

// DaemonInterface defines the daemon state needed by monitoring handlers.
type DaemonInterface interface {
	StartTime() time.Time
	ChannelReady() bool
	QueueLength() int
	TargetAddress() string
}

// MonitoringHandlers contains monitoring-related HTTP handlers.
type MonitoringHandlers struct {
	daemon       DaemonInterface
	errorAdapter *errors.HTTPErrorAdapter
}

// NewMonitoringHandlers creates a new monitoring handlers instance.
func NewMonitoringHandlers(daemon DaemonInterface) *MonitoringHandlers {
	return &MonitoringHandlers{
		daemon:       daemon,
		errorAdapter: errors.NewHTTPErrorAdapter(slog.Default()),
	}
}

// HandleHealthCheck handles the health check endpoint.
func (h *MonitoringHandlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		err := errors.ValidationError("invalid HTTP method").
			WithContext("method", r.Method).
			WithContext("allowed_method", "GET").
			Build()
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	health := &responses.HealthResponse{
		Status:       "healthy",
		Timestamp:    time.Now().UTC(),
		Version:      version.Version,
		Uptime:       time.Since(h.daemon.StartTime()).Seconds(),
		Target:       h.daemon.TargetAddress(),
		ChannelReady: h.daemon.ChannelReady(),
		QueueLength:  h.daemon.QueueLength(),
	}

	if err := writeJSON(w, http.StatusOK, health); err != nil {
		internalErr := errors.WrapError(err, errors.CategoryInternal, "failed to write health response").
			Build()
		h.errorAdapter.WriteErrorResponse(w, r, internalErr)
	}
}
