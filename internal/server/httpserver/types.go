package httpserver

import (
	"log/slog"
	"net/http"

	"git.home.luguber.info/inful/privd/internal/server/handlers"
)

// Options configures the servers.
type Options struct {
	// Socket is the unix socket path of the caller API.
	Socket string
	// MaxConnections bounds concurrent caller connections.
	MaxConnections int
	// AdminAddr is the TCP address of the admin server; empty disables it.
	AdminAddr string

	API        *handlers.APIHandlers
	Monitoring *handlers.MonitoringHandlers
	// PrometheusHandler serves /metrics on the admin server when set.
	PrometheusHandler http.Handler

	Logger *slog.Logger
}
