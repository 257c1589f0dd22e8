// Package access decides whether a caller may use privileged operations.
package access

import (
	"log/slog"

	"git.home.luguber.info/inful/privd/internal/logfields"
	"git.home.luguber.info/inful/privd/internal/metrics"
)

// Lister answers membership queries for permitted identities.
type Lister interface {
	Contains(identity string) bool
}

// Gate checks caller identities against the whitelist.
type Gate struct {
	list     Lister
	recorder metrics.Recorder
	logger   *slog.Logger
}

// NewGate builds a gate over list.
func NewGate(list Lister, recorder metrics.Recorder, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{list: list, recorder: metrics.Or(recorder), logger: logger}
}

// IsAllowed reports whether identity is whitelisted. An empty identity is never allowed.
func (g *Gate) IsAllowed(identity string) bool {
	allowed := identity != "" && g.list.Contains(identity)
	g.recorder.IncAccessDecision(allowed)
	g.logger.Debug("Access decision", logfields.Identity(identity), slog.Bool("allowed", allowed))
	return allowed
}
