// Package notify emits advisory and diagnostic notices about privileged
// requests. Notices are informational: delivery failures never affect a
// request's outcome.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/privd/internal/logfields"
)

// Kind classifies a notice.
type Kind string

const (
	// KindAdvisory tells the operator a caller was refused.
	KindAdvisory Kind = "advisory"
	// KindDiagnostic carries the raw failure text of an install or removal.
	KindDiagnostic Kind = "diagnostic"
)

// UnknownIdentity is reported when a caller's identity could not be resolved.
const UnknownIdentity = "Unknown"

// Notice is a single operator-facing message.
type Notice struct {
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	PackageID string    `json:"package_id,omitempty"`
	Identity  string    `json:"identity,omitempty"`
	Time      time.Time `json:"time"`
}

// Notifier delivers notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// AccessDenied builds the advisory notice for a refused caller.
func AccessDenied(requestID, identity string) Notice {
	if identity == "" {
		identity = UnknownIdentity
	}
	return Notice{
		Kind:      KindAdvisory,
		Title:     "Access denied",
		Message:   fmt.Sprintf("The package %s is not allowed to access privd", identity),
		RequestID: requestID,
		Identity:  identity,
		Time:      time.Now(),
	}
}

// Failure builds the diagnostic notice for a failed request.
func Failure(requestID, packageID, message string) Notice {
	return Notice{
		Kind:      KindDiagnostic,
		Title:     "Request failed",
		Message:   message,
		RequestID: requestID,
		PackageID: packageID,
		Time:      time.Now(),
	}
}

// LogNotifier writes notices to a slog logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(ctx context.Context, n Notice) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelWarn
	if n.Kind == KindDiagnostic {
		level = slog.LevelError
	}
	logger.LogAttrs(ctx, level, n.Title,
		slog.String("kind", string(n.Kind)),
		slog.String("message", n.Message),
		logfields.RequestID(n.RequestID),
		logfields.PackageID(n.PackageID),
		logfields.Identity(n.Identity),
	)
	return nil
}

// Multi fans a notice out to several notifiers; every notifier is tried.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards notices.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notice) error { return nil }
