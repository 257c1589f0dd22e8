package eventstore

import (
	"context"
	"time"
)

// Store defines the interface for persisting and retrieving events.
type Store interface {
	// Append adds a new event to the store.
	Append(ctx context.Context, requestID, eventType string, payload []byte, metadata map[string]string) error

	// GetByRequestID retrieves all events for a specific request.
	GetByRequestID(ctx context.Context, requestID string) ([]Event, error)

	// GetRange retrieves events within a time range.
	GetRange(ctx context.Context, start, end time.Time) ([]Event, error)

	// Prune deletes events older than before and returns how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)

	// Close closes the store and releases resources.
	Close() error
}

// StatsRecorder tracks per-package install usage.
type StatsRecorder interface {
	RecordInstall(ctx context.Context, packageID string) error
}

// PackageStat is the usage summary for one package.
type PackageStat struct {
	PackageID   string    `json:"package_id"`
	Installs    int64     `json:"installs"`
	LastInstall time.Time `json:"last_install"`
}
