package eventstore

import (
	"context"
	"encoding/json"
	"time"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

// Event type names.
const (
	TypeRequestAccepted  = "RequestAccepted"
	TypeAccessDenied     = "AccessDenied"
	TypeChannelAcquired  = "ChannelAcquired"
	TypeSessionCreated   = "SessionCreated"
	TypeFileWritten      = "FileWritten"
	TypeWriteFallback    = "WriteFallback"
	TypeRequestCompleted = "RequestCompleted"
)

// FileRef names one file of an install request.
type FileRef struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// RequestAccepted is emitted when a whitelisted caller's request is queued.
type RequestAccepted struct {
	BaseEvent
	PackageID string    `json:"package_id"`
	Kind      string    `json:"kind"`
	Identity  string    `json:"identity"`
	Files     []FileRef `json:"files,omitempty"`
}

// NewRequestAccepted creates a RequestAccepted event.
func NewRequestAccepted(requestID, packageID, kind, identity string, files []FileRef) (*RequestAccepted, error) {
	e := &RequestAccepted{PackageID: packageID, Kind: kind, Identity: identity, Files: files}
	return e, e.init(requestID, TypeRequestAccepted, e)
}

// AccessDenied is emitted when a caller fails the whitelist check.
type AccessDenied struct {
	BaseEvent
	Identity  string `json:"identity"`
	PackageID string `json:"package_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// NewAccessDenied creates an AccessDenied event.
func NewAccessDenied(requestID, identity, packageID, kind string) (*AccessDenied, error) {
	e := &AccessDenied{Identity: identity, PackageID: packageID, Kind: kind}
	return e, e.init(requestID, TypeAccessDenied, e)
}

// ChannelAcquired is emitted when the command channel becomes ready for a request.
type ChannelAcquired struct {
	BaseEvent
	Transport string `json:"transport"`
	Target    string `json:"target"`
	Reused    bool   `json:"reused"`
}

// NewChannelAcquired creates a ChannelAcquired event.
func NewChannelAcquired(requestID, transport, target string, reused bool) (*ChannelAcquired, error) {
	e := &ChannelAcquired{Transport: transport, Target: target, Reused: reused}
	return e, e.init(requestID, TypeChannelAcquired, e)
}

// SessionCreated is emitted after a successful install-create.
type SessionCreated struct {
	BaseEvent
	SessionID int   `json:"session_id"`
	TotalSize int64 `json:"total_size"`
}

// NewSessionCreated creates a SessionCreated event.
func NewSessionCreated(requestID string, sessionID int, totalSize int64) (*SessionCreated, error) {
	e := &SessionCreated{SessionID: sessionID, TotalSize: totalSize}
	return e, e.init(requestID, TypeSessionCreated, e)
}

// FileWritten is emitted after each accepted install-write.
type FileWritten struct {
	BaseEvent
	File string `json:"file"`
	Size int64  `json:"size"`
	Mode string `json:"mode"`
}

// NewFileWritten creates a FileWritten event.
func NewFileWritten(requestID, file string, size int64, mode string) (*FileWritten, error) {
	e := &FileWritten{File: file, Size: size, Mode: mode}
	return e, e.init(requestID, TypeFileWritten, e)
}

// WriteFallback is emitted when a path-form write is rejected and the
// request switches to stream writes.
type WriteFallback struct {
	BaseEvent
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// NewWriteFallback creates a WriteFallback event.
func NewWriteFallback(requestID, file, reason string) (*WriteFallback, error) {
	e := &WriteFallback{File: file, Reason: reason}
	return e, e.init(requestID, TypeWriteFallback, e)
}

// RequestCompleted is emitted once per request with its terminal outcome.
type RequestCompleted struct {
	BaseEvent
	PackageID  string `json:"package_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// NewRequestCompleted creates a RequestCompleted event.
func NewRequestCompleted(requestID, packageID, status, message string, duration time.Duration) (*RequestCompleted, error) {
	e := &RequestCompleted{PackageID: packageID, Status: status, Message: message, DurationMS: duration.Milliseconds()}
	return e, e.init(requestID, TypeRequestCompleted, e)
}

func (b *BaseEvent) init(requestID, eventType string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryStorage, "failed to marshal "+eventType+" payload").
			WithContext("request_id", requestID).
			Build()
	}
	b.EventRequestID = requestID
	b.EventType = eventType
	b.EventTimestamp = time.Now()
	b.EventPayload = payload
	return nil
}

// AppendEvent persists a typed event.
func AppendEvent(ctx context.Context, s Store, e Event) error {
	return s.Append(ctx, e.RequestID(), e.Type(), e.Payload(), e.Metadata())
}
