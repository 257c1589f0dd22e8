// Package eventstore records the life of privileged requests in SQLite and
// projects them into request summaries.
package eventstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Request status values used by summaries.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusDenied  = "denied"
)

// RequestSummary is a read model summarizing one request.
type RequestSummary struct {
	RequestID    string        `json:"request_id"`
	PackageID    string        `json:"package_id"`
	Kind         string        `json:"kind,omitempty"`
	Identity     string        `json:"identity,omitempty"`
	Status       string        `json:"status"`
	SessionID    int           `json:"session_id,omitempty"`
	FilesWritten int           `json:"files_written"`
	BytesWritten int64         `json:"bytes_written"`
	Fallback     bool          `json:"fallback,omitempty"`
	Message      string        `json:"message,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// RequestHistoryProjection maintains an in-memory view of recent requests,
// reconstructed from events stored in the event store.
type RequestHistoryProjection struct {
	mu       sync.RWMutex
	store    Store
	requests map[string]*RequestSummary
	history  []*RequestSummary // completed, newest first
	maxSize  int
	lastSync time.Time
}

// NewRequestHistoryProjection creates a new projection backed by the given store.
func NewRequestHistoryProjection(store Store, maxHistorySize int) *RequestHistoryProjection {
	if maxHistorySize <= 0 {
		maxHistorySize = 100
	}
	return &RequestHistoryProjection{
		store:    store,
		requests: make(map[string]*RequestSummary),
		history:  make([]*RequestSummary, 0, maxHistorySize),
		maxSize:  maxHistorySize,
	}
}

// Rebuild reconstructs the projection from all events in the store.
func (p *RequestHistoryProjection) Rebuild(ctx context.Context) error {
	events, err := p.store.GetRange(ctx, time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = make(map[string]*RequestSummary)
	p.history = make([]*RequestSummary, 0, p.maxSize)
	for _, event := range events {
		p.applyEventLocked(event)
	}
	sort.SliceStable(p.history, func(i, j int) bool {
		return p.history[i].StartedAt.After(p.history[j].StartedAt)
	})
	if len(p.history) > p.maxSize {
		p.history = p.history[:p.maxSize]
	}
	p.pruneLocked()
	p.lastSync = time.Now()
	return nil
}

// Apply processes a single event as it is emitted.
func (p *RequestHistoryProjection) Apply(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyEventLocked(event)
}

func (p *RequestHistoryProjection) applyEventLocked(event Event) {
	id := event.RequestID()
	if id == "" {
		return
	}

	summary, exists := p.requests[id]
	if !exists {
		summary = &RequestSummary{RequestID: id, Status: StatusPending, StartedAt: event.Timestamp()}
		p.requests[id] = summary
	}

	switch event.Type() {
	case TypeRequestAccepted:
		var payload RequestAccepted
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			summary.PackageID = payload.PackageID
			summary.Kind = payload.Kind
			summary.Identity = payload.Identity
		}
		summary.StartedAt = event.Timestamp()

	case TypeAccessDenied:
		var payload AccessDenied
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			summary.PackageID = payload.PackageID
			summary.Kind = payload.Kind
			summary.Identity = payload.Identity
		}
		summary.Status = StatusDenied
		p.completeLocked(summary, event.Timestamp())

	case TypeSessionCreated:
		var payload SessionCreated
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			summary.SessionID = payload.SessionID
		}

	case TypeFileWritten:
		var payload FileWritten
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			summary.FilesWritten++
			summary.BytesWritten += payload.Size
		}

	case TypeWriteFallback:
		summary.Fallback = true

	case TypeRequestCompleted:
		var payload RequestCompleted
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			if payload.PackageID != "" {
				summary.PackageID = payload.PackageID
			}
			summary.Status = payload.Status
			summary.Message = payload.Message
		}
		p.completeLocked(summary, event.Timestamp())
	}
}

func (p *RequestHistoryProjection) completeLocked(summary *RequestSummary, at time.Time) {
	summary.CompletedAt = &at
	summary.Duration = at.Sub(summary.StartedAt)

	for _, h := range p.history {
		if h.RequestID == summary.RequestID {
			return
		}
	}
	p.history = append([]*RequestSummary{summary}, p.history...)
	if len(p.history) > p.maxSize {
		p.history = p.history[:p.maxSize]
	}
	p.pruneLocked()
}

// pruneLocked drops completed requests that fell out of the bounded history.
func (p *RequestHistoryProjection) pruneLocked() {
	keep := make(map[string]struct{}, len(p.history))
	for _, h := range p.history {
		keep[h.RequestID] = struct{}{}
	}
	for id, summary := range p.requests {
		if summary.CompletedAt == nil {
			continue
		}
		if _, ok := keep[id]; !ok {
			delete(p.requests, id)
		}
	}
}

// GetHistory returns completed requests, newest first.
func (p *RequestHistoryProjection) GetHistory() []RequestSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]RequestSummary, len(p.history))
	for i, h := range p.history {
		result[i] = *h
	}
	return result
}

// GetRequest returns the summary for a specific request.
func (p *RequestHistoryProjection) GetRequest(requestID string) (RequestSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	summary, exists := p.requests[requestID]
	if !exists {
		return RequestSummary{}, false
	}
	return *summary, true
}

// Pending returns requests that have not completed yet.
func (p *RequestHistoryProjection) Pending() []RequestSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []RequestSummary
	for _, s := range p.requests {
		if s.CompletedAt == nil {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// LastSyncTime returns when the projection was last rebuilt.
func (p *RequestHistoryProjection) LastSyncTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSync
}
