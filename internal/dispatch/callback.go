package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

// Callback receives a request outcome.
type Callback interface {
	HandleResult(ctx context.Context, outcome Outcome) error
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(ctx context.Context, outcome Outcome) error

// HandleResult implements Callback.
func (f CallbackFunc) HandleResult(ctx context.Context, outcome Outcome) error {
	return f(ctx, outcome)
}

// Multi fans an outcome out to several callbacks. Every callback runs; errors are joined.
type Multi []Callback

// HandleResult implements Callback.
func (m Multi) HandleResult(ctx context.Context, outcome Outcome) error {
	var errs []error
	for _, cb := range m {
		if cb == nil {
			continue
		}
		if err := cb.HandleResult(ctx, outcome); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookCallback POSTs the outcome as JSON to a caller supplied URL.
type WebhookCallback struct {
	URL    string
	Client *http.Client
}

// NewWebhookCallback returns a webhook callback with a bounded client timeout.
func NewWebhookCallback(url string, timeout time.Duration) *WebhookCallback {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookCallback{URL: url, Client: &http.Client{Timeout: timeout}}
}

// HandleResult implements Callback.
func (w *WebhookCallback) HandleResult(ctx context.Context, outcome Outcome) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "failed to encode outcome").Build()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryValidation, "invalid callback url").
			WithContext("url", w.URL).Build()
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryTransport, "callback delivery failed").
			WithContext("url", w.URL).Build()
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ferrors.TransportError(fmt.Sprintf("callback returned HTTP %d", resp.StatusCode)).
			WithContext("url", w.URL).Build()
	}
	return nil
}

// Registry keeps the latest outcomes in memory so callers can poll for them.
// Pending requests are registered up front; the oldest entries are evicted
// once the capacity is exceeded.
type Registry struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	entries  map[string]*Outcome
}

// NewRegistry returns a registry holding at most capacity requests.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Registry{capacity: capacity, entries: make(map[string]*Outcome)}
}

// Register records requestID as pending.
func (r *Registry) Register(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[requestID]; ok {
		return
	}
	r.entries[requestID] = nil
	r.order = append(r.order, requestID)
	for len(r.order) > r.capacity {
		delete(r.entries, r.order[0])
		r.order = r.order[1:]
	}
}

// Lookup returns the outcome for requestID. known is false for unknown or
// evicted requests; a known request without an outcome is pending.
func (r *Registry) Lookup(requestID string) (outcome Outcome, done, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.entries[requestID]
	if !ok {
		return Outcome{}, false, false
	}
	if o == nil {
		return Outcome{}, false, true
	}
	return *o, true, true
}

// Len returns the number of tracked requests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// HandleResult implements Callback by storing the outcome.
func (r *Registry) HandleResult(_ context.Context, outcome Outcome) error {
	r.Register(outcome.RequestID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[outcome.RequestID]; ok {
		o := outcome
		r.entries[outcome.RequestID] = &o
	}
	return nil
}
