// Package responses defines the request and response bodies of the privd caller API.
package responses

import "time"

// AccessResponse answers whether the caller holds privileged access.
type AccessResponse struct {
	Allowed  bool   `json:"allowed"`
	Identity string `json:"identity"`
}

// InstallRequest asks for a single-file install.
type InstallRequest struct {
	PackageID   string `json:"package_id"`
	File        string `json:"file"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// InstallSplitRequest asks for a multi-file install.
type InstallSplitRequest struct {
	PackageID   string   `json:"package_id"`
	Files       []string `json:"files"`
	CallbackURL string   `json:"callback_url,omitempty"`
}

// DeleteRequest asks for package removal.
type DeleteRequest struct {
	PackageID   string `json:"package_id"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// SubmitResponse is the synchronous answer to a submission.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
	Accepted  bool   `json:"accepted"`
}

// RequestStatusResponse reports a request's outcome or that it is pending.
type RequestStatusResponse struct {
	RequestID  string     `json:"request_id"`
	PackageID  string     `json:"package_id,omitempty"`
	Status     string     `json:"status"`
	Message    string     `json:"message,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Pending reports whether the request has no outcome yet.
func (r RequestStatusResponse) Pending() bool { return r.Status == StatusPending }

// StatusPending is the status of a request without an outcome.
const StatusPending = "pending"

// HealthResponse represents the health check API response.
type HealthResponse struct {
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version"`
	Uptime       float64   `json:"uptime"`
	Target       string    `json:"target"`
	ChannelReady bool      `json:"channel_ready"`
	QueueLength  int       `json:"queue_length"`
}
