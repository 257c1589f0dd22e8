// Package dispatch delivers terminal request outcomes to caller callbacks,
// exactly once per request, off the install worker.
package dispatch

import "time"

// Status is the terminal status of a request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Outcome is the single terminal result of a request.
type Outcome struct {
	RequestID string    `json:"request_id"`
	PackageID string    `json:"package_id"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	Finished  time.Time `json:"finished_at"`
}

// Succeeded builds a success outcome.
func Succeeded(requestID, packageID, message string) Outcome {
	return Outcome{RequestID: requestID, PackageID: packageID, Status: StatusSuccess, Message: message, Finished: time.Now().UTC()}
}

// Failed builds a failure outcome.
func Failed(requestID, packageID, message string) Outcome {
	return Outcome{RequestID: requestID, PackageID: packageID, Status: StatusFailure, Message: message, Finished: time.Now().UTC()}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Status == StatusSuccess }
