package metrics

import "time"

// ResultLabel enumerates result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultFailure ResultLabel = "failure"
	ResultDenied  ResultLabel = "denied"
)

// Recorder defines observability hooks for request handling and the command channel.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveRequestDuration(kind string, d time.Duration)
	IncOutcome(kind string, result ResultLabel)
	IncAccessDecision(allowed bool)
	IncProbe(result string) // result: ready|not-ready|no-target|error
	IncAcquisition(success bool)
	IncWriteFallback()
	IncDeliveryError(callback string)
	SetQueueDepth(n int)
	SetChannelReady(ready bool)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration)   {}
func (NoopRecorder) ObserveRequestDuration(string, time.Duration) {}
func (NoopRecorder) IncOutcome(string, ResultLabel)               {}
func (NoopRecorder) IncAccessDecision(bool)                       {}
func (NoopRecorder) IncProbe(string)                              {}
func (NoopRecorder) IncAcquisition(bool)                          {}
func (NoopRecorder) IncWriteFallback()                            {}
func (NoopRecorder) IncDeliveryError(string)                      {}
func (NoopRecorder) SetQueueDepth(int)                            {}
func (NoopRecorder) SetChannelReady(bool)                         {}

// Or returns r, or NoopRecorder when r is nil.
func Or(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
