// Package metrics provides observability hooks for privd.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so call sites never nil-check:
//
//	type Orchestrator struct {
//	    recorder metrics.Recorder
//	}
//
// The daemon swaps in a PrometheusRecorder when an admin address is
// configured and serves the registry through HTTPHandler on /metrics.
package metrics
