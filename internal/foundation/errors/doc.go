// Package errors provides the classified error primitives used across privd.
//
// Every failure that can end an install or removal request is expressed as a
// ClassifiedError so that the orchestrator boundary, the HTTP adapter and the
// CLI adapter can all reason about it the same way.
//
// Key features:
//   - ErrorCategory: failure taxonomy (access, channel, protocol, transport, write, ...)
//   - ErrorSeverity: impact level (fatal, error, warning, info)
//   - RetryStrategy: whether the condition is worth retrying
//   - ErrorBuilder: fluent construction with structured context
//   - HTTP and CLI adapters for presentation
//
// Example usage:
//
//	err := errors.ProtocolError("install-create returned no session id").
//		WithContext("response", raw).
//		Build()
package errors
