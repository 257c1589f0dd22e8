package channel

import (
	"context"
	"io"
)

// ProbeResult classifies the target's readiness.
type ProbeResult int

const (
	// ProbeNoTarget means nothing answers at the configured target.
	ProbeNoTarget ProbeResult = iota
	// ProbeNotReady means the target is present but cannot run commands yet.
	ProbeNotReady
	// ProbeReady means a shell can be opened.
	ProbeReady
)

func (p ProbeResult) String() string {
	switch p {
	case ProbeNoTarget:
		return "no-target"
	case ProbeNotReady:
		return "not-ready"
	case ProbeReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Transport reaches a remote command interpreter.
type Transport interface {
	// Name identifies the transport kind (adb, ssh).
	Name() string
	// Target describes the remote endpoint for logs.
	Target() string
	// Probe checks readiness once.
	Probe(ctx context.Context) (ProbeResult, error)
	// OpenShell starts an interactive interpreter.
	OpenShell(ctx context.Context) (Shell, error)
	// OpenStream runs command remotely with a raw stdin byte stream.
	OpenStream(ctx context.Context, command string) (Stream, error)
	// Close releases transport-level resources.
	Close() error
}

// Shell is a running remote interpreter. Writes go to its stdin.
type Shell interface {
	io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Close() error
}

// Stream is a remote command fed with raw bytes.
type Stream interface {
	io.Writer
	// CloseWrite signals end of input.
	CloseWrite() error
	// Response waits for the command to finish and returns its trimmed output.
	Response(ctx context.Context) (string, error)
	// Close aborts the command if it is still running.
	Close() error
}
