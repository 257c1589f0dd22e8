package channel

import (
	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

// State is the lifecycle state of a Session.
type State int32

const (
	// StateConnecting means the shell is open but the round trip is unconfirmed.
	StateConnecting State = iota
	// StateReady means commands may be issued.
	StateReady
	// StateDegraded means the last command returned nothing; only ReadError is allowed.
	StateDegraded
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrChannelClosed is returned by every call on a closed session.
	ErrChannelClosed = ferrors.TransportError("command channel is closed").Build()
	// ErrBlankResponse is returned when a command produced no output. The
	// session is degraded until ReadError is called.
	ErrBlankResponse = ferrors.ProtocolError("blank response from command channel").Build()
	// ErrNotReady is returned when a command is issued in a state that does not allow it.
	ErrNotReady = ferrors.ChannelError("command channel is not ready").Build()
)
