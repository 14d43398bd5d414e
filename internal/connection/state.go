package connection

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of the relay connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotConnected is returned by Send when there is no open connection.
	// Nothing is written and nothing is queued.
	ErrNotConnected = errors.New("relay connection is not open")

	// ErrSendQueueFull is returned by Send when the write loop is backed up.
	ErrSendQueueFull = errors.New("relay send queue full")
)

// TransportError is delivered through OnClose when the connection fails.
type TransportError struct {
	Op  string // "dial", "read" or "write"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
