package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send when no live connection exists.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrSendBufferFull is returned by Send when the outbound queue is saturated.
	ErrSendBufferFull = errors.New("transport: send buffer full")
	// ErrConnectInProgress is returned by Connect while another Connect is dialing.
	ErrConnectInProgress = errors.New("transport: connect already in progress")
	// ErrReconnectExhausted is carried by the Failed event once the attempt budget is spent.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
	// ErrUnauthorized marks a ConnectError caused by rejected credentials.
	ErrUnauthorized = errors.New("transport: credentials rejected")

	errHeartbeatMissed     = errors.New("transport: heartbeat unanswered")
	errHeartbeatStale      = errors.New("transport: heartbeat round trip too slow")
	errClosedDuringConnect = errors.New("transport: disconnected while connecting")
)

// ConnectError reports a failed dial or handshake. Unauthorized errors are
// fatal until the credentials change; nothing retries them.
type ConnectError struct {
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transport: connect: %v", e.Err)
	}
	return fmt.Sprintf("transport: connect: %s: %v", e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Unauthorized reports whether the server rejected the credentials.
func (e *ConnectError) Unauthorized() bool {
	return errors.Is(e.Err, ErrUnauthorized)
}
