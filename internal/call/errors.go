package call

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by Place while another attempt is non-terminal.
	ErrBusy = errors.New("call: another call is in progress")
	// ErrNoCall is returned when an action needs a call and there is none.
	ErrNoCall = errors.New("call: no call in progress")
	// ErrHandledElsewhere is returned when a sibling tab already owns the call.
	ErrHandledElsewhere = errors.New("call: handled in another tab")
	// ErrInvalidTransition is returned for an action the current phase does not allow.
	ErrInvalidTransition = errors.New("call: invalid transition")
)

// ProtocolError reports a server message that does not fit the current
// attempt, such as a response for an unknown call id. The message is dropped.
type ProtocolError struct {
	CallID string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("call: protocol error for %q: %s", e.CallID, e.Reason)
}

// MediaError wraps a failure reported by the media layer.
type MediaError struct {
	CallID string
	Err    error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("call %s: media: %v", e.CallID, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }
