package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeError reports a malformed frame or message body. It is returned to
// the caller, never panicked, so one bad message cannot take down a read loop.
type DecodeError struct {
	Kind string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	errMissingField = errors.New("missing required field")
	errWrongType    = errors.New("unexpected message type")
)

func missing(field string) error {
	return fmt.Errorf("%w %q", errMissingField, field)
}

// EncodeFrame marshals f for the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// NewSend builds a SEND frame carrying body.
func NewSend(destination string, body any) (Frame, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("encode body for %s: %w", destination, err)
	}
	return Frame{Command: CommandSend, Destination: destination, Body: raw}, nil
}

// NewMessage builds a MESSAGE frame, as the server delivers them.
func NewMessage(destination string, body any) (Frame, error) {
	f, err := NewSend(destination, body)
	f.Command = CommandMessage
	return f, err
}

// DecodeFrame parses one websocket message.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, &DecodeError{Kind: "frame", Err: err}
	}
	if f.Command == "" {
		return Frame{}, &DecodeError{Kind: "frame", Err: missing("command")}
	}
	return f, nil
}

// PeekType reads the "type" discriminator of a message body.
func PeekType(body []byte) (MessageType, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return "", &DecodeError{Kind: "message", Err: err}
	}
	if head.Type == "" {
		return "", &DecodeError{Kind: "message", Err: missing("type")}
	}
	return head.Type, nil
}

// Message is implemented by every body kind so Decode can validate it.
type Message interface {
	ConnectRequest | Ping | Pong | CallInitiate | CallAssigned |
		IncomingCallNotification | CallResponse | NegotiationEnvelope
}

type typed interface {
	messageType() MessageType
}

func (m ConnectRequest) messageType() MessageType           { return m.Type }
func (m Ping) messageType() MessageType                     { return m.Type }
func (m Pong) messageType() MessageType                     { return m.Type }
func (m CallInitiate) messageType() MessageType             { return m.Type }
func (m CallAssigned) messageType() MessageType             { return m.Type }
func (m IncomingCallNotification) messageType() MessageType { return m.Type }
func (m CallResponse) messageType() MessageType             { return m.Type }
func (m NegotiationEnvelope) messageType() MessageType      { return m.Type }

// Decode unmarshals body into T, checks that its type discriminator names T
// and that T's required fields are set.
func Decode[T Message](body []byte) (T, error) {
	var v T
	kind := kindName(any(&v))
	if len(body) == 0 {
		return v, &DecodeError{Kind: kind, Err: errors.New("empty body")}
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, &DecodeError{Kind: kind, Err: err}
	}
	switch got := any(v).(typed).messageType(); {
	case got == "":
		return v, &DecodeError{Kind: kind, Err: missing("type")}
	case string(got) != kind:
		return v, &DecodeError{Kind: kind, Err: fmt.Errorf("%w %q", errWrongType, got)}
	}
	if err := validate(any(&v)); err != nil {
		return v, &DecodeError{Kind: kind, Err: err}
	}
	return v, nil
}

func kindName(v any) string {
	switch v.(type) {
	case *ConnectRequest:
		return string(TypeConnectRequest)
	case *Ping:
		return string(TypePing)
	case *Pong:
		return string(TypePong)
	case *CallInitiate:
		return string(TypeCallInitiate)
	case *CallAssigned:
		return string(TypeCallAssigned)
	case *IncomingCallNotification:
		return string(TypeIncomingCall)
	case *CallResponse:
		return string(TypeCallResponse)
	case *NegotiationEnvelope:
		return string(TypeNegotiation)
	}
	return "message"
}

func validate(v any) error {
	switch m := v.(type) {
	case *ConnectRequest:
		if m.Identity == "" {
			return missing("identity")
		}
		if m.SessionToken == "" {
			return missing("sessionToken")
		}
	case *Ping:
		if m.Identity == "" {
			return missing("identity")
		}
	case *Pong:
		if m.Identity == "" {
			return missing("identity")
		}
	case *CallInitiate:
		if m.CallerID == "" {
			return missing("callerId")
		}
		if m.TargetID == "" {
			return missing("targetId")
		}
	case *CallAssigned:
		if m.CallID == "" {
			return missing("callId")
		}
	case *IncomingCallNotification:
		if m.CallID == "" {
			return missing("callId")
		}
		if m.CallerID == "" {
			return missing("callerId")
		}
	case *CallResponse:
		if m.CallID == "" {
			return missing("callId")
		}
		switch m.Status {
		case StatusAccepted, StatusRejected, StatusEnded:
		default:
			return fmt.Errorf("unknown status %q", m.Status)
		}
	case *NegotiationEnvelope:
		if m.CallID == "" {
			return missing("callId")
		}
		if m.FromID == "" {
			return missing("fromId")
		}
		if m.Kind == "" {
			return missing("kind")
		}
	}
	return nil
}
