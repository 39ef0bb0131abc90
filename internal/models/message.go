package models

import (
	"encoding/json"
	"time"
)

// Command is the frame-level verb of the signaling wire protocol.
type Command string

const (
	CommandConnect    Command = "CONNECT"
	CommandConnected  Command = "CONNECTED"
	CommandError      Command = "ERROR"
	CommandSubscribe  Command = "SUBSCRIBE"
	CommandSend       Command = "SEND"
	CommandMessage    Command = "MESSAGE"
	CommandDisconnect Command = "DISCONNECT"
)

// Frame headers.
const (
	HeaderIdentity = "identity"
	HeaderToken    = "token"
	HeaderMessage  = "message"
)

// Frame is one websocket text message. Body is a JSON message whose "type"
// field selects the MessageType.
type Frame struct {
	Command     Command           `json:"command"`
	Destination string            `json:"destination,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
}

// MessageType discriminates message bodies.
type MessageType string

const (
	TypeConnectRequest MessageType = "connect"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
	TypeCallInitiate   MessageType = "call-initiate"
	TypeCallAssigned   MessageType = "call-assigned"
	TypeIncomingCall   MessageType = "incoming-call"
	TypeCallResponse   MessageType = "call-response"
	TypeNegotiation    MessageType = "negotiation"
)

// CallStatus is carried by CallResponse.
type CallStatus string

const (
	StatusAccepted CallStatus = "ACCEPTED"
	StatusRejected CallStatus = "REJECTED"
	StatusEnded    CallStatus = "ENDED"
)

// NegotiationKind labels a relayed peer-connection payload.
type NegotiationKind string

const (
	KindOffer     NegotiationKind = "offer"
	KindAnswer    NegotiationKind = "answer"
	KindCandidate NegotiationKind = "candidate"
)

// ConnectRequest announces the user right after the handshake.
type ConnectRequest struct {
	Type         MessageType `json:"type"`
	Identity     string      `json:"identity"`
	SessionToken string      `json:"sessionToken"`
	Role         string      `json:"role,omitempty"`
	DisplayName  string      `json:"displayName,omitempty"`
	Timestamp    int64       `json:"timestamp"`
}

// Ping is the application-level liveness probe.
type Ping struct {
	Type      MessageType `json:"type"`
	Identity  string      `json:"identity"`
	Timestamp int64       `json:"timestamp"`
}

// Pong answers a Ping. Timestamp echoes the ping's timestamp.
type Pong struct {
	Type      MessageType `json:"type"`
	Identity  string      `json:"identity"`
	Timestamp int64       `json:"timestamp"`
}

// CallInitiate asks the server to ring TargetID. The server assigns the call id.
type CallInitiate struct {
	Type       MessageType `json:"type"`
	CallerID   string      `json:"callerId"`
	CallerName string      `json:"callerName,omitempty"`
	TargetID   string      `json:"targetId"`
	CallerRole string      `json:"callerRole,omitempty"`
	Timestamp  int64       `json:"timestamp"`
}

// CallAssigned tells the caller which call id the server gave its CallInitiate.
type CallAssigned struct {
	Type      MessageType `json:"type"`
	CallID    string      `json:"callId"`
	TargetID  string      `json:"targetId"`
	Timestamp int64       `json:"timestamp"`
}

// IncomingCallNotification rings the callee.
type IncomingCallNotification struct {
	Type       MessageType `json:"type"`
	CallID     string      `json:"callId"`
	CallerID   string      `json:"callerId"`
	CallerName string      `json:"callerName,omitempty"`
	CallerType string      `json:"callerType,omitempty"`
	Timestamp  int64       `json:"timestamp"`
}

// CallResponse carries accept/reject/end for an assigned call.
type CallResponse struct {
	Type                MessageType       `json:"type"`
	CallID              string            `json:"callId"`
	Status              CallStatus        `json:"status"`
	Reason              string            `json:"reason,omitempty"`
	ParticipantMetadata map[string]string `json:"participantMetadata,omitempty"`
}

// NegotiationEnvelope relays an opaque offer/answer/candidate between peers.
type NegotiationEnvelope struct {
	Type    MessageType     `json:"type"`
	CallID  string          `json:"callId"`
	FromID  string          `json:"fromId"`
	ToID    string          `json:"toId"`
	Kind    NegotiationKind `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	SentAt  int64           `json:"sentAt,omitempty"`
}

// NowMillis is the timestamp unit used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// FromMillis converts a wire timestamp back to time.Time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
