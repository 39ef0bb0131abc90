// Package call drives one call attempt at a time for a signed-in identity:
// placing and answering calls, the ring and assignment timeouts, busy
// rejection, media lifecycle and cross-tab mirroring.
package call

import (
	"fmt"
	"time"
)

// Phase is where a call attempt sits in its lifecycle.
type Phase int

const (
	Idle Phase = iota
	Ringing
	Connecting
	Active
	Ending
	Ended
	Rejected
	Failed
)

var phaseNames = [...]string{
	Idle:       "idle",
	Ringing:    "ringing",
	Connecting: "connecting",
	Active:     "active",
	Ending:     "ending",
	Ended:      "ended",
	Rejected:   "rejected",
	Failed:     "failed",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Terminal reports whether no further transition can leave p.
func (p Phase) Terminal() bool {
	return p == Ended || p == Rejected || p == Failed
}

// MarshalText encodes p by name so sibling events stay readable in the store.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if name == string(b) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("call: unknown phase %q", b)
}

// transitions lists, for each phase, the phases it may move to.
var transitions = map[Phase][]Phase{
	Idle:       {Ringing},
	Ringing:    {Connecting, Rejected, Ending, Failed},
	Connecting: {Active, Ending, Failed},
	Active:     {Ending, Failed},
	Ending:     {Ended, Failed},
}

func canTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Role is the local side of a call.
type Role int

const (
	Caller Role = iota
	Callee
)

func (r Role) String() string {
	if r == Caller {
		return "caller"
	}
	return "callee"
}

// EndReason says why an attempt reached a terminal phase.
type EndReason string

const (
	ReasonHangup           EndReason = "hangup"
	ReasonCancelled        EndReason = "cancelled"
	ReasonRemoteEnded      EndReason = "remote-ended"
	ReasonDeclined         EndReason = "declined"
	ReasonTimeout          EndReason = "timeout"
	ReasonBusy             EndReason = "busy"
	ReasonUnassigned       EndReason = "no-call-id"
	ReasonTransportFailed  EndReason = "transport-failed"
	ReasonMediaFailed      EndReason = "media-failed"
	ReasonMediaClosed      EndReason = "media-closed"
	ReasonHandledElsewhere EndReason = "handled-elsewhere"
)

// Attempt is a snapshot of one call attempt. CallID is empty until the
// server assigns it and never changes afterwards.
type Attempt struct {
	CallID          string
	LocalRole       Role
	PeerID          string
	PeerDisplayName string
	Phase           Phase
	StartedAt       time.Time
	AcceptedAt      *time.Time
	EndedAt         *time.Time
	EndReason       EndReason
	// Mirrored is set when another tab of the same user owns the call and
	// this attempt only follows its phases.
	Mirrored bool
	Err      error
}

// SiblingEvent is what one tab tells its siblings about a call it owns.
type SiblingEvent struct {
	CallID string    `json:"callId"`
	Phase  Phase     `json:"phase"`
	Reason EndReason `json:"reason,omitempty"`
}

// Sender publishes a message body to a server destination.
type Sender interface {
	Send(destination string, body any) error
}

// Media is the negotiation/media layer. Begin starts negotiation for an
// attempt entering Connecting; Release frees whatever Begin acquired and must
// tolerate being called after the layer already tore itself down.
type Media interface {
	Begin(a Attempt) error
	Release(callID string)
}

// Siblings connects the manager to the other tabs of the same user. Claim
// returns true for exactly one tab per call id.
type Siblings interface {
	Claim(callID string) bool
	Announce(ev SiblingEvent)
}
