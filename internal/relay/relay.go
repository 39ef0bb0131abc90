// Package relay carries peer-connection negotiation payloads between the two
// participants of a call over the signaling transport.
package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/models"
)

// DefaultBufferLimit caps the envelopes held for a call that is not open yet.
const DefaultBufferLimit = 64

// Sender publishes a message body to a server destination.
type Sender interface {
	Send(destination string, body any) error
}

// Sink is the negotiation layer that consumes relayed envelopes.
type Sink interface {
	HandleNegotiation(env models.NegotiationEnvelope)
}

type tracked struct {
	open    bool
	pending []models.NegotiationEnvelope
}

// Relay sends local negotiation payloads and delivers remote ones. Incoming
// envelopes are dropped when they echo our own identity or name a call that
// is not tracked; envelopes that arrive before their call opens are held and
// replayed in arrival order when it does.
type Relay struct {
	identity string
	sender   Sender
	logger   *log.Logger
	limit    int

	mu    sync.Mutex
	sink  Sink
	calls map[string]*tracked
}

// New returns a Relay for identity. SetSink must be called before envelopes
// can be delivered.
func New(identity string, sender Sender, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.Default()
	}
	return &Relay{
		identity: identity,
		sender:   sender,
		logger:   logger,
		limit:    DefaultBufferLimit,
		calls:    make(map[string]*tracked),
	}
}

// SetSink installs the negotiation layer.
func (r *Relay) SetSink(s Sink) {
	r.mu.Lock()
	r.sink = s
	r.mu.Unlock()
}

// SendNegotiation publishes payload to toID for callID.
func (r *Relay) SendNegotiation(toID, callID string, kind models.NegotiationKind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", kind, err)
	}
	env := models.NegotiationEnvelope{
		Type:    models.TypeNegotiation,
		CallID:  callID,
		FromID:  r.identity,
		ToID:    toID,
		Kind:    kind,
		Payload: raw,
		SentAt:  models.NowMillis(),
	}
	return r.sender.Send(models.DestNegotiation, env)
}

// OnNegotiation handles a body received on the negotiation topic.
func (r *Relay) OnNegotiation(body []byte) {
	env, err := models.Decode[models.NegotiationEnvelope](body)
	if err != nil {
		r.logger.Printf("relay: %v", err)
		return
	}
	if env.FromID == r.identity {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.calls[env.CallID]
	if !ok {
		r.logger.Printf("relay: dropping %s for unknown call %s", env.Kind, env.CallID)
		return
	}
	if !t.open {
		if len(t.pending) == r.limit {
			r.logger.Printf("relay: buffer full for call %s, dropping oldest", env.CallID)
			t.pending = t.pending[1:]
		}
		t.pending = append(t.pending, env)
		return
	}
	r.deliver(env)
}

// Observe follows call phase changes; register it with Manager.OnChange. A
// ringing call is tracked and buffered, Connecting and Active open it, and
// anything later (or a mirrored attempt) stops tracking it.
func (r *Relay) Observe(a call.Attempt) {
	if a.CallID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a.Mirrored || a.Phase == call.Ending || a.Phase.Terminal() {
		if t, ok := r.calls[a.CallID]; ok {
			if n := len(t.pending); n > 0 {
				r.logger.Printf("relay: discarding %d buffered envelopes for call %s", n, a.CallID)
			}
			delete(r.calls, a.CallID)
		}
		return
	}

	t, ok := r.calls[a.CallID]
	if !ok {
		t = &tracked{}
		r.calls[a.CallID] = t
	}
	if t.open || (a.Phase != call.Connecting && a.Phase != call.Active) {
		return
	}

	t.open = true
	pending := t.pending
	t.pending = nil
	for _, env := range pending {
		r.deliver(env)
	}
}

// Tracked reports whether callID is tracked and whether it is open.
func (r *Relay) Tracked(callID string) (known, open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.calls[callID]
	if !ok {
		return false, false
	}
	return true, t.open
}

// deliver hands env to the sink. Caller holds r.mu, which keeps delivery in
// arrival order.
func (r *Relay) deliver(env models.NegotiationEnvelope) {
	if r.sink == nil {
		r.logger.Printf("relay: no negotiation layer, dropping %s for call %s", env.Kind, env.CallID)
		return
	}
	r.sink.HandleNegotiation(env)
}
