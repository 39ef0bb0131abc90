// Package media is the negotiation layer: one pion PeerConnection with a data
// channel per call, negotiated through relayed offer/answer/candidate
// envelopes.
package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/pion/webrtc/v4"
)

const channelLabel = "call"

var errPeerFailed = errors.New("media: peer connection failed")

// Signaler sends a negotiation payload to the other participant.
type Signaler interface {
	SendNegotiation(toID, callID string, kind models.NegotiationKind, payload any) error
}

// Events receives peer connection state changes.
type Events interface {
	MediaConnected(callID string)
	MediaClosed(callID string)
	MediaFailed(callID string, err error)
}

// Options configures an Adapter.
type Options struct {
	// ICEServers are STUN/TURN URLs. Empty means host candidates only.
	ICEServers []string
	// Loopback gathers loopback UDP4 candidates only; for tests and
	// single-host demos.
	Loopback bool
	Logger   *log.Logger
}

type peer struct {
	callID   string
	remoteID string
	pc       *webrtc.PeerConnection

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	remoteSet  bool
	candidates []webrtc.ICECandidateInit
	released   bool
}

// Adapter implements call.Media and relay.Sink on top of pion.
type Adapter struct {
	sig    Signaler
	api    *webrtc.API
	config webrtc.Configuration
	logger *log.Logger

	mu        sync.Mutex
	events    Events
	onMessage func(callID string, data []byte)
	peers     map[string]*peer
}

func NewAdapter(sig Signaler, opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	var se webrtc.SettingEngine
	if opts.Loopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
		se.SetInterfaceFilter(func(name string) bool { return name == "lo" || name == "lo0" })
	}

	var config webrtc.Configuration
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}

	return &Adapter{
		sig:    sig,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		config: config,
		logger: opts.Logger,
		peers:  make(map[string]*peer),
	}
}

// Bind sets the receiver of connection events. It must be called before the
// first Begin.
func (a *Adapter) Bind(ev Events) {
	a.mu.Lock()
	a.events = ev
	a.mu.Unlock()
}

// OnMessage sets the handler for data channel messages.
func (a *Adapter) OnMessage(fn func(callID string, data []byte)) {
	a.mu.Lock()
	a.onMessage = fn
	a.mu.Unlock()
}

// Begin creates the peer connection for an attempt entering Connecting. The
// caller opens the data channel and sends the offer; the callee waits for it.
func (a *Adapter) Begin(att call.Attempt) error {
	if att.CallID == "" {
		return errors.New("media: attempt has no call id")
	}
	pc, err := a.api.NewPeerConnection(a.config)
	if err != nil {
		return fmt.Errorf("media: new peer connection: %w", err)
	}
	p := &peer{callID: att.CallID, remoteID: att.PeerID, pc: pc}

	a.mu.Lock()
	if _, exists := a.peers[att.CallID]; exists {
		a.mu.Unlock()
		_ = pc.Close()
		return fmt.Errorf("media: call %s already has a peer connection", att.CallID)
	}
	a.peers[att.CallID] = p
	a.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := a.sig.SendNegotiation(p.remoteID, p.callID, models.KindCandidate, c.ToJSON()); err != nil {
			a.logger.Printf("media [%s]: send candidate: %v", p.callID, err)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		a.logger.Printf("media [%s]: peer connection %s", p.callID, s)
		if p.isReleased() {
			return
		}
		ev := a.eventSink()
		if ev == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			ev.MediaConnected(p.callID)
		case webrtc.PeerConnectionStateFailed:
			ev.MediaFailed(p.callID, errPeerFailed)
		case webrtc.PeerConnectionStateClosed:
			ev.MediaClosed(p.callID)
		}
	})

	if att.LocalRole != call.Caller {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) { a.attach(p, dc) })
		return nil
	}

	dc, err := pc.CreateDataChannel(channelLabel, nil)
	if err != nil {
		a.Release(att.CallID)
		return fmt.Errorf("media: data channel: %w", err)
	}
	a.attach(p, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		a.Release(att.CallID)
		return fmt.Errorf("media: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		a.Release(att.CallID)
		return fmt.Errorf("media: set local description: %w", err)
	}
	return a.sig.SendNegotiation(p.remoteID, p.callID, models.KindOffer, offer)
}

// Release closes the call's peer connection. It is safe to call more than
// once and for calls that never began.
func (a *Adapter) Release(callID string) {
	a.mu.Lock()
	p, ok := a.peers[callID]
	delete(a.peers, callID)
	a.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	p.released = true
	p.mu.Unlock()
	if err := p.pc.Close(); err != nil {
		a.logger.Printf("media [%s]: close: %v", callID, err)
	}
}

// HandleNegotiation applies a relayed envelope to its call's peer connection.
func (a *Adapter) HandleNegotiation(env models.NegotiationEnvelope) {
	a.mu.Lock()
	p := a.peers[env.CallID]
	a.mu.Unlock()
	if p == nil {
		a.logger.Printf("media [%s]: no peer connection for %s", env.CallID, env.Kind)
		return
	}

	if err := a.apply(p, env); err != nil {
		a.logger.Printf("media [%s]: %s: %v", env.CallID, env.Kind, err)
		// Relay delivery holds the relay lock; report from outside it.
		if ev := a.eventSink(); ev != nil {
			go ev.MediaFailed(env.CallID, err)
		}
	}
}

func (a *Adapter) apply(p *peer, env models.NegotiationEnvelope) error {
	switch env.Kind {
	case models.KindOffer, models.KindAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(env.Payload, &sd); err != nil {
			return fmt.Errorf("decode description: %w", err)
		}
		if err := p.pc.SetRemoteDescription(sd); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
		if err := p.flushCandidates(); err != nil {
			return err
		}
		if env.Kind == models.KindAnswer {
			return nil
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		return a.sig.SendNegotiation(p.remoteID, p.callID, models.KindAnswer, answer)

	case models.KindCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		return p.addCandidate(c)
	}
	return fmt.Errorf("unknown negotiation kind %q", env.Kind)
}

// Send writes data on the call's data channel.
func (a *Adapter) Send(callID string, data []byte) error {
	a.mu.Lock()
	p := a.peers[callID]
	a.mu.Unlock()
	if p == nil {
		return fmt.Errorf("media: no peer connection for call %s", callID)
	}

	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("media: data channel for call %s is not open", callID)
	}
	return dc.Send(data)
}

func (a *Adapter) attach(p *peer, dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		a.logger.Printf("media [%s]: data channel %q open", p.callID, dc.Label())
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		a.mu.Lock()
		fn := a.onMessage
		a.mu.Unlock()
		if fn != nil {
			fn(p.callID, msg.Data)
		}
	})
}

func (a *Adapter) eventSink() Events {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

func (p *peer) isReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// addCandidate applies c, or holds it until the remote description is set.
func (p *peer) addCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.candidates = append(p.candidates, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (p *peer) flushCandidates() error {
	p.mu.Lock()
	p.remoteSet = true
	held := p.candidates
	p.candidates = nil
	p.mu.Unlock()

	for _, c := range held {
		if err := p.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add held candidate: %w", err)
		}
	}
	return nil
}
