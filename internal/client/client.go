// Package client assembles the call stack of one signed-in user in one tab:
// the signaling session, call manager, negotiation relay, media adapter, and
// the cross-tab coordinator shared with the user's other tabs.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/crosstab"
	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/relay"
	"github.com/mossy-p/call-signaling/internal/transport"
)

// siblingEventType is the cross-tab event carrying call.SiblingEvent.
const siblingEventType = "call"

var ErrNotConfigured = errors.New("client: SIGNAL_URL, USER_ID and AUTH_TOKEN are required")

// Options configures a Client.
type Options struct {
	Config *config.Config
	// Store is shared with the user's other tabs. Nil gives this tab a
	// private in-memory store.
	Store crosstab.Store
	TabID string

	Dialer *websocket.Dialer
	Logger *log.Logger
}

// Client is one tab's view of a user session. Create it with New, then
// Start it; it is safe for concurrent use.
type Client struct {
	identity string
	token    string
	logger   *log.Logger

	session *transport.Session
	calls   *call.Manager
	relay   *relay.Relay
	media   *media.Adapter
	tabs    *crosstab.Coordinator

	mu      sync.Mutex
	cancel  context.CancelFunc
	cleanup []func()
}

// New wires the stack together without connecting.
func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil || !cfg.Client.Configured() {
		return nil, ErrNotConfigured
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	store := opts.Store
	if store == nil {
		store = crosstab.NewMemoryStore()
	}
	cc := cfg.Client

	session := transport.NewSession(transport.Options{
		URL:                 cc.SignalURL,
		Role:                cc.Role,
		DisplayName:         cc.DisplayName,
		BaseDelay:           cfg.Reconnect.BaseDelay,
		MaxDelay:            cfg.Reconnect.MaxDelay,
		MaxAttempts:         cfg.Reconnect.MaxAttempts,
		HeartbeatInterval:   cfg.Heartbeat.Interval,
		MaxMissedHeartbeats: cfg.Heartbeat.MaxMissed,
		StaleAfter:          cfg.Heartbeat.StaleAfter,
		Dialer:              opts.Dialer,
		Logger:              logger,
	})
	tabs := crosstab.NewCoordinator(store, crosstab.Options{
		TabID:      opts.TabID,
		ClearAfter: cfg.Call.CrossTabClearAfter,
		Logger:     logger,
	})
	rl := relay.New(cc.UserID, session, logger)
	md := media.NewAdapter(rl, media.Options{
		ICEServers: cc.ICEServers,
		Loopback:   cc.MediaLoopback,
		Logger:     logger,
	})
	calls := call.NewManager(call.Options{
		Identity:      cc.UserID,
		DisplayName:   cc.DisplayName,
		Role:          cc.Role,
		RingTimeout:   cfg.Call.RingTimeout,
		AssignTimeout: cfg.Call.AssignTimeout,
		CloseGrace:    cfg.Call.MediaCloseGrace,
		Sender:        session,
		Media:         md,
		Siblings:      &siblings{tabs: tabs, logger: logger},
		Logger:        logger,
	})

	md.Bind(calls)
	rl.SetSink(md)
	calls.OnChange(rl.Observe)

	c := &Client{
		identity: cc.UserID,
		token:    cc.AuthToken,
		logger:   logger,
		session:  session,
		calls:    calls,
		relay:    rl,
		media:    md,
		tabs:     tabs,
	}
	c.cleanup = append(c.cleanup,
		session.Subscribe(models.TopicIncomingCall, c.onIncomingCall),
		session.Subscribe(models.TopicCallResponse, c.onCallResponse),
		session.Subscribe(models.TopicNegotiation, rl.OnNegotiation),
		tabs.Observe(siblingEventType, c.onSibling),
	)
	session.OnEvent(c.onSessionEvent)
	return c, nil
}

// Start begins watching sibling tabs and connects to the signaling server.
// Connect failures are returned and not retried.
func (c *Client) Start(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(context.Background())
	if err := c.tabs.Start(watchCtx); err != nil {
		cancel()
		return err
	}
	if err := c.session.Connect(ctx, c.identity, c.token); err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	return nil
}

// Stop hangs up any call this tab owns, then disconnects.
func (c *Client) Stop() {
	if a, ok := c.calls.Current(); ok && !a.Phase.Terminal() && !a.Mirrored {
		if err := c.calls.Hangup(); err != nil {
			c.logger.Printf("client: hangup on stop: %v", err)
		}
	}
	c.session.Disconnect()

	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) Identity() string { return c.identity }

func (c *Client) TabID() string { return c.tabs.TabID() }

// Place rings targetID.
func (c *Client) Place(targetID, targetName string) (call.Attempt, error) {
	return c.calls.Place(targetID, targetName)
}

// Accept answers the ringing call.
func (c *Client) Accept() (call.Attempt, error) { return c.calls.Accept() }

// Reject declines the ringing call.
func (c *Client) Reject() (call.Attempt, error) { return c.calls.Reject() }

// Hangup ends, cancels or declines the current call.
func (c *Client) Hangup() error { return c.calls.Hangup() }

// Current returns the latest call attempt.
func (c *Client) Current() (call.Attempt, bool) { return c.calls.Current() }

// OnCallChange registers fn for every call phase change.
func (c *Client) OnCallChange(fn func(call.Attempt)) { c.calls.OnChange(fn) }

// OnConnection registers fn for signaling session events.
func (c *Client) OnConnection(fn func(transport.Event)) { c.session.OnEvent(fn) }

// OnData registers fn for data channel messages of the current call.
func (c *Client) OnData(fn func(callID string, data []byte)) { c.media.OnMessage(fn) }

// SendData writes to the data channel of the current call.
func (c *Client) SendData(data []byte) error {
	a, ok := c.calls.Current()
	if !ok || a.Phase != call.Active || a.Mirrored {
		return fmt.Errorf("client: no active call in this tab")
	}
	return c.media.Send(a.CallID, data)
}

// Snapshot returns the signaling session counters.
func (c *Client) Snapshot() transport.Snapshot { return c.session.Snapshot() }

func (c *Client) onIncomingCall(body []byte) {
	n, err := models.Decode[models.IncomingCallNotification](body)
	if err != nil {
		c.logger.Printf("client: %v", err)
		return
	}
	c.calls.HandleIncoming(n)
}

// onCallResponse splits the call-response topic into assignments and
// answers.
func (c *Client) onCallResponse(body []byte) {
	kind, err := models.PeekType(body)
	if err != nil {
		c.logger.Printf("client: %v", err)
		return
	}

	switch kind {
	case models.TypeCallAssigned:
		msg, err := models.Decode[models.CallAssigned](body)
		if err == nil {
			err = c.calls.HandleAssigned(msg)
		}
		c.logDropped(err)
	case models.TypeCallResponse:
		r, err := models.Decode[models.CallResponse](body)
		if err == nil {
			err = c.calls.HandleResponse(r)
		}
		c.logDropped(err)
	default:
		c.logger.Printf("client: unexpected %q on call-response", kind)
	}
}

func (c *Client) logDropped(err error) {
	var pe *call.ProtocolError
	switch {
	case err == nil:
	case errors.As(err, &pe):
		c.logger.Printf("client: dropping response: %v", pe)
	default:
		c.logger.Printf("client: %v", err)
	}
}

func (c *Client) onSibling(ev crosstab.Event) {
	var se call.SiblingEvent
	if err := json.Unmarshal(ev.Payload, &se); err != nil {
		c.logger.Printf("client: sibling event from %s: %v", ev.Origin, err)
		return
	}
	c.calls.HandleSibling(se)
}

func (c *Client) onSessionEvent(ev transport.Event) {
	if ev.Kind == transport.EventFailed {
		c.calls.TransportFailed(ev.Err)
	}
}

// siblings adapts the cross-tab coordinator to call.Siblings.
type siblings struct {
	tabs   *crosstab.Coordinator
	logger *log.Logger
}

func (s *siblings) Claim(callID string) bool {
	return s.tabs.Claim(context.Background(), "call:"+callID)
}

func (s *siblings) Announce(ev call.SiblingEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.tabs.Broadcast(ctx, siblingEventType, ev); err != nil {
		s.logger.Printf("client: announce %s %s: %v", ev.CallID, ev.Phase, err)
	}
}
