// Package transport owns the single persistent connection from one user
// session to the signaling server: dial, authenticated handshake, per-user
// topic subscriptions, application heartbeat and reconnect with backoff.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/call-signaling/internal/models"
)

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EventKind enumerates session lifecycle events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventReconnecting
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventFailed:
		return "failed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is delivered to OnEvent handlers. Failed means the session gave up
// reconnecting; Err says why.
type Event struct {
	Kind    EventKind
	Attempt int
	Delay   time.Duration
	Err     error
}

// Handler receives the raw body of a message delivered on a topic.
type Handler func(body []byte)

// Snapshot is a point-in-time copy of the session counters.
type Snapshot struct {
	UserID              string
	State               State
	ReconnectAttempt    int
	LastHeartbeatSentAt time.Time
	MissedHeartbeats    int
}

// Options configures a Session. Zero values fall back to the defaults below.
type Options struct {
	URL         string
	Role        string
	DisplayName string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	StaleAfter          time.Duration

	HandshakeTimeout time.Duration
	SendBuffer       int

	Dialer *websocket.Dialer
	Logger *log.Logger
}

const (
	defaultBaseDelay         = 2 * time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultMaxAttempts       = 10
	defaultHeartbeatInterval = 10 * time.Second
	defaultMaxMissed         = 3
	defaultStaleAfter        = 40 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultSendBuffer        = 64
)

func (o *Options) setDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.MaxMissedHeartbeats <= 0 {
		o.MaxMissedHeartbeats = defaultMaxMissed
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = defaultStaleAfter
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

type topicHandler struct {
	id int
	fn Handler
}

// Session is the authenticated channel of one identity. Create one per
// logged-in user; it is safe for concurrent use.
type Session struct {
	opts   Options
	logger *log.Logger

	mu            sync.Mutex
	state         State
	identity      string
	token         string
	conn          *wsConn
	gen           uint64
	dialGen       uint64
	attempt       int
	missed        int
	lastPingAt    time.Time
	stopReconnect context.CancelFunc

	handlersMu sync.RWMutex
	topics     map[string][]topicHandler
	nextID     int
	events     []func(Event)
}

// NewSession builds a disconnected Session.
func NewSession(opts Options) *Session {
	opts.setDefaults()
	return &Session{
		opts:   opts,
		logger: opts.Logger,
		topics: make(map[string][]topicHandler),
	}
}

// Connect dials the server and performs the handshake. It returns nil at once
// when already connected (or reconnecting) as identity, without a new socket.
func (s *Session) Connect(ctx context.Context, identity, token string) error {
	s.mu.Lock()
	switch s.state {
	case Connected, Reconnecting:
		current := s.identity
		s.mu.Unlock()
		if current != identity {
			return fmt.Errorf("transport: session belongs to %q", current)
		}
		return nil
	case Connecting:
		s.mu.Unlock()
		return ErrConnectInProgress
	}
	s.identity = identity
	s.token = token
	s.state = Connecting
	s.dialGen++
	dialGen := s.dialGen
	s.mu.Unlock()

	c, err := s.dial(ctx, identity, token)

	s.mu.Lock()
	// A Disconnect, possibly followed by another Connect, supersedes this dial.
	if s.state != Connecting || s.dialGen != dialGen {
		s.mu.Unlock()
		if c != nil {
			c.close(websocket.CloseNormalClosure)
		}
		return &ConnectError{Reason: "aborted", Err: errClosedDuringConnect}
	}
	if err != nil {
		s.state = Disconnected
		s.mu.Unlock()
		return err
	}
	s.install(c)
	s.mu.Unlock()

	s.logger.Printf("transport: connected as %s", identity)
	s.start(c)
	s.emit(Event{Kind: EventConnected})
	return nil
}

// Disconnect closes the socket with a clean close code, stops the heartbeat
// and any pending reconnect, and resets all counters. No reconnect follows.
func (s *Session) Disconnect() {
	s.mu.Lock()
	c := s.conn
	stop := s.stopReconnect
	wasActive := s.state != Disconnected
	s.conn = nil
	s.stopReconnect = nil
	s.state = Disconnected
	s.dialGen++
	s.attempt = 0
	s.missed = 0
	s.lastPingAt = time.Time{}
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if c != nil {
		if f, err := models.EncodeFrame(models.Frame{Command: models.CommandDisconnect}); err == nil {
			_ = c.writeNow(f)
		}
		c.close(websocket.CloseNormalClosure)
	}
	if wasActive {
		s.logger.Printf("transport: disconnected")
		s.emit(Event{Kind: EventDisconnected})
	}
}

// Send publishes body to destination. It never blocks; it returns
// ErrNotConnected when there is no live connection so callers can tell a
// dropped message from a queued one.
func (s *Session) Send(destination string, body any) error {
	s.mu.Lock()
	c := s.conn
	connected := s.state == Connected
	s.mu.Unlock()
	if !connected || c == nil {
		return ErrNotConnected
	}

	f, err := models.NewSend(destination, body)
	if err != nil {
		return err
	}
	return c.enqueue(f)
}

// Subscribe registers fn for a per-user topic. Handlers for one topic run in
// registration order on the read goroutine, so arrival order is preserved.
// The returned func removes the handler.
func (s *Session) Subscribe(topic string, fn Handler) func() {
	s.handlersMu.Lock()
	s.nextID++
	id := s.nextID
	_, known := s.topics[topic]
	s.topics[topic] = append(s.topics[topic], topicHandler{id: id, fn: fn})
	s.handlersMu.Unlock()

	if !known && !isUserTopic(topic) {
		s.mu.Lock()
		c, identity := s.conn, s.identity
		s.mu.Unlock()
		if c != nil {
			_ = c.enqueue(subscribeFrame(identity, topic))
		}
	}

	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		hs := s.topics[topic]
		for i, h := range hs {
			if h.id == id {
				s.topics[topic] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

// OnEvent registers fn for lifecycle events. Handlers run in registration
// order; a panicking handler is logged and does not stop the others.
func (s *Session) OnEvent(fn func(Event)) {
	s.handlersMu.Lock()
	s.events = append(s.events, fn)
	s.handlersMu.Unlock()
}

// IsConnected reports whether the session has a live, handshaken connection.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Connected
}

// Identity returns the identity given to the last Connect.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Snapshot returns the current counters.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		UserID:              s.identity,
		State:               s.state,
		ReconnectAttempt:    s.attempt,
		LastHeartbeatSentAt: s.lastPingAt,
		MissedHeartbeats:    s.missed,
	}
}

// dial opens the websocket and runs the CONNECT/CONNECTED handshake.
func (s *Session) dial(ctx context.Context, identity, token string) (*wsConn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-User-ID", identity)

	ws, resp, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &ConnectError{Reason: resp.Status, Err: ErrUnauthorized}
		}
		return nil, &ConnectError{Reason: "dial", Err: err}
	}

	connect := models.Frame{
		Command: models.CommandConnect,
		Headers: map[string]string{
			models.HeaderIdentity: identity,
			models.HeaderToken:    token,
		},
	}
	data, err := models.EncodeFrame(connect)
	if err != nil {
		ws.Close()
		return nil, &ConnectError{Reason: "handshake", Err: err}
	}

	deadline := time.Now().Add(s.opts.HandshakeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.Close()
		return nil, &ConnectError{Reason: "handshake", Err: err}
	}
	_ = ws.SetReadDeadline(deadline)
	_, reply, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, &ConnectError{Reason: "handshake", Err: err}
	}
	f, err := models.DecodeFrame(reply)
	if err != nil {
		ws.Close()
		return nil, &ConnectError{Reason: "handshake", Err: err}
	}
	switch f.Command {
	case models.CommandConnected:
	case models.CommandError:
		ws.Close()
		return nil, &ConnectError{Reason: f.Headers[models.HeaderMessage], Err: ErrUnauthorized}
	default:
		ws.Close()
		return nil, &ConnectError{Reason: "handshake", Err: fmt.Errorf("unexpected %s frame", f.Command)}
	}

	_ = ws.SetReadDeadline(time.Time{})
	_ = ws.SetWriteDeadline(time.Time{})
	return newWSConn(ws, s.opts.SendBuffer), nil
}

// install makes c the live connection. Caller holds s.mu.
func (s *Session) install(c *wsConn) {
	s.gen++
	c.gen = s.gen
	s.conn = c
	s.state = Connected
	s.attempt = 0
	s.missed = 0
	s.lastPingAt = time.Time{}
}

// start queues the topic subscriptions and the connect announcement, then
// runs the pumps and the heartbeat for c.
func (s *Session) start(c *wsConn) {
	s.mu.Lock()
	identity, token := s.identity, s.token
	s.mu.Unlock()

	for _, topic := range s.subscribedTopics() {
		_ = c.enqueue(subscribeFrame(identity, topic))
	}
	announce := models.ConnectRequest{
		Type:         models.TypeConnectRequest,
		Identity:     identity,
		SessionToken: token,
		Role:         s.opts.Role,
		DisplayName:  s.opts.DisplayName,
		Timestamp:    models.NowMillis(),
	}
	if f, err := models.NewSend(models.DestConnect, announce); err == nil {
		_ = c.enqueue(f)
	}

	go s.writePump(c)
	go s.readPump(c)
	go s.heartbeat(c)
}

func (s *Session) subscribedTopics() []string {
	topics := append([]string(nil), models.UserTopics...)
	s.handlersMu.RLock()
	for t := range s.topics {
		if !isUserTopic(t) {
			topics = append(topics, t)
		}
	}
	s.handlersMu.RUnlock()
	return topics
}

func isUserTopic(topic string) bool {
	for _, t := range models.UserTopics {
		if t == topic {
			return true
		}
	}
	return false
}

func subscribeFrame(identity, topic string) models.Frame {
	return models.Frame{Command: models.CommandSubscribe, Destination: models.UserTopic(identity, topic)}
}

func (s *Session) readPump(c *wsConn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
					s.logger.Printf("transport: read error: %v", err)
				}
			}
			s.lost(c, err)
			return
		}

		f, err := models.DecodeFrame(data)
		if err != nil {
			s.logger.Printf("transport: dropping frame: %v", err)
			continue
		}

		switch f.Command {
		case models.CommandMessage:
			_, topic, ok := models.SplitUserTopic(f.Destination)
			if !ok {
				s.logger.Printf("transport: message for unknown destination %q", f.Destination)
				continue
			}
			if topic == models.TopicPong {
				s.handlePong(c, f.Body)
			}
			s.dispatch(topic, f.Body)
		case models.CommandError:
			s.logger.Printf("transport: server error: %s", f.Headers[models.HeaderMessage])
		default:
			s.logger.Printf("transport: unexpected %s frame", f.Command)
		}
	}
}

func (s *Session) writePump(c *wsConn) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				s.lost(c, err)
				return
			}
		}
	}
}

func (s *Session) dispatch(topic string, body []byte) {
	s.handlersMu.RLock()
	hs := append([]topicHandler(nil), s.topics[topic]...)
	s.handlersMu.RUnlock()

	for _, h := range hs {
		s.safeCall(topic, func() { h.fn(body) })
	}
}

func (s *Session) emit(ev Event) {
	s.handlersMu.RLock()
	hs := slices.Clone(s.events)
	s.handlersMu.RUnlock()

	for _, fn := range hs {
		s.safeCall("event "+ev.Kind.String(), func() { fn(ev) })
	}
}

func (s *Session) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("transport: handler for %s panicked: %v", what, r)
		}
	}()
	fn()
}

// lost is the single entry point for losing a live connection, whether the
// socket closed under us or the heartbeat declared it dead. Only the first
// call for the current connection starts a reconnect; later calls, and calls
// for connections already replaced, are ignored.
func (s *Session) lost(c *wsConn, cause error) {
	s.mu.Lock()
	if s.conn != c || s.state != Connected {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = Reconnecting
	s.missed = 0
	ctx, cancel := context.WithCancel(context.Background())
	s.stopReconnect = cancel
	identity, token := s.identity, s.token
	s.mu.Unlock()

	s.logger.Printf("transport: connection lost: %v", cause)
	c.close(websocket.CloseGoingAway)
	go s.reconnect(ctx, identity, token)
}

// handlePong matches a pong by identity and resets the missed counter.
func (s *Session) handlePong(c *wsConn, body []byte) {
	p, err := models.Decode[models.Pong](body)
	if err != nil {
		s.logger.Printf("transport: %v", err)
		return
	}

	s.mu.Lock()
	if s.conn != c || p.Identity != s.identity {
		s.mu.Unlock()
		return
	}
	s.missed = 0
	s.mu.Unlock()

	if rtt := time.Since(models.FromMillis(p.Timestamp)); rtt > s.opts.StaleAfter {
		s.lost(c, fmt.Errorf("%w: %s", errHeartbeatStale, rtt.Round(time.Millisecond)))
	}
}

func (s *Session) heartbeat(c *wsConn) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.conn != c {
			s.mu.Unlock()
			return
		}
		if s.missed >= s.opts.MaxMissedHeartbeats {
			missed := s.missed
			s.mu.Unlock()
			s.lost(c, fmt.Errorf("%w: %d pings", errHeartbeatMissed, missed))
			return
		}
		s.missed++
		now := time.Now()
		s.lastPingAt = now
		identity := s.identity
		s.mu.Unlock()

		ping := models.Ping{Type: models.TypePing, Identity: identity, Timestamp: now.UnixMilli()}
		f, err := models.NewSend(models.DestPing, ping)
		if err != nil {
			continue
		}
		if err := c.enqueue(f); err != nil && !errors.Is(err, ErrNotConnected) {
			s.logger.Printf("transport: ping: %v", err)
		}
	}
}
