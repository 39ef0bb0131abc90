package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	store "github.com/mossy-p/call-signaling/internal/redis"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	handshakeWait  = 10 * time.Second
	storeTimeout   = 5 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 256

	// ReasonUnavailable rejects calls to users with no open connection.
	ReasonUnavailable = "unavailable"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one signaling connection. A user holds one per open tab.
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
}

// Broker routes signaling frames between the connections of all users: it
// assigns call ids, rings every tab of the callee, forwards call responses
// and relays negotiation envelopes between the two participants.
type Broker struct {
	secret   string
	calls    *CallRegistry
	presence *store.Presence
	logger   *log.Logger

	mu    sync.RWMutex
	users map[string]map[*Client]struct{}
}

func NewBroker(jwtSecret string, calls *CallRegistry, presence *store.Presence, logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.Default()
	}
	return &Broker{
		secret:   jwtSecret,
		calls:    calls,
		presence: presence,
		logger:   logger,
		users:    make(map[string]map[*Client]struct{}),
	}
}

// HandleSignaling upgrades an authenticated request and runs the
// CONNECT/CONNECTED handshake. Mount it behind middleware.JWTAuth.
func (b *Broker) HandleSignaling(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.logger.Printf("Failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
	}
	if err := b.handshake(client); err != nil {
		b.logger.Printf("Handshake with %s failed: %v", userID, err)
		conn.Close()
		return
	}

	// Registered before CONNECTED goes out, so the user is reachable as soon
	// as their client sees it.
	b.register(client)
	b.writeDirect(client, models.Frame{
		Command: models.CommandConnected,
		Headers: map[string]string{models.HeaderIdentity: userID},
	})

	go client.writePump(b.logger)
	go b.readPump(client)
}

// handshake expects CONNECT carrying a token for the authenticated user and
// answers ERROR when the token does not match.
func (b *Broker) handshake(c *Client) error {
	_ = c.Conn.SetReadDeadline(time.Now().Add(handshakeWait))
	_, data, err := c.Conn.ReadMessage()
	if err != nil {
		return err
	}
	f, err := models.DecodeFrame(data)
	if err != nil {
		return err
	}
	if f.Command != models.CommandConnect {
		return fmt.Errorf("expected CONNECT, got %s", f.Command)
	}

	claims, err := middleware.ParseToken(b.secret, f.Headers[models.HeaderToken])
	if err == nil && (claims.UserID != c.UserID || f.Headers[models.HeaderIdentity] != c.UserID) {
		err = middleware.ErrIdentityMismatch
	}
	if err != nil {
		b.writeDirect(c, models.Frame{
			Command: models.CommandError,
			Headers: map[string]string{models.HeaderMessage: "invalid token"},
		})
		return err
	}
	return nil
}

// writeDirect writes before the write pump runs.
func (b *Broker) writeDirect(c *Client, f models.Frame) {
	data, err := models.EncodeFrame(f)
	if err != nil {
		return
	}
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		b.logger.Printf("Failed to write %s to %s: %v", f.Command, c.UserID, err)
	}
}

func (b *Broker) register(c *Client) {
	b.mu.Lock()
	tabs, exists := b.users[c.UserID]
	if !exists {
		tabs = make(map[*Client]struct{})
		b.users[c.UserID] = tabs
	}
	tabs[c] = struct{}{}
	count := len(tabs)
	b.mu.Unlock()

	if !exists {
		ctx, cancel := storeContext()
		defer cancel()
		if err := b.presence.Online(ctx, c.UserID); err != nil {
			b.logger.Printf("Failed to mark %s online: %v", c.UserID, err)
		}
	}
	b.logger.Printf("User %s connected (%d open)", c.UserID, count)
}

func (b *Broker) unregister(c *Client) {
	b.mu.Lock()
	tabs := b.users[c.UserID]
	if _, ok := tabs[c]; !ok {
		b.mu.Unlock()
		return
	}
	delete(tabs, c)
	close(c.Send)
	last := len(tabs) == 0
	if last {
		delete(b.users, c.UserID)
	}
	b.mu.Unlock()

	if last {
		ctx, cancel := storeContext()
		defer cancel()
		if err := b.presence.Offline(ctx, c.UserID); err != nil {
			b.logger.Printf("Failed to mark %s offline: %v", c.UserID, err)
		}
	}
	b.logger.Printf("User %s disconnected", c.UserID)
}

// Online reports whether userID has an open connection to this broker.
func (b *Broker) Online(userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.users[userID]) > 0
}

// publish delivers body on userID's topic to every connection of the user
// except skip. User topics are routed from the handshake on; SUBSCRIBE only
// has to pass the ownership check.
func (b *Broker) publish(userID, topic string, body any, skip *Client) {
	data, err := messageFrame(userID, topic, body)
	if err != nil {
		b.logger.Printf("Failed to encode %s for %s: %v", topic, userID, err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.users[userID] {
		if c != skip {
			b.enqueue(c, data)
		}
	}
}

// reply delivers body on one connection's own topic.
func (b *Broker) reply(c *Client, topic string, body any) {
	data, err := messageFrame(c.UserID, topic, body)
	if err != nil {
		b.logger.Printf("Failed to encode %s for %s: %v", topic, c.UserID, err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.users[c.UserID][c]; ok {
		b.enqueue(c, data)
	}
}

// fail sends an ERROR frame to c.
func (b *Broker) fail(c *Client, msg string) {
	data, err := models.EncodeFrame(models.Frame{
		Command: models.CommandError,
		Headers: map[string]string{models.HeaderMessage: msg},
	})
	if err != nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.users[c.UserID][c]; ok {
		b.enqueue(c, data)
	}
}

// enqueue never blocks. Caller holds b.mu, which keeps c.Send open.
func (b *Broker) enqueue(c *Client, data []byte) {
	select {
	case c.Send <- data:
	default:
		b.logger.Printf("Failed to send message to %s, buffer full", c.UserID)
	}
}

func messageFrame(userID, topic string, body any) ([]byte, error) {
	f, err := models.NewMessage(models.UserTopic(userID, topic), body)
	if err != nil {
		return nil, err
	}
	return models.EncodeFrame(f)
}

func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func (b *Broker) readPump(c *Client) {
	defer func() {
		b.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				b.logger.Printf("WebSocket error: %v", err)
			}
			return
		}

		f, err := models.DecodeFrame(message)
		if err != nil {
			b.logger.Printf("Failed to parse frame from %s: %v", c.UserID, err)
			b.fail(c, "malformed frame")
			continue
		}

		switch f.Command {
		case models.CommandSubscribe:
			b.subscribe(c, f.Destination)
		case models.CommandSend:
			b.route(c, f)
		case models.CommandDisconnect:
			return
		default:
			b.fail(c, fmt.Sprintf("unexpected %s frame", f.Command))
		}
	}
}

// subscribe allows a connection onto its own user's topics only.
func (b *Broker) subscribe(c *Client, destination string) {
	identity, _, ok := models.SplitUserTopic(destination)
	if !ok || identity != c.UserID {
		b.fail(c, "forbidden destination "+destination)
	}
}

func (b *Broker) route(c *Client, f models.Frame) {
	var err error
	switch f.Destination {
	case models.DestConnect:
		err = b.announce(c, f.Body)
	case models.DestPing:
		err = b.ping(c, f.Body)
	case models.DestCallInitiate:
		err = b.initiate(c, f.Body)
	case models.DestCallRespond:
		err = b.respond(c, f.Body)
	case models.DestNegotiation:
		err = b.negotiate(c, f.Body)
	default:
		err = fmt.Errorf("unknown destination %s", f.Destination)
	}
	if err != nil {
		b.logger.Printf("Dropping %s from %s: %v", f.Destination, c.UserID, err)
		b.fail(c, err.Error())
	}
}

func (b *Broker) announce(c *Client, body []byte) error {
	req, err := models.Decode[models.ConnectRequest](body)
	if err != nil {
		return err
	}
	b.logger.Printf("User %s announced as %q (%s)", c.UserID, req.DisplayName, req.Role)
	return nil
}

// ping answers on the sending connection only, echoing the ping timestamp.
func (b *Broker) ping(c *Client, body []byte) error {
	p, err := models.Decode[models.Ping](body)
	if err != nil {
		return err
	}
	b.reply(c, models.TopicPong, models.Pong{
		Type:      models.TypePong,
		Identity:  c.UserID,
		Timestamp: p.Timestamp,
	})
	return nil
}

func (b *Broker) initiate(c *Client, body []byte) error {
	msg, err := models.Decode[models.CallInitiate](body)
	if err != nil {
		return err
	}

	rec := models.CallRecord{
		ID:         uuid.NewString(),
		CallerID:   c.UserID,
		CallerName: msg.CallerName,
		TargetID:   msg.TargetID,
		Status:     CallRinging,
		CreatedAt:  time.Now(),
	}
	ctx, cancel := storeContext()
	defer cancel()
	if err := b.calls.Create(ctx, rec); err != nil {
		return err
	}

	b.reply(c, models.TopicCallResponse, models.CallAssigned{
		Type:      models.TypeCallAssigned,
		CallID:    rec.ID,
		TargetID:  rec.TargetID,
		Timestamp: models.NowMillis(),
	})
	b.logger.Printf("Call %s: %s -> %s", rec.ID, rec.CallerID, rec.TargetID)

	if rec.TargetID == rec.CallerID || !b.Online(rec.TargetID) {
		if _, err := b.calls.Settle(ctx, rec.ID, models.StatusRejected); err != nil {
			b.logger.Printf("Call %s: %v", rec.ID, err)
		}
		b.publish(c.UserID, models.TopicCallResponse, models.CallResponse{
			Type:   models.TypeCallResponse,
			CallID: rec.ID,
			Status: models.StatusRejected,
			Reason: ReasonUnavailable,
		}, nil)
		return nil
	}

	b.publish(rec.TargetID, models.TopicIncomingCall, models.IncomingCallNotification{
		Type:       models.TypeIncomingCall,
		CallID:     rec.ID,
		CallerID:   rec.CallerID,
		CallerName: rec.CallerName,
		CallerType: msg.CallerRole,
		Timestamp:  models.NowMillis(),
	}, nil)
	return nil
}

// respond forwards a participant's response to the other participant and
// to the responder's other tabs. A response the call can no longer take,
// such as a second accept from another tab, is dropped.
func (b *Broker) respond(c *Client, body []byte) error {
	r, err := models.Decode[models.CallResponse](body)
	if err != nil {
		return err
	}

	ctx, cancel := storeContext()
	defer cancel()
	rec, err := b.calls.Get(ctx, r.CallID)
	if err != nil {
		return err
	}
	if !rec.Has(c.UserID) {
		return fmt.Errorf("%s is not part of call %s", c.UserID, r.CallID)
	}
	if _, err := b.calls.Settle(ctx, r.CallID, r.Status); err != nil {
		if errors.Is(err, ErrCallSettled) {
			b.logger.Printf("Call %s: ignoring %s from %s: %v", r.CallID, r.Status, c.UserID, err)
			return nil
		}
		return err
	}

	b.logger.Printf("Call %s: %s by %s", r.CallID, r.Status, c.UserID)
	b.publish(rec.Other(c.UserID), models.TopicCallResponse, r, nil)
	b.publish(c.UserID, models.TopicCallResponse, r, c)
	return nil
}

// negotiate relays an envelope to the other participant, stamping the sender.
func (b *Broker) negotiate(c *Client, body []byte) error {
	env, err := models.Decode[models.NegotiationEnvelope](body)
	if err != nil {
		return err
	}

	ctx, cancel := storeContext()
	defer cancel()
	rec, err := b.calls.Get(ctx, env.CallID)
	if err != nil {
		return err
	}
	if !rec.Has(c.UserID) {
		return fmt.Errorf("%s is not part of call %s", c.UserID, env.CallID)
	}

	env.FromID = c.UserID
	env.ToID = rec.Other(c.UserID)
	b.publish(env.ToID, models.TopicNegotiation, env, nil)
	return nil
}

func (c *Client) writePump(logger *log.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
