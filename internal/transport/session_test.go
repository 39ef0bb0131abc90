package transport

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeServer speaks just enough of the signaling protocol to drive a Session.
type fakeServer struct {
	srv *httptest.Server

	mu         sync.Mutex
	conns      []*websocket.Conn
	frames     []models.Frame
	pings      int
	closeCodes []int
	dropPongs  bool
	refuse     bool
	badToken   string
	rttSkew    time.Duration

	// hold, when set, stalls the next handshake until it is closed; held is
	// closed once that handshake arrives.
	hold chan struct{}
	held chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(func() {
		f.mu.Lock()
		for _, c := range f.conns {
			c.Close()
		}
		f.mu.Unlock()
		f.srv.Close()
	})
	return f
}

func (f *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/signal"
}

func (f *fakeServer) set(fn func(f *fakeServer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeServer) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeServer) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeServer) lastConn() *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

func (f *fakeServer) received() []models.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Frame(nil), f.frames...)
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	refuse := f.refuse
	f.mu.Unlock()
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if r.Header.Get("X-User-ID") == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return
	}
	hello, err := models.DecodeFrame(data)
	if err != nil || hello.Command != models.CommandConnect {
		ws.Close()
		return
	}
	identity := hello.Headers[models.HeaderIdentity]

	f.mu.Lock()
	hold, held := f.hold, f.held
	f.hold, f.held = nil, nil
	f.mu.Unlock()
	if hold != nil {
		close(held)
		<-hold
	}

	f.mu.Lock()
	bad := f.badToken != "" && hello.Headers[models.HeaderToken] == f.badToken
	f.mu.Unlock()
	if bad {
		reply, _ := models.EncodeFrame(models.Frame{
			Command: models.CommandError,
			Headers: map[string]string{models.HeaderMessage: "invalid token"},
		})
		_ = ws.WriteMessage(websocket.TextMessage, reply)
		ws.Close()
		return
	}

	f.mu.Lock()
	f.conns = append(f.conns, ws)
	f.mu.Unlock()
	reply, _ := models.EncodeFrame(models.Frame{Command: models.CommandConnected})
	if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
		ws.Close()
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				f.mu.Lock()
				f.closeCodes = append(f.closeCodes, ce.Code)
				f.mu.Unlock()
			}
			return
		}
		frame, err := models.DecodeFrame(data)
		if err != nil {
			continue
		}
		f.mu.Lock()
		f.frames = append(f.frames, frame)
		drop, skew := f.dropPongs, f.rttSkew
		if frame.Destination == models.DestPing {
			f.pings++
		}
		f.mu.Unlock()

		if frame.Destination == models.DestPing && !drop {
			ping, err := models.Decode[models.Ping](frame.Body)
			if err != nil {
				continue
			}
			pong := models.Pong{Type: models.TypePong, Identity: ping.Identity, Timestamp: ping.Timestamp - skew.Milliseconds()}
			msg, _ := models.NewMessage(models.UserTopic(identity, models.TopicPong), pong)
			out, _ := models.EncodeFrame(msg)
			_ = ws.WriteMessage(websocket.TextMessage, out)
		}
	}
}

func (f *fakeServer) push(t *testing.T, raw []byte) {
	t.Helper()
	require.NoError(t, f.lastConn().WriteMessage(websocket.TextMessage, raw))
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (l *eventLog) of(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testOptions(url string) Options {
	return Options{
		URL:               url,
		BaseDelay:         5 * time.Millisecond,
		MaxDelay:          20 * time.Millisecond,
		MaxAttempts:       4,
		HeartbeatInterval: time.Hour,
		HandshakeTimeout:  time.Second,
		Logger:            log.New(io.Discard, "", 0),
	}
}

func newTestSession(t *testing.T, opts Options) (*Session, *eventLog) {
	t.Helper()
	s := NewSession(opts)
	events := &eventLog{}
	s.OnEvent(events.record)
	t.Cleanup(s.Disconnect)
	return s, events
}

func TestConnectHandshakeSubscribesAndAnnounces(t *testing.T) {
	srv := newFakeServer(t)
	s, events := newTestSession(t, testOptions(srv.url()))

	require.NoError(t, s.Connect(context.Background(), "alice", "token"))
	assert.True(t, s.IsConnected())
	assert.Equal(t, []EventKind{EventConnected}, events.kinds())

	require.Eventually(t, func() bool { return len(srv.received()) >= 5 }, time.Second, 5*time.Millisecond)
	frames := srv.received()
	var subs []string
	for _, f := range frames[:4] {
		assert.Equal(t, models.CommandSubscribe, f.Command)
		subs = append(subs, f.Destination)
	}
	assert.ElementsMatch(t, []string{
		"/user/alice/queue/incoming-call",
		"/user/alice/queue/pong",
		"/user/alice/queue/call-response",
		"/user/alice/queue/negotiation",
	}, subs)

	assert.Equal(t, models.DestConnect, frames[4].Destination)
	announce, err := models.Decode[models.ConnectRequest](frames[4].Body)
	require.NoError(t, err)
	assert.Equal(t, "alice", announce.Identity)
	assert.Equal(t, "token", announce.SessionToken)
}

func TestConnectIsIdempotent(t *testing.T) {
	srv := newFakeServer(t)
	s, _ := newTestSession(t, testOptions(srv.url()))

	require.NoError(t, s.Connect(context.Background(), "alice", "token"))
	require.NoError(t, s.Connect(context.Background(), "alice", "token"))
	assert.Equal(t, 1, srv.connCount())

	err := s.Connect(context.Background(), "bob", "token")
	assert.Error(t, err)
}

func TestConnectSupersededDuringDialIsDiscarded(t *testing.T) {
	srv := newFakeServer(t)
	hold, held := make(chan struct{}), make(chan struct{})
	srv.set(func(f *fakeServer) { f.hold, f.held = hold, held })
	s, events := newTestSession(t, testOptions(srv.url()))

	first := make(chan error, 1)
	go func() { first <- s.Connect(context.Background(), "alice", "token") }()
	<-held

	s.Disconnect()
	require.NoError(t, s.Connect(context.Background(), "alice", "token"))
	close(hold)

	var ce *ConnectError
	require.ErrorAs(t, <-first, &ce)
	assert.Equal(t, "aborted", ce.Reason)
	assert.True(t, s.IsConnected())
	assert.Len(t, events.of(EventConnected), 1)

	// The stale socket is closed and the live one keeps working.
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.closeCodes) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Send(models.DestPing, models.Ping{Type: models.TypePing, Identity: "alice", Timestamp: 1}))
	require.Eventually(t, func() bool { return srv.pingCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestConnectRejectedCredentials(t *testing.T) {
	srv := newFakeServer(t)
	srv.set(func(f *fakeServer) { f.badToken = "expired" })
	s, events := newTestSession(t, testOptions(srv.url()))

	err := s.Connect(context.Background(), "alice", "expired")
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Unauthorized())
	assert.Equal(t, "invalid token", ce.Reason)
	assert.False(t, s.IsConnected())
	assert.Equal(t, Disconnected, s.Snapshot().State)
	assert.Empty(t, events.kinds())
}

func TestConnectRejectedUpgrade(t *testing.T) {
	srv := newFakeServer(t)
	s, _ := newTestSession(t, testOptions(srv.url()))

	err := s.Connect(context.Background(), "", "token")
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Unauthorized())
}

func TestSendRequiresConnection(t *testing.T) {
	srv := newFakeServer(t)
	s, _ := newTestSession(t, testOptions(srv.url()))

	err := s.Send(models.DestPing, models.Ping{Type: models.TypePing, Identity: "alice"})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, s.Connect(context.Background(), "alice", "token"))
	require.NoError(t, s.Send(models.DestCallInitiate, models.CallInitiate{
		Type: models.TypeCallInitiate, CallerID: "alice", TargetID: "42",
	}))
	require.Eventually(t, func() bool {
		for _, f := range srv.received() {
			if f.Destination == models.DestCallInitiate {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	s.Disconnect()
	assert.ErrorIs(t, s.Send(models.DestPing, models.Ping{}), ErrNotConnected)
}

func TestDispatchIsolatesPanicsAndBadFrames(t *testing.T) {
	srv := newFakeServer(t)
	s, _ := newTestSession(t, testOptions(srv.url()))

	got := make(chan string, 4)
	s.Subscribe(models.TopicIncomingCall, func([]byte) { panic("boom") })
	s.Subscribe(models.TopicIncomingCall, func(body []byte) {
		n, err := models.Decode[models.IncomingCallNotification](body)
		if err == nil {
			got <- n.CallID
		}
	})
	require.NoError(t, s.Connect(context.Background(), "alice", "token"))

	srv.push(t, []byte("{not json"))
	msg, err := models.NewMessage(models.UserTopic("alice", models.TopicIncomingCall), models.IncomingCallNotification{
		Type: models.TypeIncomingCall, CallID: "xyz", CallerID: "bob",
	})
	require.NoError(t, err)
	raw, _ := models.EncodeFrame(msg)
	srv.push(t, raw)

	select {
	case id := <-got:
		assert.Equal(t, "xyz", id)
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	assert.True(t, s.IsConnected())
	assert.Equal(t, 1, srv.connCount())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	srv := newFakeServer(t)
	s, _ := newTestSession(t, testOptions(srv.url()))

	var mu sync.Mutex
	calls := 0
	cancel := s.Subscribe(models.TopicCallResponse, func([]byte) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	cancel()
	require.NoError(t, s.Connect(context.Background(), "alice", "token"))

	msg, _ := models.NewMessage(models.UserTopic("alice", models.TopicCallResponse), models.CallResponse{
		Type: models.TypeCallResponse, CallID: "abc", Status: models.StatusAccepted,
	})
	raw, _ := models.EncodeFrame(msg)
	srv.push(t, raw)
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestReconnectAfterUncleanClose(t *testing.T) {
	srv := newFakeServer(t)
	s, events := newTestSession(t, testOptions(srv.url()))
	require.NoError(t, s.Connect(context.Background(), "alice", "token"))

	srv.lastConn().UnderlyingConn().Close()

	require.Eventually(t, func() bool { return srv.connCount() == 2 && s.IsConnected() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventKind{EventConnected, EventReconnecting, EventConnected}, events.kinds())
	assert.Equal(t, 1, events.of(EventReconnecting)[0].Attempt)
	assert.Zero(t, s.Snapshot().ReconnectAttempt)
}

func TestReconnectAttemptsIncreaseUntilExhausted(t *testing.T) {
	srv := newFakeServer(t)
	s, events := newTestSession(t, testOptions(srv.url()))
	require.NoError(t, s.Connect(context.Background(), "alice", "token"))

	srv.set(func(f *fakeServer) { f.refuse = true })
	srv.lastConn().UnderlyingConn().Close()

	require.Eventually(t, func() bool { return len(events.of(EventFailed)) == 1 }, 2*time.Second, 5*time.Millisecond)

	var attempts []int
	for _, ev := range events.of(EventReconnecting) {
		attempts = append(attempts, ev.Attempt)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, attempts)
	failed := events.of(EventFailed)[0]
	assert.ErrorIs(t, failed.Err, ErrReconnectExhausted)
	assert.Equal(t, 4, failed.Attempt)
	assert.Equal(t, Disconnected, s.Snapshot().State)

	// A fresh Connect starts over from zero.
	srv.set(func(f *fakeServer) { f.refuse = false })
	require.NoError(t, s.Connect(context.Background(), "alice", "token"))
	assert.Zero(t, s.Snapshot().ReconnectAttempt)
}

func TestReconnectStopsOnRejectedCredentials(t *testing.T) {
	srv := newFakeServer(t)
	s, events := newTestSession(t, testOptions(srv.url()))
	require.NoError(t, s.Connect(context.Background(), "alice", "token"))

	srv.set(func(f *fakeServer) { f.badToken = "token" })
	srv.lastConn().UnderlyingConn().Close()

	require.Eventually(t, func() bool { return len(events.of(EventFailed)) == 1 }, 2*time.Second, 5*time.Millisecond)
	var ce *ConnectError
	require.ErrorAs(t, events.of(EventFailed)[0].Err, &ce)
	assert.True(t, ce.Unauthorized())
	assert.Len(t, events.of(EventReconnecting), 1)
}

func TestHeartbeatForcesReconnectWhenPongsStop(t *testing.T) {
	srv := newFakeServer(t)
	srv.set(func(f *fakeServer) { f.dropPongs = true })
	opts := testOptions(srv.url())
	opts.HeartbeatInterval = 10 * time.Millisecond
	s, events := newTestSession(t, opts)
	require.NoError(t, s.Connect(context.Background(), "alice", "token"))

	require.Eventually(t, func() bool { return srv.connCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, srv.pingCount(), 3)
	assert.Equal(t, EventReconnecting, events.kinds()[1])
}

func TestPongsKeepConnectionAlive(t *testing.T) {
	srv := newFakeServer(t)
	opts := testOptions(srv.url())
	opts.HeartbeatInterval = 10 * time.Millisecond
	s, _ := newTestSession(t, opts)
	require.NoError(t, s.Connect(context.Background(), "alice", "token"))

	require.Eventually(t, func() bool { return srv.pingCount() >= 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, srv.connCount())
	snap := s.Snapshot()
	assert.LessOrEqual(t, snap.MissedHeartbeats, 1)
	assert.False(t, snap.LastHeartbeatSentAt.IsZero())
}

func TestSlowPongForcesReconnect(t *testing.T) {
	srv := newFakeServer(t)
	srv.set(func(f *fakeServer) { f.rttSkew = time.Minute })
	opts := testOptions(srv.url())
	opts.HeartbeatInterval = 10 * time.Millisecond
	opts.StaleAfter = 40 * time.Second
	s, _ := newTestSession(t, opts)
	require.NoError(t, s.Connect(context.Background(), "alice", "token"))

	require.Eventually(t, func() bool { return srv.connCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestDisconnectIsCleanAndTerminal(t *testing.T) {
	srv := newFakeServer(t)
	s, events := newTestSession(t, testOptions(srv.url()))
	require.NoError(t, s.Connect(context.Background(), "alice", "token"))

	s.Disconnect()
	assert.False(t, s.IsConnected())
	assert.Equal(t, Snapshot{UserID: "alice", State: Disconnected}, s.Snapshot())

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.closeCodes) == 1
	}, time.Second, 5*time.Millisecond)
	srv.mu.Lock()
	assert.Equal(t, websocket.CloseNormalClosure, srv.closeCodes[0])
	srv.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.connCount())
	assert.Equal(t, []EventKind{EventConnected, EventDisconnected}, events.kinds())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	srv := newFakeServer(t)
	opts := testOptions(srv.url())
	opts.BaseDelay = 200 * time.Millisecond
	opts.MaxDelay = time.Second
	s, events := newTestSession(t, opts)
	require.NoError(t, s.Connect(context.Background(), "alice", "token"))

	srv.lastConn().UnderlyingConn().Close()
	require.Eventually(t, func() bool { return len(events.of(EventReconnecting)) == 1 }, time.Second, 5*time.Millisecond)

	s.Disconnect()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, srv.connCount())
	assert.Equal(t, Disconnected, s.Snapshot().State)
}

func TestBackoffSchedule(t *testing.T) {
	b := newBackoff(2*time.Second, 30*time.Second, 7)
	var got []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			break
		}
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)
}
