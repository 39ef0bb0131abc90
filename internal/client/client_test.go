package client

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/crosstab"
	"github.com/mossy-p/call-signaling/internal/handlers"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/transport"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "integration-secret"

var quiet = log.New(io.Discard, "", 0)

type env struct {
	url string
	rdb *redis.Client
}

// newEnv runs the dev relay in-process over miniredis.
func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	srv := httptest.NewServer(handlers.NewRouter(&config.Config{JWTSecret: secret}, rdb, quiet))
	t.Cleanup(srv.Close)
	return &env{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal", rdb: rdb}
}

func (e *env) config(t *testing.T, user string) *config.Config {
	t.Helper()
	tok, err := middleware.IssueToken(secret, user, time.Hour)
	require.NoError(t, err)
	return &config.Config{
		Client: config.ClientConfig{
			SignalURL:     e.url,
			UserID:        user,
			AuthToken:     tok,
			DisplayName:   strings.ToUpper(user[:1]) + user[1:],
			Role:          "patient",
			MediaLoopback: true,
		},
		Reconnect: config.ReconnectConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxAttempts: 3},
		Heartbeat: config.HeartbeatConfig{Interval: time.Hour},
		Call: config.CallConfig{
			RingTimeout:        10 * time.Second,
			AssignTimeout:      2 * time.Second,
			CrossTabClearAfter: 50 * time.Millisecond,
		},
	}
}

func (e *env) start(t *testing.T, cfg *config.Config, store crosstab.Store) *Client {
	t.Helper()
	c, err := New(Options{Config: cfg, Store: store, Logger: quiet})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return c
}

func (e *env) user(t *testing.T, user string) *Client {
	t.Helper()
	return e.start(t, e.config(t, user), nil)
}

func waitPhase(t *testing.T, c *Client, phase call.Phase) call.Attempt {
	t.Helper()
	require.Eventually(t, func() bool {
		a, ok := c.Current()
		return ok && a.Phase == phase
	}, 10*time.Second, 10*time.Millisecond, "%s never reached %s", c.Identity(), phase)
	a, _ := c.Current()
	return a
}

func TestNewRequiresIdentity(t *testing.T) {
	_, err := New(Options{Config: &config.Config{}})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRejectedCredentialsAreSurfaced(t *testing.T) {
	e := newEnv(t)
	cfg := e.config(t, "alice")
	cfg.Client.AuthToken = "not-a-token"

	c, err := New(Options{Config: cfg, Logger: quiet})
	require.NoError(t, err)
	err = c.Start(context.Background())

	var ce *transport.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Unauthorized())
}

func TestCallToOfflineUserIsRejected(t *testing.T) {
	e := newEnv(t)
	alice := e.user(t, "alice")

	_, err := alice.Place("nobody", "Nobody")
	require.NoError(t, err)

	a := waitPhase(t, alice, call.Rejected)
	assert.NotEmpty(t, a.CallID)
	assert.Equal(t, call.EndReason(handlers.ReasonUnavailable), a.EndReason)
}

func TestSecondCallerGetsBusy(t *testing.T) {
	e := newEnv(t)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")
	carol := e.user(t, "carol")

	_, err := alice.Place("bob", "Bob")
	require.NoError(t, err)
	ringing := waitPhase(t, bob, call.Ringing)

	_, err = carol.Place("bob", "Bob")
	require.NoError(t, err)
	rejected := waitPhase(t, carol, call.Rejected)
	assert.Equal(t, call.ReasonBusy, rejected.EndReason)

	still, _ := bob.Current()
	assert.Equal(t, ringing.CallID, still.CallID)
	assert.Equal(t, call.Ringing, still.Phase)

	_, err = bob.Reject()
	require.NoError(t, err)
	a := waitPhase(t, alice, call.Rejected)
	assert.Equal(t, call.ReasonDeclined, a.EndReason)
}

func TestCallerCancelStopsRinging(t *testing.T) {
	e := newEnv(t)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	_, err := alice.Place("bob", "Bob")
	require.NoError(t, err)
	waitPhase(t, bob, call.Ringing)

	require.NoError(t, alice.Hangup())
	waitPhase(t, alice, call.Ended)
	a := waitPhase(t, bob, call.Ended)
	assert.Equal(t, call.ReasonRemoteEnded, a.EndReason)
}

func TestAnsweredInOneTabMirrorsInTheOther(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates a real peer connection")
	}
	e := newEnv(t)
	alice := e.user(t, "alice")

	shared := crosstab.NewRedisStore(e.rdb, "bob")
	bobCfg := e.config(t, "bob")
	tab1 := e.start(t, bobCfg, shared)
	tab2 := e.start(t, bobCfg, shared)

	_, err := alice.Place("bob", "Bob")
	require.NoError(t, err)
	waitPhase(t, tab1, call.Ringing)
	waitPhase(t, tab2, call.Ringing)

	_, err = tab1.Accept()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, _ := tab2.Current()
		return a.Mirrored && (a.Phase == call.Connecting || a.Phase == call.Active)
	}, 5*time.Second, 10*time.Millisecond)

	_, err = tab2.Accept()
	assert.True(t, errors.Is(err, call.ErrHandledElsewhere) || errors.Is(err, call.ErrInvalidTransition), "got %v", err)

	waitPhase(t, alice, call.Active)
	waitPhase(t, tab1, call.Active)

	require.NoError(t, tab1.Hangup())
	waitPhase(t, alice, call.Ended)
	waitPhase(t, tab2, call.Ended)
}

func TestCallConnectsAndCarriesData(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates a real peer connection")
	}
	e := newEnv(t)
	alice := e.user(t, "alice")
	bob := e.user(t, "bob")

	received := make(chan string, 1)
	bob.OnData(func(_ string, data []byte) { received <- string(data) })

	placed, err := alice.Place("bob", "Bob")
	require.NoError(t, err)
	assert.Equal(t, call.Caller, placed.LocalRole)

	incoming := waitPhase(t, bob, call.Ringing)
	assert.Equal(t, "alice", incoming.PeerID)
	assert.Equal(t, "Alice", incoming.PeerDisplayName)

	_, err = bob.Accept()
	require.NoError(t, err)

	a := waitPhase(t, alice, call.Active)
	b := waitPhase(t, bob, call.Active)
	assert.Equal(t, a.CallID, b.CallID)

	require.Eventually(t, func() bool { return alice.SendData([]byte("hello")) == nil },
		5*time.Second, 20*time.Millisecond)
	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(5 * time.Second):
		t.Fatal("data never arrived")
	}

	require.NoError(t, bob.Hangup())
	ended := waitPhase(t, alice, call.Ended)
	assert.Equal(t, call.ReasonRemoteEnded, ended.EndReason)
	assert.Error(t, alice.SendData([]byte("late")))
}
