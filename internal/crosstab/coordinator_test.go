package crosstab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = log.New(io.Discard, "", 0)

type storeFactory func(t *testing.T) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { rdb.Close() })
			return NewRedisStore(rdb, "alice")
		},
	}
}

type inbox struct {
	mu     sync.Mutex
	events []Event
}

func (b *inbox) add(ev Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *inbox) first() Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[0]
}

func startTab(t *testing.T, store Store, id string) *Coordinator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := NewCoordinator(store, Options{TabID: id, ClearAfter: 20 * time.Millisecond, Logger: quiet})
	require.NoError(t, c.Start(ctx))
	return c
}

func TestBroadcastReachesSiblingsOnly(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			a := startTab(t, store, "tab-a")
			b := startTab(t, store, "tab-b")

			var gotA, gotB inbox
			a.Observe("incoming-call", gotA.add)
			b.Observe("incoming-call", gotB.add)
			b.Observe("call-ended", func(Event) { t.Error("wrong event type delivered") })

			require.NoError(t, a.Broadcast(context.Background(), "incoming-call", map[string]string{"callId": "xyz"}))

			require.Eventually(t, func() bool { return gotB.len() == 1 }, time.Second, 5*time.Millisecond)
			ev := gotB.first()
			assert.Equal(t, "tab-a", ev.Origin)
			assert.Equal(t, "incoming-call", ev.Type)
			assert.NotEmpty(t, ev.ID)
			var payload map[string]string
			require.NoError(t, json.Unmarshal(ev.Payload, &payload))
			assert.Equal(t, "xyz", payload["callId"])

			time.Sleep(30 * time.Millisecond)
			assert.Zero(t, gotA.len())
			assert.Equal(t, 1, gotB.len())
		})
	}
}

func TestClaimIsWonOnce(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			a := startTab(t, store, "tab-a")
			b := startTab(t, store, "tab-b")
			ctx := context.Background()

			assert.True(t, a.Claim(ctx, "call:xyz"))
			assert.False(t, b.Claim(ctx, "call:xyz"))
			assert.True(t, a.Claim(ctx, "call:xyz"))
			assert.True(t, b.Claim(ctx, "call:other"))
		})
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	store := NewMemoryStore()
	tabs := make([]*Coordinator, 8)
	for i := range tabs {
		tabs[i] = NewCoordinator(store, Options{Logger: quiet})
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, c := range tabs {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			if c.Claim(context.Background(), "call:xyz") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestBroadcastIsCleared(t *testing.T) {
	store := NewMemoryStore()
	a := startTab(t, store, "tab-a")

	require.NoError(t, a.Broadcast(context.Background(), "call", map[string]string{"callId": "xyz"}))
	_, ok := store.Get("event:call")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := store.Get("event:call")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestObserveCancel(t *testing.T) {
	store := NewMemoryStore()
	a := startTab(t, store, "tab-a")
	b := startTab(t, store, "tab-b")

	var got inbox
	cancel := b.Observe("call", got.add)
	cancel()

	require.NoError(t, a.Broadcast(context.Background(), "call", nil))
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, got.len())
}

func TestPanickingObserverIsIsolated(t *testing.T) {
	store := NewMemoryStore()
	a := startTab(t, store, "tab-a")
	b := startTab(t, store, "tab-b")

	var got inbox
	b.Observe("call", func(Event) { panic("boom") })
	b.Observe("call", got.add)

	require.NoError(t, a.Broadcast(context.Background(), "call", nil))
	require.NoError(t, a.Broadcast(context.Background(), "call", nil))
	require.Eventually(t, func() bool { return got.len() == 2 }, time.Second, 5*time.Millisecond)
}

type brokenStore struct{ MemoryStore }

func (brokenStore) Claim(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestClaimGrantedWhenStoreFails(t *testing.T) {
	c := NewCoordinator(&brokenStore{}, Options{Logger: quiet})
	assert.True(t, c.Claim(context.Background(), "call:xyz"))
}

func TestRedisStoreKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewRedisStore(rdb, "alice")
	ctx := context.Background()

	ok, err := store.Claim(ctx, "claim:call:xyz", "tab-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("crosstab:alice:claim:call:xyz"))

	mr.FastForward(2 * time.Minute)
	ok, err = store.Claim(ctx, "claim:call:xyz", "tab-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired claims can be taken over")

	require.NoError(t, store.Put(ctx, "event:call", []byte(`{}`), time.Second))
	assert.True(t, mr.Exists("crosstab:alice:event:call"))
	require.NoError(t, store.Delete(ctx, "event:call"))
	assert.False(t, mr.Exists("crosstab:alice:event:call"))
}
