// Package crosstab keeps the tabs (processes) of one signed-in user in step:
// short-lived broadcast events with self-origin filtering, and first-wins
// claims so only one tab acts on a given call.
package crosstab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one broadcast as seen by sibling tabs.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	Origin    string          `json:"originTabId"`
	Timestamp int64           `json:"timestamp"`
}

// Options configures a Coordinator.
type Options struct {
	// TabID identifies this tab. Defaults to a random UUID.
	TabID string
	// ClearAfter is how long a broadcast stays in the store.
	ClearAfter time.Duration
	// ClaimTTL bounds how long a claim outlives its call.
	ClaimTTL time.Duration
	// OpTimeout bounds each store call made on behalf of Claim and clears.
	OpTimeout time.Duration
	Logger    *log.Logger
}

const (
	defaultClearAfter = time.Second
	defaultClaimTTL   = 10 * time.Minute
	defaultOpTimeout  = 2 * time.Second
)

type observer struct {
	id int
	fn func(Event)
}

// Coordinator broadcasts and observes events among the tabs sharing a Store.
type Coordinator struct {
	store  Store
	opts   Options
	logger *log.Logger

	mu        sync.RWMutex
	observers map[string][]observer
	nextID    int
}

func NewCoordinator(store Store, opts Options) *Coordinator {
	if opts.TabID == "" {
		opts.TabID = uuid.NewString()
	}
	if opts.ClearAfter <= 0 {
		opts.ClearAfter = defaultClearAfter
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = defaultClaimTTL
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Coordinator{
		store:     store,
		opts:      opts,
		logger:    opts.Logger,
		observers: make(map[string][]observer),
	}
}

// TabID returns this tab's id.
func (c *Coordinator) TabID() string { return c.opts.TabID }

// Start watches the store until ctx is done. Observers are called one event
// at a time, in the order the store delivered them.
func (c *Coordinator) Start(ctx context.Context) error {
	ch, err := c.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("crosstab: watch: %w", err)
	}
	go func() {
		for data := range ch {
			c.deliver(data)
		}
	}()
	return nil
}

// Broadcast publishes an event to sibling tabs and removes it from the store
// after ClearAfter.
func (c *Coordinator) Broadcast(ctx context.Context, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("crosstab: encode %s: %w", eventType, err)
	}
	data, err := json.Marshal(Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   raw,
		Origin:    c.opts.TabID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("crosstab: encode %s: %w", eventType, err)
	}

	key := "event:" + eventType
	if err := c.store.Put(ctx, key, data, 2*c.opts.ClearAfter); err != nil {
		return fmt.Errorf("crosstab: put %s: %w", eventType, err)
	}
	time.AfterFunc(c.opts.ClearAfter, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.OpTimeout)
		defer cancel()
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Printf("crosstab: clear %s: %v", key, err)
		}
	})
	return nil
}

// Observe registers fn for events of eventType sent by other tabs. The
// returned func removes it.
func (c *Coordinator) Observe(eventType string, fn func(Event)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.observers[eventType] = append(c.observers[eventType], observer{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		obs := c.observers[eventType]
		for i, o := range obs {
			if o.id == id {
				c.observers[eventType] = append(obs[:i:i], obs[i+1:]...)
				return
			}
		}
	}
}

// Claim reports whether this tab may act on name. The first tab to claim
// wins and keeps winning; every other tab loses. If the store is unreachable
// the claim is granted, since a lone tab must still be able to answer.
func (c *Coordinator) Claim(ctx context.Context, name string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()

	ok, err := c.store.Claim(ctx, "claim:"+name, c.opts.TabID, c.opts.ClaimTTL)
	if err != nil {
		c.logger.Printf("crosstab: claim %s: %v", name, err)
		return true
	}
	return ok
}

func (c *Coordinator) deliver(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Printf("crosstab: dropping event: %v", err)
		return
	}
	if ev.Origin == c.opts.TabID {
		return
	}

	c.mu.RLock()
	obs := append([]observer(nil), c.observers[ev.Type]...)
	c.mu.RUnlock()

	for _, o := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Printf("crosstab: observer for %s panicked: %v", ev.Type, r)
				}
			}()
			o.fn(ev)
		}()
	}
}
