package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/client"
	"github.com/mossy-p/call-signaling/internal/crosstab"
	"github.com/mossy-p/call-signaling/internal/redis"
	"github.com/mossy-p/call-signaling/internal/transport"
)

func main() {
	cfg := config.Load()
	if !cfg.Client.Configured() {
		log.Fatal(client.ErrNotConfigured)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tabs of the same user share call state through Redis when it is configured
	var store crosstab.Store
	if cfg.Redis.Enabled() {
		rdb, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		store = crosstab.NewRedisStore(rdb, cfg.Client.UserID)
	}

	c, err := client.New(client.Options{Config: cfg, Store: store})
	if err != nil {
		log.Fatal(err)
	}

	c.OnConnection(func(ev transport.Event) {
		if ev.Err != nil {
			log.Printf("signaling %s: %v", ev.Kind, ev.Err)
			return
		}
		log.Printf("signaling %s", ev.Kind)
	})
	c.OnCallChange(func(a call.Attempt) {
		log.Printf("call %s with %s: %s %s", a.CallID, a.PeerID, a.Phase, a.EndReason)
		if a.Mirrored {
			return
		}
		switch {
		case a.Phase == call.Ringing && a.LocalRole == call.Callee && cfg.Client.AutoAnswer:
			go func() {
				if _, err := c.Accept(); err != nil {
					log.Printf("accept: %v", err)
				}
			}()
		case a.Phase == call.Active:
			go greet(c)
		}
	})
	c.OnData(func(callID string, data []byte) {
		log.Printf("call %s: received %q", callID, data)
	})

	if err := c.Start(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	log.Printf("Signed in as %s (tab %s)", c.Identity(), c.TabID())

	if target := cfg.Client.CallTarget; target != "" {
		if _, err := c.Place(target, ""); err != nil {
			log.Printf("place call to %s: %v", target, err)
		}
	}

	<-ctx.Done()
	c.Stop()
}

// greet sends one message once the data channel opens.
func greet(c *client.Client) {
	var err error
	for range 20 {
		if err = c.SendData([]byte("hello from " + c.Identity())); err == nil {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	log.Printf("send: %v", err)
}
