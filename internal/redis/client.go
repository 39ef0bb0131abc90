// Package redis opens the Redis connections shared by the dev relay and the
// cross-tab store.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/call-signaling/config"
	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

// Connect initializes a Redis client for cfg and checks it answers.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// Embedded starts an in-process Redis for local runs with no REDIS_HOST. The
// returned func closes the client and stops the server.
func Embedded() (*redis.Client, func(), error) {
	srv, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start embedded Redis: %w", err)
	}
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return client, func() {
		client.Close()
		srv.Close()
	}, nil
}

// Open connects to the configured Redis, or to an embedded one when none is
// configured.
func Open(ctx context.Context, cfg config.RedisConfig) (*redis.Client, func(), error) {
	if !cfg.Enabled() {
		return Embedded()
	}
	client, err := Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { client.Close() }, nil
}
