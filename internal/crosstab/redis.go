package crosstab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store for tabs running as separate processes. Keys
// live under "crosstab:<userID>:" and changes go out on one pub/sub channel
// per user.
type RedisStore struct {
	rdb     *redis.Client
	prefix  string
	channel string
}

// NewRedisStore builds a Store for userID's tabs on rdb.
func NewRedisStore(rdb *redis.Client, userID string) *RedisStore {
	p := fmt.Sprintf("crosstab:%s", strings.TrimSpace(userID))
	return &RedisStore{
		rdb:     rdb,
		prefix:  p + ":",
		channel: p + ":events",
	}
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	_ = pipe.Set(ctx, s.prefix+key, value, ttl)
	_ = pipe.Publish(ctx, s.channel, value)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

func (s *RedisStore) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.prefix+key, owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	holder, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; try once more.
		return s.rdb.SetNX(ctx, s.prefix+key, owner, ttl).Result()
	}
	if err != nil {
		return false, err
	}
	return holder == owner, nil
}

// Watch subscribes to the user's change channel. The subscription is
// confirmed before Watch returns, so a Put that follows is never missed.
func (s *RedisStore) Watch(ctx context.Context) (<-chan []byte, error) {
	sub := s.rdb.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	out := make(chan []byte, watchBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
