package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const presenceKey = "presence:online"

// Presence tracks which users have at least one open signaling connection.
type Presence struct {
	rdb *redis.Client
}

func NewPresence(rdb *redis.Client) *Presence {
	return &Presence{rdb: rdb}
}

// Online marks userID as reachable.
func (p *Presence) Online(ctx context.Context, userID string) error {
	return p.rdb.SAdd(ctx, presenceKey, userID).Err()
}

// Offline clears userID.
func (p *Presence) Offline(ctx context.Context, userID string) error {
	return p.rdb.SRem(ctx, presenceKey, userID).Err()
}

func (p *Presence) IsOnline(ctx context.Context, userID string) (bool, error) {
	return p.rdb.SIsMember(ctx, presenceKey, userID).Result()
}

// Users lists everyone currently online.
func (p *Presence) Users(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, presenceKey).Result()
}
