package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// MarkNotified claims the single marked-present notification for a
// participant in a session. It returns true for the first caller and false
// ever after, so duplicate queue deliveries cannot re-notify.
func (r *Redis) MarkNotified(ctx context.Context, sessionID, participantID string, ttl time.Duration) (bool, error) {
	key := "rollcall:notified:" + sessionID + ":" + participantID
	return r.Client.SetNX(ctx, key, 1, ttl).Result()
}
