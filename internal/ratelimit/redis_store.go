package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a ClusterStore backed directly by redis/go-redis/v9 INCR/EXPIRE,
// the same client the teacher wires directly in registry/service.go alongside
// Pulse. The kernel uses Redis directly rather than goa.design/pulse's
// replicated map (see DESIGN.md) because Pulse requires its own control
// plane; a plain INCR-with-EXPIRE is sufficient for cross-instance counter
// coordination.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing *redis.Client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Incr implements ClusterStore.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration, expiresAt time.Time) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
