package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultIdempotencyTTL = 7 * 24 * time.Hour

// RedisIdempotencyStore is a Redis-backed IdempotencyStore for deployments
// where multiple coordinator instances may receive the same failure signal.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates a Redis-backed idempotency store. A zero
// ttl falls back to seven days, long past any saga's lifetime.
func NewRedisIdempotencyStore(client redis.UniversalClient, prefix string, ttl time.Duration) (*RedisIdempotencyStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "sagaflow:compensated"
	}
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}, nil
}

// Compensated reports whether the compensation already succeeded.
func (s *RedisIdempotencyStore) Compensated(ctx context.Context, sagaID string, forward StepName) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(sagaID, forward)).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return n > 0, nil
}

// MarkCompensated records a successful compensation.
func (s *RedisIdempotencyStore) MarkCompensated(ctx context.Context, sagaID string, forward StepName) error {
	if err := s.client.Set(ctx, s.key(sagaID, forward), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency mark: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) key(sagaID string, forward StepName) string {
	return s.prefix + ":" + idempotencyKey(sagaID, forward)
}
