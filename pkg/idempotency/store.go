package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a Redis SetNX based seen-set. It is a fast path only: the DB row
// state stays the source of truth for every idempotency decision.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// WebhookKey dedupes gateway webhook deliveries per provider reference.
func (s *Store) WebhookKey(provider, gatewayRef string) string {
	return fmt.Sprintf("idem:webhook:%s:%s", provider, gatewayRef)
}

func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Forget removes a key so a delivery can be retried after a processing error.
func (s *Store) Forget(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
