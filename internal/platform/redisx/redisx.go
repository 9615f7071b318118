package redisx

import (
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Cart snapshot cache: cart:snapshot:{cart_id} -> JSON snapshot.
	KeyCartSnapshot = "cart:snapshot:%s"
)

var (
	TTLCartSnapshot = 5 * time.Minute
	TTLWebhookDedup = 48 * time.Hour
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}
