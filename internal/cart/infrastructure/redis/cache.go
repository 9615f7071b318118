package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pageturn/bookstore/internal/cart/domain"
	"github.com/pageturn/bookstore/internal/platform/redisx"
)

// SnapshotCache caches rendered cart snapshots per identity. Misses and
// marshal failures fall through to the database.
type SnapshotCache struct {
	rdb *goredis.Client
}

func NewSnapshotCache(rdb *goredis.Client) *SnapshotCache {
	return &SnapshotCache{rdb: rdb}
}

func key(identityKey string) string {
	return fmt.Sprintf(redisx.KeyCartSnapshot, identityKey)
}

func (c *SnapshotCache) Get(ctx context.Context, identityKey string) (*domain.Snapshot, error) {
	raw, err := c.rdb.Get(ctx, key(identityKey)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *SnapshotCache) Set(ctx context.Context, identityKey string, snap domain.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key(identityKey), raw, redisx.TTLCartSnapshot).Err()
}

func (c *SnapshotCache) Delete(ctx context.Context, identityKey string) error {
	return c.rdb.Del(ctx, key(identityKey)).Err()
}
