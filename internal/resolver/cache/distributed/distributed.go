// Package distributed is the shared cache tier: Redis-backed, medium TTL,
// visible to every node. Values are msgpack-encoded to keep payloads compact
// on the hot path.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/models"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/sentinel"
)

// KeyPrefix namespaces resolver entries inside the shared Redis.
const KeyPrefix = "resolver:contact:"

// wireEntry is the msgpack shape stored in Redis. Kept separate from the
// model so the wire format can evolve without touching callers.
type wireEntry struct {
	Kind        string    `msgpack:"k"`
	Value       string    `msgpack:"v"`
	CanonicalID string    `msgpack:"c"`
	Version     int64     `msgpack:"n"`
	CachedAt    time.Time `msgpack:"t"`
}

// Cache is the distributed tier.
type Cache struct {
	rdb goredis.UniversalClient
	ttl time.Duration
}

// New builds the distributed cache on an existing Redis client.
func New(rdb goredis.UniversalClient, ttl time.Duration) (*Cache, error) {
	if rdb == nil {
		return nil, errors.New("distributed cache: nil redis client")
	}
	if ttl <= 0 {
		return nil, errors.New("distributed cache: ttl is required")
	}
	return &Cache{rdb: rdb, ttl: ttl}, nil
}

// Get fetches and decodes the entry for key. Decode failures are treated as
// corruption: the key is dropped and reported as a miss so resolution heals
// through the slower tiers.
func (c *Cache) Get(ctx context.Context, key string) (*models.DistributedEntry, bool, error) {
	b, err := c.rdb.Get(ctx, KeyPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("distributed cache get: %w", errors.Join(sentinel.ErrUnavailable, err))
	}

	var w wireEntry
	if err := msgpack.Unmarshal(b, &w); err != nil {
		_ = c.rdb.Del(ctx, KeyPrefix+key).Err()
		return nil, false, nil
	}
	return &models.DistributedEntry{
		Key:         models.CacheKey{Kind: models.LookupKind(w.Kind), Value: w.Value},
		CanonicalID: w.CanonicalID,
		Version:     w.Version,
		CachedAt:    w.CachedAt,
	}, true, nil
}

// Set encodes and stores the entry under the configured TTL.
func (c *Cache) Set(ctx context.Context, entry *models.DistributedEntry) error {
	b, err := msgpack.Marshal(wireEntry{
		Kind:        string(entry.Key.Kind),
		Value:       entry.Key.Value,
		CanonicalID: entry.CanonicalID,
		Version:     entry.Version,
		CachedAt:    entry.CachedAt,
	})
	if err != nil {
		return fmt.Errorf("distributed cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, KeyPrefix+entry.Key.String(), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("distributed cache set: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	return nil
}

// Delete removes the entry for key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, KeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("distributed cache delete: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	return nil
}
