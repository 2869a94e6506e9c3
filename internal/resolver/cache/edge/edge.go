// Package edge is the per-node cache tier: short TTL, best effort, never
// authoritative. Entries admitted here may be evicted at any time; a miss
// just pushes resolution one tier down.
package edge

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/models"
)

const entryCost = 1

// Config sizes the underlying ristretto cache.
type Config struct {
	NumCounters int64
	MaxEntries  int64
	BufferItems int64
	TTL         time.Duration
}

// DefaultConfig is sized for a node caching a few tens of thousands of
// contacts.
func DefaultConfig(ttl time.Duration) Config {
	return Config{
		NumCounters: 100_000,
		MaxEntries:  10_000,
		BufferItems: 64,
		TTL:         ttl,
	}
}

// Cache is the edge tier.
type Cache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

// New builds the edge cache.
func New(cfg Config) (*Cache, error) {
	if cfg.NumCounters <= 0 || cfg.MaxEntries <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("edge cache: invalid sizing")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("edge cache: ttl is required")
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxEntries,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c, ttl: cfg.TTL}, nil
}

// Get returns the cached entry, if present and unexpired.
func (e *Cache) Get(_ context.Context, key string) (*models.DistributedEntry, bool, error) {
	v, ok := e.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	entry, ok := v.(*models.DistributedEntry)
	if !ok || entry == nil {
		// Self-heal: drop an entry with an unexpected shape.
		e.c.Del(key)
		return nil, false, nil
	}
	return entry, true, nil
}

// Set admits the entry with the node-local TTL. Admission is best effort;
// ristretto may reject under pressure and that is fine for this tier.
func (e *Cache) Set(_ context.Context, entry *models.DistributedEntry) error {
	e.c.SetWithTTL(entry.Key.String(), entry, entryCost, e.ttl)
	return nil
}

// Delete drops the node-local entry.
func (e *Cache) Delete(_ context.Context, key string) error {
	e.c.Del(key)
	return nil
}

// Wait flushes pending admissions; used by tests that assert on Get after Set.
func (e *Cache) Wait() {
	e.c.Wait()
}

// Close releases the cache.
func (e *Cache) Close() {
	e.c.Close()
}
