package record

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/models"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/sentinel"
)

// InMemoryRecordStore implements the authoritative store with a mutex-guarded
// map. Used by unit tests and by deployments without Postgres configured;
// the mutex serializes per-key writes, so the concurrency contract holds
// trivially.
type InMemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*models.CacheRecord
	now     func() time.Time
}

// NewInMemory creates an empty in-memory record store.
func NewInMemory() *InMemoryRecordStore {
	return &InMemoryRecordStore{
		records: make(map[string]*models.CacheRecord),
		now:     time.Now,
	}
}

// SetClock overrides the store's clock; tests use it to age records.
func (s *InMemoryRecordStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *InMemoryRecordStore) Get(_ context.Context, key models.CacheKey) (*models.CacheRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(rec), nil
}

func (s *InMemoryRecordStore) Upsert(_ context.Context, key models.CacheKey, canonicalID, entityID string, source models.RecordSource) (*models.CacheRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[key.String()]
	if !ok {
		rec = &models.CacheRecord{
			Key:            key,
			CanonicalID:    canonicalID,
			EntityID:       entityID,
			Version:        1,
			Source:         source,
			CachedAt:       now,
			LastVerifiedAt: now,
			HitCount:       1,
		}
		s.records[key.String()] = rec
		return clone(rec), nil
	}

	if rec.CanonicalID == canonicalID {
		rec.HitCount++
	} else {
		rec.CanonicalID = canonicalID
		rec.Version++
		rec.HitCount++
	}
	if entityID != "" {
		rec.EntityID = entityID
	}
	rec.Source = source
	rec.LastVerifiedAt = now
	rec.InvalidatedAt = nil
	return clone(rec), nil
}

func (s *InMemoryRecordStore) Touch(_ context.Context, key models.CacheKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return sentinel.ErrNotFound
	}
	rec.HitCount++
	rec.LastVerifiedAt = s.now()
	return nil
}

func (s *InMemoryRecordStore) Invalidate(_ context.Context, key models.CacheKey, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return sentinel.ErrNotFound
	}
	now := s.now()
	rec.InvalidatedAt = &now
	rec.ReplicatedVersion = 0
	rec.ReplicatedAt = nil
	return nil
}

func (s *InMemoryRecordStore) FindByCanonicalID(_ context.Context, canonicalID string) (*models.CacheRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var freshest *models.CacheRecord
	for _, rec := range s.records {
		if rec.CanonicalID != canonicalID {
			continue
		}
		if freshest == nil || rec.LastVerifiedAt.After(freshest.LastVerifiedAt) {
			freshest = rec
		}
	}
	if freshest == nil {
		return nil, sentinel.ErrNotFound
	}
	return clone(freshest), nil
}

func (s *InMemoryRecordStore) ListReplicationCandidates(_ context.Context, limit int, maxAge time.Duration) ([]*models.CacheRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-maxAge)
	var out []*models.CacheRecord
	for _, rec := range s.records {
		if rec.Invalidated() {
			continue
		}
		if mirrorStale(rec, cutoff) {
			out = append(out, clone(rec))
		}
	}
	// Oldest mirrors first so the most out-of-date rows propagate earliest;
	// key order breaks ties deterministically.
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].ReplicatedAt, out[j].ReplicatedAt
		switch {
		case ri == nil && rj != nil:
			return true
		case ri != nil && rj == nil:
			return false
		case ri != nil && rj != nil && !ri.Equal(*rj):
			return ri.Before(*rj)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryRecordStore) MarkReplicated(_ context.Context, key models.CacheKey, version int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return sentinel.ErrNotFound
	}
	rec.ReplicatedVersion = version
	rec.ReplicatedAt = &at
	return nil
}

func (s *InMemoryRecordStore) Stats(_ context.Context, mirrorTTL time.Duration) (models.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-mirrorTTL)
	var stats models.StoreStats
	for _, rec := range s.records {
		stats.TotalRecords++
		if rec.EntityID == "" {
			stats.MissingEntityID++
		}
		if !rec.Invalidated() && mirrorStale(rec, cutoff) {
			stats.StaleMirrors++
		}
	}
	return stats, nil
}

// mirrorStale reports whether the distributed mirror for rec is missing,
// version-stale, or older than the cutoff.
func mirrorStale(rec *models.CacheRecord, cutoff time.Time) bool {
	return rec.ReplicatedAt == nil ||
		rec.ReplicatedVersion < rec.Version ||
		rec.ReplicatedAt.Before(cutoff)
}

func clone(rec *models.CacheRecord) *models.CacheRecord {
	out := *rec
	if rec.InvalidatedAt != nil {
		t := *rec.InvalidatedAt
		out.InvalidatedAt = &t
	}
	if rec.ReplicatedAt != nil {
		t := *rec.ReplicatedAt
		out.ReplicatedAt = &t
	}
	return &out
}
