// Package ports defines the interfaces the resolution engine is composed
// from. Services depend on these, never on concrete tiers or stores, so every
// tier can be swapped in tests and deployments.
package ports

import (
	"context"
	"time"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/models"
)

// CacheTier is one layer of the lookup hierarchy. Get returns (nil, false,
// nil) on a clean miss; errors are transient and callers fall through to the
// next tier.
type CacheTier interface {
	Get(ctx context.Context, key string) (*models.DistributedEntry, bool, error)
	Set(ctx context.Context, entry *models.DistributedEntry) error
	Delete(ctx context.Context, key string) error
}

// RecordStore is the durable authoritative store of versioned cache records.
type RecordStore interface {
	// Get returns the record for key, including soft-invalidated rows, or
	// sentinel.ErrNotFound.
	Get(ctx context.Context, key models.CacheKey) (*models.CacheRecord, error)

	// Upsert writes the canonical mapping. An existing row with the same
	// canonical ID keeps its version and gains a hit; a changed canonical ID
	// bumps the version by exactly one. Either way a soft-invalidation mark
	// is cleared. Concurrent upserts are serialized per key.
	Upsert(ctx context.Context, key models.CacheKey, canonicalID, entityID string, source models.RecordSource) (*models.CacheRecord, error)

	// Touch bumps hit metadata without changing the mapping.
	Touch(ctx context.Context, key models.CacheKey) error

	// Invalidate soft-marks the row and resets its replication pointers so
	// the next resolution re-validates through the system of record.
	Invalidate(ctx context.Context, key models.CacheKey, reason string) error

	// FindByCanonicalID returns the freshest record mapped to the entity.
	FindByCanonicalID(ctx context.Context, canonicalID string) (*models.CacheRecord, error)

	// ListReplicationCandidates returns up to limit non-invalidated rows
	// whose distributed mirror is missing, version-stale, or older than
	// maxAge.
	ListReplicationCandidates(ctx context.Context, limit int, maxAge time.Duration) ([]*models.CacheRecord, error)

	// MarkReplicated records that version was pushed to the distributed
	// tier at the given time.
	MarkReplicated(ctx context.Context, key models.CacheKey, version int64, at time.Time) error

	// Stats aggregates counts for health audits; mirrorTTL bounds how old a
	// replication mark may be before the mirror counts as stale.
	Stats(ctx context.Context, mirrorTTL time.Duration) (models.StoreStats, error)
}

// EntityMetadata enriches a canonical ID with secondary identity fields.
type EntityMetadata struct {
	EntityID    string
	DisplayName string
}

// ChangedEntity is one recently edited entity in the system of record.
type ChangedEntity struct {
	CanonicalID string
	EditedAt    time.Time
}

// SystemOfRecord is the slow external source of truth, consulted only on a
// full cache miss and by the drift monitor.
type SystemOfRecord interface {
	// LookupByPhone returns the canonical ID for a normalized phone number,
	// or "" when no entity matches.
	LookupByPhone(ctx context.Context, phone string) (string, error)

	// LookupByEmail returns the canonical ID for a normalized email address,
	// or "" when no entity matches.
	LookupByEmail(ctx context.Context, email string) (string, error)

	// EntityMetadata fetches secondary identity fields for a canonical ID.
	EntityMetadata(ctx context.Context, canonicalID string) (EntityMetadata, error)

	// RecentlyChanged lists the most recently edited entities, newest first.
	RecentlyChanged(ctx context.Context, limit int) ([]ChangedEntity, error)
}

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertDispatcher delivers operational alerts. Delivery is best effort; a
// failed send never fails the health check that produced it.
type AlertDispatcher interface {
	Send(ctx context.Context, severity Severity, summary string, details map[string]any) error
}
