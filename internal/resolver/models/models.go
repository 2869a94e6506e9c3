// Package models holds the data types shared across the contact resolution
// engine: cache keys, the versioned authoritative record, cache entries, and
// health reporting types.
package models

import (
	"fmt"
	"time"
)

// LookupKind is the type of contact identifier being resolved.
type LookupKind string

const (
	LookupKindPhone LookupKind = "phone"
	LookupKindEmail LookupKind = "email"
)

// IsValid reports whether the kind is one we resolve.
func (k LookupKind) IsValid() bool {
	return k == LookupKindPhone || k == LookupKindEmail
}

// CacheKey identifies a normalized lookup across every tier.
type CacheKey struct {
	Kind  LookupKind
	Value string
}

// String renders the tier key, e.g. "phone:+13365185544".
func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.Value)
}

// RecordSource says where a record's canonical ID was last obtained.
type RecordSource string

const (
	RecordSourceSystemOfRecord RecordSource = "system-of-record"
	RecordSourceReplicated     RecordSource = "replicated"
)

// CacheRecord is the durable, versioned row in the authoritative store.
//
// Version starts at 1 and only increases, and only when the canonical ID
// changes. InvalidatedAt is a soft mark: the row survives invalidation so hit
// history is preserved, but resolution must re-validate through the system of
// record while it is set. ReplicatedVersion/ReplicatedAt track what the
// distributed cache last received for this row.
type CacheRecord struct {
	Key               CacheKey
	CanonicalID       string
	EntityID          string
	Version           int64
	Source            RecordSource
	CachedAt          time.Time
	LastVerifiedAt    time.Time
	HitCount          int64
	InvalidatedAt     *time.Time
	ReplicatedVersion int64
	ReplicatedAt      *time.Time
}

// Invalidated reports whether the record currently carries the soft mark.
func (r *CacheRecord) Invalidated() bool {
	return r.InvalidatedAt != nil
}

// DistributedEntry is the value stored in the edge and distributed tiers.
// Its version may lag the authoritative row but never exceeds it.
type DistributedEntry struct {
	Key         CacheKey
	CanonicalID string
	Version     int64
	CachedAt    time.Time
}

// ResolutionSource says which tier answered a lookup.
type ResolutionSource string

const (
	SourceEdge           ResolutionSource = "edge"
	SourceDistributed    ResolutionSource = "distributed"
	SourceAuthoritative  ResolutionSource = "authoritative"
	SourceSystemOfRecord ResolutionSource = "system-of-record"
	SourceMiss           ResolutionSource = "miss"
)

// Resolution is the outcome of a lookup. CanonicalID is empty on a miss.
type Resolution struct {
	CanonicalID string           `json:"canonical_id,omitempty"`
	Source      ResolutionSource `json:"source"`
}

// Miss is the canonical empty resolution.
func Miss() Resolution {
	return Resolution{Source: SourceMiss}
}

// DriftSample is a transient comparison between the system of record's edit
// timestamp and the authoritative store's verification timestamp.
type DriftSample struct {
	CanonicalID    string
	SourceEditedAt time.Time
	LastVerifiedAt time.Time
	OutOfSync      bool
}

// HealthStatus classifies an individual check or the aggregate.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

func (s HealthStatus) rank() int {
	switch s {
	case HealthCritical:
		return 2
	case HealthWarning:
		return 1
	default:
		return 0
	}
}

// Worst returns the more severe of two statuses.
func Worst(a, b HealthStatus) HealthStatus {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// HealthCheck is a single named check inside a snapshot.
type HealthCheck struct {
	Name    string         `json:"name"`
	Status  HealthStatus   `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthSnapshot is the drift monitor's last evaluation, exposed on the
// operational dashboard endpoint.
type HealthSnapshot struct {
	Status     HealthStatus  `json:"status"`
	Checks     []HealthCheck `json:"checks"`
	CheckedAt  time.Time     `json:"checked_at"`
	DurationMS int64         `json:"duration_ms"`
	Sampled    int           `json:"sampled"`
}

// StoreStats are aggregate counts the drift monitor audits.
type StoreStats struct {
	TotalRecords    int64
	MissingEntityID int64
	StaleMirrors    int64
}
