package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/models"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/sentinel"
)

// Schema creates the authoritative table. Applied idempotently at startup
// and by integration tests.
const Schema = `
CREATE TABLE IF NOT EXISTS contact_cache_records (
    lookup_key         TEXT PRIMARY KEY,
    lookup_kind        TEXT NOT NULL,
    lookup_value       TEXT NOT NULL,
    canonical_id       TEXT NOT NULL,
    entity_id          TEXT NOT NULL DEFAULT '',
    version            BIGINT NOT NULL DEFAULT 1,
    source             TEXT NOT NULL,
    cached_at          TIMESTAMPTZ NOT NULL,
    last_verified_at   TIMESTAMPTZ NOT NULL,
    hit_count          BIGINT NOT NULL DEFAULT 0,
    invalidated_at     TIMESTAMPTZ,
    replicated_version BIGINT NOT NULL DEFAULT 0,
    replicated_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS contact_cache_records_canonical_idx
    ON contact_cache_records (canonical_id, last_verified_at DESC);
`

const recordColumns = `lookup_kind, lookup_value, canonical_id, entity_id, version, source,
cached_at, last_verified_at, hit_count, invalidated_at, replicated_version, replicated_at`

// How many optimistic-concurrency attempts to make before falling back to
// last-write-wins. Keeps conflict storms bounded.
const upsertMaxRetries = 3

// PostgresRecordStore persists cache records in PostgreSQL.
type PostgresRecordStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed record store.
func NewPostgres(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

// EnsureSchema applies the table definition idempotently.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure contact_cache_records schema: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) Get(ctx context.Context, key models.CacheKey) (*models.CacheRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM contact_cache_records WHERE lookup_key = $1`,
		key.String())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache record: %w", err)
	}
	return rec, nil
}

// Upsert applies the versioning rules under optimistic concurrency: each
// attempt reads the current version and updates only if it is unchanged. A
// lost race returns sentinel.ErrConflict internally and is retried with
// backoff; after upsertMaxRetries the write degrades to last-write-wins
// rather than retrying indefinitely.
func (s *PostgresRecordStore) Upsert(ctx context.Context, key models.CacheKey, canonicalID, entityID string, source models.RecordSource) (*models.CacheRecord, error) {
	var rec *models.CacheRecord

	attempt := func() error {
		var err error
		rec, err = s.upsertOnce(ctx, key, canonicalID, entityID, source)
		if errors.Is(err, sentinel.ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 100 * time.Millisecond
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, upsertMaxRetries), ctx))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sentinel.ErrConflict) {
		return nil, fmt.Errorf("upsert cache record: %w", err)
	}

	// Retries exhausted under contention: accept the last writer's value.
	rec, err = s.upsertLastWriteWins(ctx, key, canonicalID, entityID, source)
	if err != nil {
		return nil, fmt.Errorf("upsert cache record (last-write-wins): %w", err)
	}
	return rec, nil
}

func (s *PostgresRecordStore) upsertOnce(ctx context.Context, key models.CacheKey, canonicalID, entityID string, source models.RecordSource) (*models.CacheRecord, error) {
	existing, err := s.Get(ctx, key)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, err
	}

	if existing == nil {
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO contact_cache_records
				(lookup_key, lookup_kind, lookup_value, canonical_id, entity_id, version, source,
				 cached_at, last_verified_at, hit_count)
			VALUES ($1, $2, $3, $4, $5, 1, $6, now(), now(), 1)
			ON CONFLICT (lookup_key) DO NOTHING
			RETURNING `+recordColumns,
			key.String(), key.Kind, key.Value, canonicalID, entityID, source)
		rec, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			// Another writer created the row first; re-read and retry.
			return nil, sentinel.ErrConflict
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}

	var row *sql.Row
	if existing.CanonicalID == canonicalID {
		row = s.db.QueryRowContext(ctx, `
			UPDATE contact_cache_records SET
				hit_count = hit_count + 1,
				last_verified_at = now(),
				invalidated_at = NULL,
				source = $3,
				entity_id = CASE WHEN $4 = '' THEN entity_id ELSE $4 END
			WHERE lookup_key = $1 AND version = $2
			RETURNING `+recordColumns,
			key.String(), existing.Version, source, entityID)
	} else {
		row = s.db.QueryRowContext(ctx, `
			UPDATE contact_cache_records SET
				canonical_id = $3,
				entity_id = $4,
				version = version + 1,
				hit_count = hit_count + 1,
				last_verified_at = now(),
				invalidated_at = NULL,
				source = $5
			WHERE lookup_key = $1 AND version = $2
			RETURNING `+recordColumns,
			key.String(), existing.Version, canonicalID, entityID, source)
	}

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Version moved underneath us.
		return nil, sentinel.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// upsertLastWriteWins is a single atomic statement with no version guard.
// The CASE keeps the version invariant: it bumps only when the canonical ID
// actually changes.
func (s *PostgresRecordStore) upsertLastWriteWins(ctx context.Context, key models.CacheKey, canonicalID, entityID string, source models.RecordSource) (*models.CacheRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO contact_cache_records
			(lookup_key, lookup_kind, lookup_value, canonical_id, entity_id, version, source,
			 cached_at, last_verified_at, hit_count)
		VALUES ($1, $2, $3, $4, $5, 1, $6, now(), now(), 1)
		ON CONFLICT (lookup_key) DO UPDATE SET
			version = contact_cache_records.version +
				CASE WHEN contact_cache_records.canonical_id = EXCLUDED.canonical_id THEN 0 ELSE 1 END,
			canonical_id = EXCLUDED.canonical_id,
			entity_id = CASE WHEN EXCLUDED.entity_id = '' THEN contact_cache_records.entity_id ELSE EXCLUDED.entity_id END,
			hit_count = contact_cache_records.hit_count + 1,
			last_verified_at = now(),
			invalidated_at = NULL,
			source = EXCLUDED.source
		RETURNING `+recordColumns,
		key.String(), key.Kind, key.Value, canonicalID, entityID, source)
	return scanRecord(row)
}

func (s *PostgresRecordStore) Touch(ctx context.Context, key models.CacheKey) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contact_cache_records SET
			hit_count = hit_count + 1,
			last_verified_at = now()
		WHERE lookup_key = $1`,
		key.String())
	if err != nil {
		return fmt.Errorf("touch cache record: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresRecordStore) Invalidate(ctx context.Context, key models.CacheKey, _ string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contact_cache_records SET
			invalidated_at = now(),
			replicated_version = 0,
			replicated_at = NULL
		WHERE lookup_key = $1`,
		key.String())
	if err != nil {
		return fmt.Errorf("invalidate cache record: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresRecordStore) FindByCanonicalID(ctx context.Context, canonicalID string) (*models.CacheRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM contact_cache_records
		 WHERE canonical_id = $1
		 ORDER BY last_verified_at DESC
		 LIMIT 1`,
		canonicalID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find cache record by canonical id: %w", err)
	}
	return rec, nil
}

func (s *PostgresRecordStore) ListReplicationCandidates(ctx context.Context, limit int, maxAge time.Duration) ([]*models.CacheRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM contact_cache_records
		WHERE invalidated_at IS NULL
		  AND (replicated_at IS NULL
		       OR replicated_version < version
		       OR replicated_at < $1)
		ORDER BY replicated_at ASC NULLS FIRST, lookup_key
		LIMIT $2`,
		time.Now().Add(-maxAge), limit)
	if err != nil {
		return nil, fmt.Errorf("list replication candidates: %w", err)
	}
	defer rows.Close()

	var out []*models.CacheRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan replication candidate: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list replication candidates: %w", err)
	}
	return out, nil
}

func (s *PostgresRecordStore) MarkReplicated(ctx context.Context, key models.CacheKey, version int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contact_cache_records SET
			replicated_version = $2,
			replicated_at = $3
		WHERE lookup_key = $1`,
		key.String(), version, at)
	if err != nil {
		return fmt.Errorf("mark replicated: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresRecordStore) Stats(ctx context.Context, mirrorTTL time.Duration) (models.StoreStats, error) {
	var stats models.StoreStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE entity_id = ''),
			count(*) FILTER (WHERE invalidated_at IS NULL
				AND (replicated_at IS NULL
				     OR replicated_version < version
				     OR replicated_at < $1))
		FROM contact_cache_records`,
		time.Now().Add(-mirrorTTL)).
		Scan(&stats.TotalRecords, &stats.MissingEntityID, &stats.StaleMirrors)
	if err != nil {
		return models.StoreStats{}, fmt.Errorf("record store stats: %w", err)
	}
	return stats, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*models.CacheRecord, error) {
	var (
		rec           models.CacheRecord
		kind          string
		invalidatedAt sql.NullTime
		replicatedAt  sql.NullTime
	)
	err := row.Scan(
		&kind, &rec.Key.Value, &rec.CanonicalID, &rec.EntityID, &rec.Version, &rec.Source,
		&rec.CachedAt, &rec.LastVerifiedAt, &rec.HitCount, &invalidatedAt,
		&rec.ReplicatedVersion, &replicatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Key.Kind = models.LookupKind(kind)
	if invalidatedAt.Valid {
		rec.InvalidatedAt = &invalidatedAt.Time
	}
	if replicatedAt.Valid {
		rec.ReplicatedAt = &replicatedAt.Time
	}
	return &rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
