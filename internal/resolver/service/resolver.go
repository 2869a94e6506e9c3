// Package service implements the tiered resolution engine: lookups walk
// edge -> distributed -> authoritative -> system of record, populating the
// faster tiers on the way back out.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/metrics"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/models"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/normalize"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/ports"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/circuit"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/sentinel"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/taskgroup"
)

const defaultSourceTimeout = 10 * time.Second

// Resolver orchestrates lookups across the cache tiers.
type Resolver struct {
	edge          ports.CacheTier
	distributed   ports.CacheTier
	store         ports.RecordStore
	source        ports.SystemOfRecord
	tasks         *taskgroup.Group
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	breaker       *circuit.Breaker
	sourceTimeout time.Duration
}

// Option customizes a Resolver.
type Option func(*Resolver)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Resolver) { r.tracer = t }
}

// WithBreaker guards system-of-record calls with a circuit breaker; while it
// is open, full misses return immediately instead of hammering a sick
// upstream.
func WithBreaker(b *circuit.Breaker) Option {
	return func(r *Resolver) { r.breaker = b }
}

// WithSourceTimeout bounds each system-of-record call. An expired deadline
// is treated as a miss, never surfaced to the caller.
func WithSourceTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.sourceTimeout = d
		}
	}
}

// New wires a Resolver. All four tiers and the task group are required.
func New(edge, distributed ports.CacheTier, store ports.RecordStore, source ports.SystemOfRecord, tasks *taskgroup.Group, opts ...Option) (*Resolver, error) {
	if edge == nil || distributed == nil {
		return nil, fmt.Errorf("both cache tiers are required")
	}
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if source == nil {
		return nil, fmt.Errorf("system of record is required")
	}
	if tasks == nil {
		return nil, fmt.Errorf("task group is required")
	}

	r := &Resolver{
		edge:          edge,
		distributed:   distributed,
		store:         store,
		source:        source,
		tasks:         tasks,
		logger:        slog.Default(),
		tracer:        otel.Tracer("resolver"),
		sourceTimeout: defaultSourceTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve maps a raw phone number or email address to its canonical entity
// ID. It returns a miss (never an error) when the input normalizes to
// nothing, when every tier misses, or when the system of record is
// unavailable; negative results are not cached. Side effects (hit-metadata
// bumps, propagation into faster tiers) run on the supervised task group and
// never block or fail the return path.
func (r *Resolver) Resolve(ctx context.Context, raw string, kind models.LookupKind) (models.Resolution, error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "resolver.resolve",
		trace.WithAttributes(attribute.String("lookup.kind", string(kind))))
	defer span.End()

	value, ok := normalize.Normalize(kind, raw)
	if !ok {
		return r.finish(span, start, models.Miss()), nil
	}
	key := models.CacheKey{Kind: kind, Value: value}
	tierKey := key.String()

	// Edge tier: node-local, answer immediately on a hit.
	if entry, hit, err := r.edge.Get(ctx, tierKey); err != nil {
		r.tierError(ctx, "edge", err)
	} else if hit {
		r.touchAsync(key)
		return r.finish(span, start, models.Resolution{CanonicalID: entry.CanonicalID, Source: models.SourceEdge}), nil
	}

	// Distributed tier: write through to the edge before returning.
	if entry, hit, err := r.distributed.Get(ctx, tierKey); err != nil {
		r.tierError(ctx, "distributed", err)
	} else if hit {
		if err := r.edge.Set(ctx, entry); err != nil {
			r.tierError(ctx, "edge", err)
		}
		r.touchAsync(key)
		return r.finish(span, start, models.Resolution{CanonicalID: entry.CanonicalID, Source: models.SourceDistributed}), nil
	}

	// Authoritative store: soft-invalidated rows are skipped so resolution
	// is forced through the system of record.
	rec, err := r.store.Get(ctx, key)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		r.tierError(ctx, "authoritative", err)
	} else if err == nil && !rec.Invalidated() {
		entry := entryFromRecord(rec)
		if err := r.edge.Set(ctx, entry); err != nil {
			r.tierError(ctx, "edge", err)
		}
		r.propagateAsync(entry)
		r.touchAsync(key)
		return r.finish(span, start, models.Resolution{CanonicalID: rec.CanonicalID, Source: models.SourceAuthoritative}), nil
	}

	// System of record: the slow path. Unavailability and timeouts are
	// treated as misses.
	canonicalID, err := r.lookupSource(ctx, key)
	if err != nil {
		r.logger.WarnContext(ctx, "system of record lookup failed",
			"kind", kind, "error", err)
		return r.finish(span, start, models.Miss()), nil
	}
	if canonicalID == "" {
		return r.finish(span, start, models.Miss()), nil
	}

	entityID := r.enrich(ctx, canonicalID)

	fresh, err := r.store.Upsert(ctx, key, canonicalID, entityID, models.RecordSourceSystemOfRecord)
	if err != nil {
		// A failed write must not turn a successful lookup into a miss.
		r.logger.ErrorContext(ctx, "authoritative store upsert failed",
			"kind", kind, "error", err)
	} else {
		entry := entryFromRecord(fresh)
		if err := r.edge.Set(ctx, entry); err != nil {
			r.tierError(ctx, "edge", err)
		}
		r.propagateAsync(entry)
	}

	return r.finish(span, start, models.Resolution{CanonicalID: canonicalID, Source: models.SourceSystemOfRecord}), nil
}

func (r *Resolver) lookupSource(ctx context.Context, key models.CacheKey) (string, error) {
	if r.breaker != nil && r.breaker.IsOpen() {
		return "", fmt.Errorf("circuit %s open: %w", r.breaker.Name(), sentinel.ErrUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, r.sourceTimeout)
	defer cancel()

	var (
		canonicalID string
		err         error
	)
	switch key.Kind {
	case models.LookupKindPhone:
		canonicalID, err = r.source.LookupByPhone(ctx, key.Value)
	case models.LookupKindEmail:
		canonicalID, err = r.source.LookupByEmail(ctx, key.Value)
	}

	if r.breaker != nil {
		if err != nil {
			if _, change := r.breaker.RecordFailure(); change.Opened {
				r.logger.WarnContext(ctx, "system of record circuit opened")
			}
		} else if _, change := r.breaker.RecordSuccess(); change.Closed {
			r.logger.InfoContext(ctx, "system of record circuit closed")
		}
	}
	return canonicalID, err
}

// enrich fetches the secondary entity identifier, best effort.
func (r *Resolver) enrich(ctx context.Context, canonicalID string) string {
	ctx, cancel := context.WithTimeout(ctx, r.sourceTimeout)
	defer cancel()

	meta, err := r.source.EntityMetadata(ctx, canonicalID)
	if err != nil {
		r.logger.DebugContext(ctx, "entity metadata fetch failed",
			"canonical_id", canonicalID, "error", err)
		return ""
	}
	return meta.EntityID
}

func (r *Resolver) touchAsync(key models.CacheKey) {
	r.tasks.Go("record-touch", func(ctx context.Context) error {
		err := r.store.Touch(ctx, key)
		if errors.Is(err, sentinel.ErrNotFound) {
			// A cache tier can outlive its record; nothing to bump.
			return nil
		}
		return err
	})
}

func (r *Resolver) propagateAsync(entry *models.DistributedEntry) {
	r.tasks.Go("distributed-write-through", func(ctx context.Context) error {
		return r.distributed.Set(ctx, entry)
	})
}

func (r *Resolver) tierError(ctx context.Context, tier string, err error) {
	r.metrics.IncTierError(tier)
	r.logger.WarnContext(ctx, "cache tier unavailable, falling through",
		"tier", tier, "error", err)
}

func (r *Resolver) finish(span trace.Span, start time.Time, res models.Resolution) models.Resolution {
	span.SetAttributes(attribute.String("resolve.source", string(res.Source)))
	r.metrics.ObserveResolve(res.Source, time.Since(start))
	return res
}

func entryFromRecord(rec *models.CacheRecord) *models.DistributedEntry {
	return &models.DistributedEntry{
		Key:         rec.Key,
		CanonicalID: rec.CanonicalID,
		Version:     rec.Version,
		CachedAt:    time.Now(),
	}
}
