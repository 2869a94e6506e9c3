package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/metrics"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/models"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/normalize"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/ports"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/domainerr"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/sentinel"
)

// Invalidator is the single code path for forcing a key's re-resolution.
// Operator requests and drift-monitor remediation both funnel through here
// so no tier is left stale after a successful call.
type Invalidator struct {
	edge        ports.CacheTier
	distributed ports.CacheTier
	store       ports.RecordStore
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// InvalidatorOption customizes an Invalidator.
type InvalidatorOption func(*Invalidator)

func WithInvalidatorLogger(logger *slog.Logger) InvalidatorOption {
	return func(i *Invalidator) { i.logger = logger }
}

func WithInvalidatorMetrics(m *metrics.Metrics) InvalidatorOption {
	return func(i *Invalidator) { i.metrics = m }
}

// NewInvalidator wires an Invalidator over the same tiers the resolver uses.
func NewInvalidator(edge, distributed ports.CacheTier, store ports.RecordStore, opts ...InvalidatorOption) (*Invalidator, error) {
	if edge == nil || distributed == nil {
		return nil, fmt.Errorf("both cache tiers are required")
	}
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	inv := &Invalidator{
		edge:        edge,
		distributed: distributed,
		store:       store,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv, nil
}

// Invalidate clears the distributed and edge entries synchronously and
// soft-marks the authoritative row so the next resolution re-validates
// through the system of record. Unknown keys succeed: the caches are still
// cleared and there is no row to mark.
func (i *Invalidator) Invalidate(ctx context.Context, kind models.LookupKind, raw, reason string) error {
	if !kind.IsValid() {
		return domainerr.New(domainerr.CodeBadRequest, "unsupported lookup type")
	}
	value, ok := normalize.Normalize(kind, raw)
	if !ok {
		return domainerr.New(domainerr.CodeBadRequest, "lookup normalizes to an empty key")
	}
	key := models.CacheKey{Kind: kind, Value: value}

	if err := i.distributed.Delete(ctx, key.String()); err != nil {
		return domainerr.Wrap(err, domainerr.CodeInternal, "failed to clear distributed cache")
	}
	if err := i.edge.Delete(ctx, key.String()); err != nil {
		return domainerr.Wrap(err, domainerr.CodeInternal, "failed to clear edge cache")
	}

	err := i.store.Invalidate(ctx, key, reason)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		i.logger.InfoContext(ctx, "invalidation for unknown key, caches cleared",
			"kind", kind, "reason", reason)
	case err != nil:
		return domainerr.Wrap(err, domainerr.CodeInternal, "failed to mark record invalidated")
	default:
		i.logger.InfoContext(ctx, "cache record invalidated",
			"kind", kind, "reason", reason)
	}

	i.metrics.IncInvalidations()
	return nil
}
