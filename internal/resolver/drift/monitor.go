// Package drift audits how far the cache hierarchy has fallen behind the
// system of record. It samples recently edited entities, compares their edit
// times against the authoritative store's verification times, and grades the
// result for the operational health endpoint.
package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/metrics"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/models"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/ports"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/sentinel"
)

const (
	defaultInterval    = 15 * time.Minute
	defaultSampleLimit = 50
	defaultTolerance   = time.Hour
	defaultMirrorTTL   = 6 * time.Hour

	// Default grading thresholds on the out-of-sync ratio.
	defaultWarnRatio     = 0.2
	defaultCriticalRatio = 0.7

	sampleConcurrency = 8
)

// Invalidator clears every cache tier for a key and soft-marks its record so
// the next lookup re-validates through the system of record. Satisfied by the
// resolution engine's invalidation service.
type Invalidator interface {
	Invalidate(ctx context.Context, kind models.LookupKind, raw, reason string) error
}

// Monitor periodically evaluates cache drift. Checks are serialized through a
// singleflight group, and the latest snapshot is kept for the health endpoint
// so reads never trigger a fresh audit.
type Monitor struct {
	store       ports.RecordStore
	source      ports.SystemOfRecord
	dispatcher  ports.AlertDispatcher
	invalidator Invalidator
	logger      *slog.Logger
	metrics     *metrics.Metrics

	interval      time.Duration
	sampleLimit   int
	tolerance     time.Duration
	mirrorTTL     time.Duration
	warnRatio     float64
	criticalRatio float64

	sf   singleflight.Group
	mu   sync.RWMutex
	last *models.HealthSnapshot
}

// Option customizes a Monitor.
type Option func(*Monitor)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mx }
}

// WithDispatcher routes non-ok evaluations to an alert channel, best effort.
func WithDispatcher(d ports.AlertDispatcher) Option {
	return func(m *Monitor) { m.dispatcher = d }
}

// WithInvalidator lets the monitor remediate the drift it finds: every
// out-of-sync sample has its key invalidated so stale tiers are cleared
// immediately instead of waiting out their TTLs.
func WithInvalidator(inv Invalidator) Option {
	return func(m *Monitor) { m.invalidator = inv }
}

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithSampleLimit(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.sampleLimit = n
		}
	}
}

// WithTolerance sets how far a verification time may lag a source edit before
// the entity counts as out of sync.
func WithTolerance(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.tolerance = d
		}
	}
}

func WithMirrorTTL(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.mirrorTTL = d
		}
	}
}

// WithRatios sets the warning and critical thresholds on the out-of-sync
// ratio. Values outside (0, 1] or an inverted pair are ignored.
func WithRatios(warn, critical float64) Option {
	return func(m *Monitor) {
		if warn > 0 && critical > warn && critical <= 1 {
			m.warnRatio = warn
			m.criticalRatio = critical
		}
	}
}

// New wires a drift Monitor.
func New(store ports.RecordStore, source ports.SystemOfRecord, opts ...Option) (*Monitor, error) {
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if source == nil {
		return nil, fmt.Errorf("system of record is required")
	}
	m := &Monitor{
		store:         store,
		source:        source,
		logger:        slog.Default(),
		interval:      defaultInterval,
		sampleLimit:   defaultSampleLimit,
		tolerance:     defaultTolerance,
		mirrorTTL:     defaultMirrorTTL,
		warnRatio:     defaultWarnRatio,
		criticalRatio: defaultCriticalRatio,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run evaluates on the monitor's interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.InfoContext(ctx, "drift monitor started",
		"interval", m.interval, "sample_limit", m.sampleLimit, "tolerance", m.tolerance)

	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "drift monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil {
				m.logger.ErrorContext(ctx, "drift check failed", "error", err)
			}
		}
	}
}

// Check runs one drift evaluation. Concurrent callers share a single
// evaluation and its snapshot.
func (m *Monitor) Check(ctx context.Context) (models.HealthSnapshot, error) {
	v, err, _ := m.sf.Do("drift-check", func() (any, error) {
		return m.check(ctx)
	})
	snap, _ := v.(models.HealthSnapshot)
	return snap, err
}

// Snapshot returns the most recent evaluation, or false when none has run.
func (m *Monitor) Snapshot() (models.HealthSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return models.HealthSnapshot{}, false
	}
	return *m.last, true
}

func (m *Monitor) check(ctx context.Context) (models.HealthSnapshot, error) {
	start := time.Now()

	driftCheck, sampled, ratio, drifted, err := m.sampleDrift(ctx)
	if err != nil {
		return models.HealthSnapshot{}, err
	}

	checks := []models.HealthCheck{driftCheck}
	status := driftCheck.Status

	storeCheck, err := m.auditStore(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "store audit failed", "error", err)
	} else {
		checks = append(checks, storeCheck)
		status = models.Worst(status, storeCheck.Status)
	}

	snap := models.HealthSnapshot{
		Status:     status,
		Checks:     checks,
		CheckedAt:  start,
		DurationMS: time.Since(start).Milliseconds(),
		Sampled:    sampled,
	}

	m.mu.Lock()
	m.last = &snap
	m.mu.Unlock()

	m.metrics.SetDrift(snap.Status, ratio)
	m.remediate(ctx, drifted)

	if snap.Status != models.HealthOK {
		m.logger.WarnContext(ctx, "cache drift detected",
			"status", snap.Status, "out_of_sync_ratio", ratio, "sampled", sampled)
		m.dispatch(ctx, snap, ratio)
	}
	return snap, nil
}

// sampleDrift pulls the most recently edited entities and grades how many of
// the tracked ones our store verified before the edit, beyond tolerance. It
// also returns the keys of the out-of-sync records so they can be remediated.
// Entities the store has never seen are not drift; they simply are not cached.
func (m *Monitor) sampleDrift(ctx context.Context) (models.HealthCheck, int, float64, []models.CacheKey, error) {
	changed, err := m.source.RecentlyChanged(ctx, m.sampleLimit)
	if err != nil {
		return models.HealthCheck{}, 0, 0, nil, fmt.Errorf("list recently changed entities: %w", err)
	}

	var (
		mu        sync.Mutex
		tracked   int
		outOfSync int
		drifted   []models.CacheKey
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sampleConcurrency)
	for _, entity := range changed {
		g.Go(func() error {
			rec, err := m.store.FindByCanonicalID(gctx, entity.CanonicalID)
			if err != nil {
				if errors.Is(err, sentinel.ErrNotFound) {
					return nil
				}
				return err
			}
			sample := models.DriftSample{
				CanonicalID:    entity.CanonicalID,
				SourceEditedAt: entity.EditedAt,
				LastVerifiedAt: rec.LastVerifiedAt,
				OutOfSync:      entity.EditedAt.Sub(rec.LastVerifiedAt) > m.tolerance,
			}
			mu.Lock()
			tracked++
			if sample.OutOfSync {
				outOfSync++
				drifted = append(drifted, rec.Key)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.HealthCheck{}, 0, 0, nil, fmt.Errorf("sample drift: %w", err)
	}

	var ratio float64
	if tracked > 0 {
		ratio = float64(outOfSync) / float64(tracked)
	}

	status := models.HealthOK
	switch {
	case ratio >= m.criticalRatio:
		status = models.HealthCritical
	case ratio >= m.warnRatio:
		status = models.HealthWarning
	}

	return models.HealthCheck{
		Name:   "drift",
		Status: status,
		Details: map[string]any{
			"sampled":           len(changed),
			"tracked":           tracked,
			"out_of_sync":       outOfSync,
			"out_of_sync_ratio": ratio,
		},
	}, len(changed), ratio, drifted, nil
}

// remediate funnels the keys of out-of-sync samples through the invalidation
// service so they are re-validated on the next lookup. A failed key stays out
// of sync and is picked up again on the next check.
func (m *Monitor) remediate(ctx context.Context, keys []models.CacheKey) {
	if m.invalidator == nil || len(keys) == 0 {
		return
	}
	cleared := 0
	for _, key := range keys {
		if err := m.invalidator.Invalidate(ctx, key.Kind, key.Value, "drift detected"); err != nil {
			m.logger.WarnContext(ctx, "drift remediation failed",
				"key", key.String(), "error", err)
			continue
		}
		cleared++
	}
	if cleared > 0 {
		m.logger.InfoContext(ctx, "drifted keys invalidated", "count", cleared)
	}
}

// auditStore reports the authoritative store's own hygiene: rows missing the
// secondary entity ID and rows whose distributed mirror has gone stale. The
// check is informational; the replication job owns mirror freshness and
// retries on its own cadence, so a stale backlog is not graded as drift.
func (m *Monitor) auditStore(ctx context.Context) (models.HealthCheck, error) {
	stats, err := m.store.Stats(ctx, m.mirrorTTL)
	if err != nil {
		return models.HealthCheck{}, err
	}

	return models.HealthCheck{
		Name:   "store",
		Status: models.HealthOK,
		Details: map[string]any{
			"total_records":     stats.TotalRecords,
			"missing_entity_id": stats.MissingEntityID,
			"stale_mirrors":     stats.StaleMirrors,
		},
	}, nil
}

func (m *Monitor) dispatch(ctx context.Context, snap models.HealthSnapshot, ratio float64) {
	if m.dispatcher == nil {
		return
	}
	severity := ports.SeverityWarning
	if snap.Status == models.HealthCritical {
		severity = ports.SeverityCritical
	}
	err := m.dispatcher.Send(ctx, severity, "cache drift detected", map[string]any{
		"status":            string(snap.Status),
		"out_of_sync_ratio": ratio,
		"sampled":           snap.Sampled,
		"checked_at":        snap.CheckedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		m.logger.WarnContext(ctx, "drift alert dispatch failed", "error", err)
	}
}
